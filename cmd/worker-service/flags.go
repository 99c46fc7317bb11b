package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/backbeatmedia/nexrender/internal/config"
)

// headerFlag collects repeated -header "Name: value" flags
type headerFlag map[string]string

func (h headerFlag) String() string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		parts = append(parts, k+": "+v)
	}
	return strings.Join(parts, ", ")
}

func (h headerFlag) Set(value string) error {
	name, val, ok := strings.Cut(value, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("header must look like \"Name: value\", got %q", value)
	}
	h[name] = strings.TrimSpace(val)
	return nil
}

// cliOptions is what the command line contributes on top of the config file
type cliOptions struct {
	configPath string
	overrides  config.Overrides
}

func parseFlags(args []string, output io.Writer) (*cliOptions, error) {
	fs := flag.NewFlagSet("worker-service", flag.ContinueOnError)
	fs.SetOutput(output)

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}

	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	host := fs.String("host", "", "nexrender server URL (http source)")
	secret := fs.String("secret", "", "nexrender server secret (http source)")
	name := fs.String("name", "", "Executor name reported with every job")
	tagSelector := fs.String("tag-selector", "", "Only claim jobs carrying all of these comma-separated tags")
	tolerate := fs.Int("tolerate-empty-queues", 0, "Empty claims tolerated before exiting with -exit-on-empty-queue")
	exitOnEmpty := fs.Bool("exit-on-empty-queue", false, "Stop once the queue stayed empty past the tolerance")
	stopOnError := fs.Bool("stop-on-error", false, "Stop the worker on the first failure")
	shutdownOnExit := fs.Bool("shutdown-on-exit", false, "Power off the host after exiting on an empty queue")

	var polling time.Duration
	fs.Func("polling", "Wait between claims, in milliseconds or as a duration (e.g. 30s)", func(v string) error {
		d, err := config.ParsePolling(v)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("polling must be greater than 0")
		}
		polling = d
		return nil
	})

	headers := headerFlag{}
	fs.Var(headers, "header", "Extra request header \"Name: value\" (repeatable, http source)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := &cliOptions{configPath: *configPath}
	o := &opts.overrides

	// Only flags given on the command line override the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			o.Host = host
		case "secret":
			o.Secret = secret
		case "name":
			o.Name = name
		case "tag-selector":
			o.TagSelector = tagSelector
		case "polling":
			o.Polling = &polling
		case "tolerate-empty-queues":
			o.TolerateEmptyQueues = tolerate
		case "exit-on-empty-queue":
			o.ExitOnEmptyQueue = exitOnEmpty
		case "stop-on-error":
			o.StopOnError = stopOnError
		case "shutdown-on-exit":
			o.ShutdownOnExit = shutdownOnExit
		case "header":
			o.Headers = headers
		}
	})

	return opts, nil
}
