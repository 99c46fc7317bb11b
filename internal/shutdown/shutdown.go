// Package shutdown powers off the host once an ephemeral worker is done.
package shutdown

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// Command returns the power-off command for the given GOOS
func Command(goos string) (string, []string, error) {
	switch goos {
	case "linux", "darwin", "freebsd":
		return "shutdown", []string{"-h", "now"}, nil
	case "windows":
		return "shutdown", []string{"/s", "/t", "0"}, nil
	default:
		return "", nil, fmt.Errorf("host shutdown is not supported on %s", goos)
	}
}

// Trigger starts the host's power-off command and returns without waiting for it
func Trigger(logger *slog.Logger) error {
	return trigger(logger, runtime.GOOS, exec.Command)
}

func trigger(logger *slog.Logger, goos string, command func(name string, args ...string) *exec.Cmd) error {
	name, args, err := Command(goos)
	if err != nil {
		logger.Error("Cannot shut down host",
			slog.String("error", err.Error()),
		)
		return err
	}

	cmd := command(name, args...)
	if err := cmd.Start(); err != nil {
		logger.Error("Failed to start host shutdown",
			slog.String("command", cmd.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to start host shutdown: %w", err)
	}

	logger.Info("Host shutdown started",
		slog.String("command", cmd.String()),
		slog.Int("pid", cmd.Process.Pid),
	)

	// Reap the process if the host outlives it
	go func() { _ = cmd.Wait() }()

	return nil
}
