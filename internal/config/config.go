package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultPolling is the wait between claims when none is configured
	DefaultPolling = 30 * time.Second
	// DefaultShutdownTimeout bounds how long the process waits for the worker to stop
	DefaultShutdownTimeout = 30 * time.Second

	// EnvPolling overrides the default polling interval, in milliseconds
	EnvPolling = "NEXRENDER_API_POLLING"
	// EnvTolerateEmptyQueues overrides the default empty-queue tolerance
	EnvTolerateEmptyQueues = "NEXRENDER_TOLERATE_EMPTY_QUEUES"
	// EnvHost overrides the default queue server host
	EnvHost = "NEXRENDER_HOST"
	// EnvSecret overrides the default queue server secret
	EnvSecret = "NEXRENDER_SECRET"
)

// Job source types
const (
	SourceHTTP     = "http"
	SourceAMQP     = "amqp"
	SourcePostgres = "postgres"
)

// Config represents the complete worker configuration
type Config struct {
	App     AppConfig     `yaml:"app"`
	Logging LoggingConfig `yaml:"logging"`
	Worker  WorkerConfig  `yaml:"worker"`
	Source  SourceConfig  `yaml:"source"`
	Render  RenderConfig  `yaml:"render"`
	Status  StatusConfig  `yaml:"status"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// WorkerConfig holds the worker loop settings
type WorkerConfig struct {
	Name                string        `yaml:"name"`
	Polling             time.Duration `yaml:"polling"`
	TagSelector         string        `yaml:"tag_selector"`
	TolerateEmptyQueues *int          `yaml:"tolerate_empty_queues"`
	ExitOnEmptyQueue    bool          `yaml:"exit_on_empty_queue"`
	StopOnError         bool          `yaml:"stop_on_error"`
	ShutdownOnExit      bool          `yaml:"shutdown_on_exit"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// SourceConfig selects and configures the job source
type SourceConfig struct {
	Type     string         `yaml:"type"`
	HTTP     HTTPConfig     `yaml:"http"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Database DatabaseConfig `yaml:"database"`
}

// HTTPConfig holds the nexrender API connection settings
type HTTPConfig struct {
	Host    string            `yaml:"host"`
	Secret  string            `yaml:"secret"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and queue/exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Queue      QueueConfig      `yaml:"queue"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
}

// QueueConfig holds the queue jobs are claimed from
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ExchangeConfig holds the exchange job updates are published to
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RenderConfig holds the external render engine invocation
type RenderConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`
	Env     []string `yaml:"env"`
}

// StatusConfig holds the status HTTP server settings
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Overrides holds per-invocation values from the command line.
// Nil fields were not given and leave the configuration untouched.
type Overrides struct {
	Host                *string
	Secret              *string
	Name                *string
	TagSelector         *string
	Polling             *time.Duration
	TolerateEmptyQueues *int
	ExitOnEmptyQueue    *bool
	StopOnError         *bool
	ShutdownOnExit      *bool
	Headers             map[string]string
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ApplyEnvDefaults fills values the file left unset from the environment,
// then from built-in defaults
func (c *Config) ApplyEnvDefaults(lookup func(string) (string, bool)) error {
	if c.Source.Type == "" {
		c.Source.Type = SourceHTTP
	}

	if c.Worker.Polling == 0 {
		c.Worker.Polling = DefaultPolling
		if v, ok := lookup(EnvPolling); ok && v != "" {
			polling, err := ParsePolling(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", EnvPolling, err)
			}
			c.Worker.Polling = polling
		}
	}

	if c.Worker.TolerateEmptyQueues == nil {
		tolerate := 0
		if v, ok := lookup(EnvTolerateEmptyQueues); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s: %w", EnvTolerateEmptyQueues, err)
			}
			tolerate = n
		}
		c.Worker.TolerateEmptyQueues = &tolerate
	}

	if c.Source.HTTP.Host == "" {
		if v, ok := lookup(EnvHost); ok {
			c.Source.HTTP.Host = v
		}
	}

	if c.Source.HTTP.Secret == "" {
		if v, ok := lookup(EnvSecret); ok {
			c.Source.HTTP.Secret = v
		}
	}

	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = DefaultShutdownTimeout
	}

	return nil
}

// ParsePolling accepts plain milliseconds or a Go duration string
func ParsePolling(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// ApplyOverrides applies command line values on top of the loaded configuration
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Host != nil {
		c.Source.HTTP.Host = *o.Host
	}
	if o.Secret != nil {
		c.Source.HTTP.Secret = *o.Secret
	}
	if o.Name != nil {
		c.Worker.Name = *o.Name
	}
	if o.TagSelector != nil {
		c.Worker.TagSelector = *o.TagSelector
	}
	if o.Polling != nil {
		c.Worker.Polling = *o.Polling
	}
	if o.TolerateEmptyQueues != nil {
		n := *o.TolerateEmptyQueues
		c.Worker.TolerateEmptyQueues = &n
	}
	if o.ExitOnEmptyQueue != nil {
		c.Worker.ExitOnEmptyQueue = *o.ExitOnEmptyQueue
	}
	if o.StopOnError != nil {
		c.Worker.StopOnError = *o.StopOnError
	}
	if o.ShutdownOnExit != nil {
		c.Worker.ShutdownOnExit = *o.ShutdownOnExit
	}
	if len(o.Headers) > 0 {
		if c.Source.HTTP.Headers == nil {
			c.Source.HTTP.Headers = make(map[string]string, len(o.Headers))
		}
		for k, v := range o.Headers {
			c.Source.HTTP.Headers[k] = v
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.ValidateWorkerConfig(); err != nil {
		return err
	}

	if err := c.ValidateSourceConfig(); err != nil {
		return err
	}

	if c.Render.Command == "" {
		return fmt.Errorf("render command is required")
	}

	if c.Status.Enabled && (c.Status.Port < MinPort || c.Status.Port > MaxPort) {
		return fmt.Errorf("invalid status port: %d (must be between %d and %d)", c.Status.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateWorkerConfig checks the worker loop settings
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Polling <= 0 {
		return fmt.Errorf("worker polling must be greater than 0")
	}

	if c.Worker.TolerateEmptyQueues != nil && *c.Worker.TolerateEmptyQueues < 0 {
		return fmt.Errorf("worker tolerate_empty_queues must not be negative")
	}

	if c.Worker.ShutdownTimeout < 0 {
		return fmt.Errorf("worker shutdown_timeout must not be negative")
	}

	return nil
}

// ValidateSourceConfig checks the settings of the selected job source
func (c *Config) ValidateSourceConfig() error {
	switch c.Source.Type {
	case SourceHTTP:
		if c.Source.HTTP.Host == "" {
			return fmt.Errorf("source http host is required")
		}
		if !strings.HasPrefix(c.Source.HTTP.Host, "http://") && !strings.HasPrefix(c.Source.HTTP.Host, "https://") {
			return fmt.Errorf("source http host must start with http:// or https://")
		}

	case SourceAMQP:
		mq := c.Source.RabbitMQ
		if mq.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if mq.Port < MinPort || mq.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", mq.Port, MinPort, MaxPort)
		}
		if mq.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
		if mq.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}

	case SourcePostgres:
		db := c.Source.Database
		if db.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if db.Port < MinPort || db.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", db.Port, MinPort, MaxPort)
		}
		if db.Database == "" {
			return fmt.Errorf("database name is required")
		}

	default:
		return fmt.Errorf("unsupported source type: %q", c.Source.Type)
	}

	return nil
}
