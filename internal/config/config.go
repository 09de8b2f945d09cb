// Package config loads process settings: built-in defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/rulesflow/dispatcher"
	"github.com/liamcoop/rulesflow/internal/logger"
	"github.com/liamcoop/rulesflow/lease"
	"github.com/liamcoop/rulesflow/monitor"
	"github.com/liamcoop/rulesflow/rulesets"
	"github.com/liamcoop/rulesflow/storage"
	"github.com/liamcoop/rulesflow/transaction"
	"github.com/liamcoop/rulesflow/workflow"
)

// Config is built once at startup and handed to every component
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Redis    lease.Config   `yaml:"redis"`
	Retry    RetryConfig    `yaml:"retry"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      logger.Config  `yaml:"log"`
}

// StorageConfig selects the backend and the four transaction locations
type StorageConfig struct {
	storage.Config `yaml:",inline"`
	Layout         transaction.Layout `yaml:"layout"`
}

// RetryConfig is the fixed retry schedule for storage calls
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// WorkflowConfig holds processing limits
type WorkflowConfig struct {
	MaxChecks     int           `yaml:"max_checks"`
	CheckCountTTL time.Duration `yaml:"check_count_ttl"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	FollowUps     int           `yaml:"follow_ups"`
	FollowUpDelay time.Duration `yaml:"follow_up_delay"`
	TempDir       string        `yaml:"temp_dir"`
}

// MonitorConfig is the scanner schedule plus where the engine listens
type MonitorConfig struct {
	monitor.Config `yaml:",inline"`
	EngineURL      string `yaml:"engine_url"`
}

// ServerConfig controls the engine HTTP listener
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig is optional. Without a URL rule sets live in memory.
type DatabaseConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Default returns the settings used when nothing else is given
func Default() Config {
	mon := monitor.DefaultConfig()
	disp := dispatcher.DefaultConfig()
	retry := storage.DefaultRetryPolicy()

	return Config{
		Storage: StorageConfig{
			Config: storage.Config{Backend: storage.BackendLocal, Root: "data"},
			Layout: transaction.DefaultLayout(),
		},
		Redis: lease.DefaultConfig(),
		Retry: RetryConfig{Attempts: retry.Attempts, Delay: retry.Delay},
		Workflow: WorkflowConfig{
			MaxChecks:     workflow.DefaultMaxChecks,
			CheckCountTTL: lease.DefaultCounterTTL,
			LockTTL:       lease.DefaultTTL,
			FollowUps:     disp.FollowUps,
			FollowUpDelay: disp.FollowUpDelay,
		},
		Monitor: MonitorConfig{Config: mon, EngineURL: "http://localhost:8080"},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{CacheTTL: rulesets.DefaultCacheConfig().TTL},
		Log:      logger.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type binding struct {
	name string
	set  func(*Config, string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

var bindings = []binding{
	{"DATABASE_URL", str(func(c *Config) *string { return &c.Database.URL })},
	{"PORT", integer(func(c *Config) *int { return &c.Server.Port })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"OTEL_ENABLED", boolean(func(c *Config) *bool { return &c.Log.OTEL })},
	{"OTEL_SERVICE_NAME", str(func(c *Config) *string { return &c.Log.ServiceName })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"REDIS_DB", integer(func(c *Config) *int { return &c.Redis.DB })},
	{"STORAGE_BACKEND", func(c *Config, v string) error {
		c.Storage.Backend = storage.Backend(v)
		return nil
	}},
	{"STORAGE_ROOT", str(func(c *Config) *string { return &c.Storage.Root })},
	{"SFTP_HOST", str(func(c *Config) *string { return &c.Storage.SFTP.Host })},
	{"SFTP_PORT", integer(func(c *Config) *int { return &c.Storage.SFTP.Port })},
	{"SFTP_USERNAME", str(func(c *Config) *string { return &c.Storage.SFTP.Username })},
	{"SFTP_PASSWORD", str(func(c *Config) *string { return &c.Storage.SFTP.Password })},
	{"SFTP_PRIVATE_KEY_FILE", str(func(c *Config) *string { return &c.Storage.SFTP.PrivateKeyFile })},
	{"SFTP_KNOWN_HOSTS_FILE", str(func(c *Config) *string { return &c.Storage.SFTP.KnownHostsFile })},
	{"S3_BUCKET", str(func(c *Config) *string { return &c.Storage.S3.Bucket })},
	{"S3_REGION", str(func(c *Config) *string { return &c.Storage.S3.Region })},
	{"S3_ENDPOINT", str(func(c *Config) *string { return &c.Storage.S3.Endpoint })},
	{"S3_PREFIX", str(func(c *Config) *string { return &c.Storage.S3.Prefix })},
	{"RETRY_ATTEMPTS", integer(func(c *Config) *int { return &c.Retry.Attempts })},
	{"RETRY_DELAY", duration(func(c *Config) *time.Duration { return &c.Retry.Delay })},
	{"MAX_CHECKS", integer(func(c *Config) *int { return &c.Workflow.MaxChecks })},
	{"TEMP_DIR", str(func(c *Config) *string { return &c.Workflow.TempDir })},
	{"ENGINE_URL", str(func(c *Config) *string { return &c.Monitor.EngineURL })},
	{"MONITOR_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Monitor.Interval })},
	{"MONITOR_WORKERS", integer(func(c *Config) *int { return &c.Monitor.Workers })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range bindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			return fmt.Errorf("invalid %s: %w", b.name, err)
		}
	}
	return nil
}

// Validate reports every setting that cannot work
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case storage.BackendLocal, "":
	case storage.BackendSFTP:
		if c.Storage.SFTP.Host == "" {
			errs = append(errs, errors.New("storage.sftp.host is required for the sftp backend"))
		}
	case storage.BackendS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend))
	}
	if err := c.Storage.Layout.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, errors.New("retry.delay cannot be negative"))
	}
	if c.Workflow.MaxChecks < 1 {
		errs = append(errs, errors.New("workflow.max_checks must be at least 1"))
	}
	if c.Workflow.FollowUps < 0 {
		errs = append(errs, errors.New("workflow.follow_ups cannot be negative"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	if c.Monitor.Attempts < 1 {
		errs = append(errs, errors.New("monitor.attempts must be at least 1"))
	}
	if c.Monitor.Workers < 1 {
		errs = append(errs, errors.New("monitor.workers must be at least 1"))
	}
	if u, err := url.Parse(c.Monitor.EngineURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("monitor.engine_url is not an absolute URL: %q", c.Monitor.EngineURL))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// StorageOptions returns the client options every storage.Client is built with
func (c Config) StorageOptions(log *slog.Logger) []storage.Option {
	return []storage.Option{
		storage.WithRetryPolicy(storage.RetryPolicy{Attempts: c.Retry.Attempts, Delay: c.Retry.Delay}),
		storage.WithLogger(log),
		storage.WithTempDir(c.Workflow.TempDir),
	}
}

// WorkflowSettings returns the workflow.Config for this deployment
func (c Config) WorkflowSettings() workflow.Config {
	return workflow.Config{Layout: c.Storage.Layout, MaxChecks: c.Workflow.MaxChecks}
}

// DispatcherSettings returns the dispatcher.Config for this deployment
func (c Config) DispatcherSettings() dispatcher.Config {
	return dispatcher.Config{FollowUps: c.Workflow.FollowUps, FollowUpDelay: c.Workflow.FollowUpDelay}
}

// Addr is the listen address of the engine HTTP server
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}
