package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DB configures the PostgreSQL registry connection.
type DB struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Redis configures the fast counter / KV / event bus connection.
type Redis struct {
	Addr     string `yaml:"addr" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// Scheduler holds the per-manager scheduling options; per-scaling-group
// overrides come from the scaling_groups table and the KV config
// namespace.
type Scheduler struct {
	Type             string        `yaml:"type" validate:"oneof=fifo lifo drf"`
	NumRetriesToSkip int           `yaml:"num_retries_to_skip" validate:"gte=0"`
	AgentSelection   string        `yaml:"agent_selection_strategy" validate:"oneof=round-robin concentrated dispersed legacy"`
	TickInterval     time.Duration `yaml:"tick_interval" validate:"gt=0"`
	TickTimeout      time.Duration `yaml:"tick_timeout" validate:"gt=0"`
	DequeueBatchSize int           `yaml:"dequeue_batch_size" validate:"gte=1"`
}

// Lock selects the distributed lock backend.
type Lock struct {
	Backend  string        `yaml:"backend" validate:"oneof=advisory-pg redis filelock"`
	Lifetime time.Duration `yaml:"lifetime" validate:"gt=0"`
	// Path is the bolt database path for the filelock backend.
	Path string `yaml:"path"`
}

// Reconciler holds the lifecycle loop options.
type Reconciler struct {
	Interval               time.Duration `yaml:"interval" validate:"gt=0"`
	SessionCreationTimeout time.Duration `yaml:"session_creation_timeout" validate:"gt=0"`
	HangTolerance          time.Duration `yaml:"hang_tolerance" validate:"gt=0"`
	AgentHeartbeatTimeout  time.Duration `yaml:"agent_heartbeat_timeout" validate:"gt=0"`
	ServiceMaxRetries      int           `yaml:"service_max_retries" validate:"gte=0"`
	ImagePullMaxRetries    int           `yaml:"image_pull_max_retries" validate:"gte=0"`
	// StartFailurePolicy decides what a failed create_kernels RPC does to
	// the session: "cancel" (release and cancel) or "requeue" (revert to
	// SCHEDULED up to StartMaxRetries times, then cancel).
	StartFailurePolicy string `yaml:"start_failure_policy" validate:"oneof=cancel requeue"`
	StartMaxRetries    int    `yaml:"start_max_retries" validate:"gte=0"`
	PeriodicSyncStats  bool   `yaml:"periodic_sync_stats"`
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// StorageProxy configures the outbound vfolder client.
type StorageProxy struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the full manager configuration, loaded from one YAML file.
type Config struct {
	LogLevel     string       `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogJSON      bool         `yaml:"log_json"`
	DB           DB           `yaml:"db"`
	Redis        Redis        `yaml:"redis"`
	Scheduler    Scheduler    `yaml:"scheduler"`
	Lock         Lock         `yaml:"lock"`
	Reconciler   Reconciler   `yaml:"reconciler"`
	Metrics      Metrics      `yaml:"metrics"`
	StorageProxy StorageProxy `yaml:"storage_proxy"`
}

// Default returns the configuration defaults applied before the YAML file
// overlays them.
func Default() Config {
	return Config{
		LogLevel: "info",
		LogJSON:  true,
		DB: DB{
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: Redis{
			Addr: "127.0.0.1:6379",
		},
		Scheduler: Scheduler{
			Type:             "fifo",
			AgentSelection:   "dispersed",
			TickInterval:     10 * time.Second,
			TickTimeout:      60 * time.Second,
			DequeueBatchSize: 50,
		},
		Lock: Lock{
			Backend:  "redis",
			Lifetime: 60 * time.Second,
		},
		Reconciler: Reconciler{
			Interval:               10 * time.Second,
			SessionCreationTimeout: 20 * time.Second,
			HangTolerance:          10 * time.Minute,
			AgentHeartbeatTimeout:  30 * time.Second,
			ServiceMaxRetries:      5,
			ImagePullMaxRetries:    3,
			StartFailurePolicy:     "cancel",
			StartMaxRetries:        0,
		},
		Metrics: Metrics{
			Addr: ":9090",
		},
		StorageProxy: StorageProxy{
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads, overlays and validates the configuration file at path.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints beyond struct tags.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Scheduler.NumRetriesToSkip > 0 && c.Scheduler.Type != "fifo" {
		return fmt.Errorf("invalid configuration: num_retries_to_skip is only supported by the fifo scheduler")
	}
	if c.Lock.Backend == "filelock" && c.Lock.Path == "" {
		return fmt.Errorf("invalid configuration: lock.path is required for the filelock backend")
	}
	if c.Reconciler.StartFailurePolicy == "requeue" && c.Reconciler.StartMaxRetries == 0 {
		return fmt.Errorf("invalid configuration: start_max_retries must be positive with the requeue policy")
	}
	return nil
}
