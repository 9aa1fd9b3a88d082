package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	Kafka      KafkaConfig
	Outbox     OutboxRelayConfig
	Engine     EngineConfig
	Vendors    VendorsConfig
}

type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogQueries   bool   `mapstructure:"log_queries"`
}

type RedisConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
	KeyPrefix   string   `mapstructure:"key_prefix"`
}

type ClickHouseConfig struct {
	Hosts    []string `mapstructure:"hosts"`
	Database string   `mapstructure:"database"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`         // json or console
	JournalDriver string `mapstructure:"journal_driver"` // postgres or clickhouse
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	ClientID   string   `mapstructure:"client_id"`
	EventTopic string   `mapstructure:"event_topic"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// EngineConfig is everything the workflow engine and its background sweeps
// need. It is loaded once and handed to each component at construction.
type EngineConfig struct {
	StorageDriver string                 `mapstructure:"storage_driver"` // postgres or memory
	Brands        []string               `mapstructure:"brands"`
	Stages        map[string]StageConfig `mapstructure:"stages"`

	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`

	StallInterval            time.Duration `mapstructure:"stall_interval"`
	RetryInterval            time.Duration `mapstructure:"retry_interval"`
	MaxRetryScheduleAttempts int           `mapstructure:"max_retry_schedule_attempts"`
	RetryBackoff             BackoffConfig `mapstructure:"retry_backoff"`
	SweepBatchSize           int           `mapstructure:"sweep_batch_size"`
	SweepLockTTL             time.Duration `mapstructure:"sweep_lock_ttl"`
	OccupancyInterval        time.Duration `mapstructure:"occupancy_interval"`

	IdempotencyTTL       time.Duration `mapstructure:"idempotency_ttl"`
	DeadLetterBuffer     int           `mapstructure:"dead_letter_buffer"`
	JournalBuffer        int           `mapstructure:"journal_buffer"`
	JournalRetentionDays int           `mapstructure:"journal_retention_days"`
}

type StageConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
}

type BackoffConfig struct {
	Mode   string        `mapstructure:"mode"` // exponential or fixed
	Base   time.Duration `mapstructure:"base"`
	Factor float64       `mapstructure:"factor"`
	Max    time.Duration `mapstructure:"max"`
}

type VendorsConfig struct {
	PublicBaseURL string       `mapstructure:"public_base_url"`
	HeyGen        VendorConfig `mapstructure:"heygen"`
	Submagic      VendorConfig `mapstructure:"submagic"`
	Late          VendorConfig `mapstructure:"late"`
}

type VendorConfig struct {
	BaseURL       string            `mapstructure:"base_url"`
	APIKey        string            `mapstructure:"api_key"`
	WebhookSecret string            `mapstructure:"webhook_secret"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	Options       map[string]string `mapstructure:"options"`
}

const (
	defaultMaxAttempts    = 3
	defaultStallThreshold = 30 * time.Minute
)

// Stage returns the policy for a stage, filling unset fields with defaults.
func (c EngineConfig) Stage(name string) StageConfig {
	sc := c.Stages[name]
	if sc.MaxAttempts <= 0 {
		sc.MaxAttempts = defaultMaxAttempts
	}
	if sc.StallThreshold <= 0 {
		sc.StallThreshold = defaultStallThreshold
	}
	return sc
}

// BrandAllowed reports whether brand is served. An empty list allows any brand.
func (c EngineConfig) BrandAllowed(brand string) bool {
	if len(c.Brands) == 0 {
		return brand != ""
	}
	for _, b := range c.Brands {
		if strings.EqualFold(b, brand) {
			return true
		}
	}
	return false
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/reelflow/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REELFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.max_body_bytes", 5<<20)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.key_prefix", "rf")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.issuer", "reelflow")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.journal_driver", "postgres")
	v.SetDefault("kafka.client_id", "reelflow-outbox-relay")
	v.SetDefault("kafka.event_topic", "reelflow.workflow.events")
	v.SetDefault("kafka.dlq_topic", "reelflow.workflow.events.dlq")
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)

	v.SetDefault("engine.storage_driver", "postgres")
	v.SetDefault("engine.stages.created.stall_threshold", "5m")
	v.SetDefault("engine.stages.rendering.max_attempts", 3)
	v.SetDefault("engine.stages.rendering.stall_threshold", "30m")
	v.SetDefault("engine.stages.captioning.max_attempts", 3)
	v.SetDefault("engine.stages.captioning.stall_threshold", "20m")
	v.SetDefault("engine.stages.publishing.max_attempts", 3)
	v.SetDefault("engine.stages.publishing.stall_threshold", "15m")
	v.SetDefault("engine.submit_timeout", "30s")
	v.SetDefault("engine.poll_timeout", "15s")
	v.SetDefault("engine.stall_interval", "5m")
	v.SetDefault("engine.retry_interval", "10m")
	v.SetDefault("engine.max_retry_schedule_attempts", 3)
	v.SetDefault("engine.retry_backoff.mode", "exponential")
	v.SetDefault("engine.retry_backoff.base", "15m")
	v.SetDefault("engine.retry_backoff.factor", 2.0)
	v.SetDefault("engine.retry_backoff.max", "24h")
	v.SetDefault("engine.sweep_batch_size", 100)
	v.SetDefault("engine.sweep_lock_ttl", "10m")
	v.SetDefault("engine.occupancy_interval", "1m")
	v.SetDefault("engine.idempotency_ttl", "24h")
	v.SetDefault("engine.dead_letter_buffer", 256)
	v.SetDefault("engine.journal_buffer", 1024)
	v.SetDefault("engine.journal_retention_days", 30)

	v.SetDefault("vendors.heygen.base_url", "https://api.heygen.com")
	v.SetDefault("vendors.heygen.timeout", "30s")
	v.SetDefault("vendors.submagic.base_url", "https://api.submagic.co")
	v.SetDefault("vendors.submagic.timeout", "30s")
	v.SetDefault("vendors.late.base_url", "https://getlate.dev/api")
	v.SetDefault("vendors.late.timeout", "30s")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Engine.StorageDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("engine.storage_driver must be postgres or memory, got %q", c.Engine.StorageDriver)
	}
	switch c.Logging.JournalDriver {
	case "postgres", "clickhouse":
	default:
		return fmt.Errorf("logging.journal_driver must be postgres or clickhouse, got %q", c.Logging.JournalDriver)
	}
	if c.Logging.JournalDriver == "clickhouse" && len(c.ClickHouse.Hosts) == 0 {
		return errors.New("clickhouse.hosts must be set when logging.journal_driver is clickhouse")
	}
	if c.Engine.MaxRetryScheduleAttempts < 0 {
		return errors.New("engine.max_retry_schedule_attempts must not be negative")
	}
	if c.Engine.StallInterval <= 0 || c.Engine.RetryInterval <= 0 {
		return errors.New("engine.stall_interval and engine.retry_interval must be positive")
	}
	switch c.Engine.RetryBackoff.Mode {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("engine.retry_backoff.mode must be exponential or fixed, got %q", c.Engine.RetryBackoff.Mode)
	}
	for name, sc := range c.Engine.Stages {
		if sc.MaxAttempts < 0 {
			return fmt.Errorf("engine.stages.%s.max_attempts must not be negative", name)
		}
	}
	if c.Redis.Enabled && len(c.Redis.Addresses) == 0 {
		return errors.New("redis.addresses must be set when redis is enabled")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
