package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the conductor.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Migrate   MigrateConfig   `mapstructure:"migrate"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Topology  TopologyConfig  `mapstructure:"topology"`
	Debug     bool            `mapstructure:"debug"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DB, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr renders the host:port address for go-redis.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadinessConfig tunes the dependency readiness tracker.
type ReadinessConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MigrateConfig tunes the migration gate.
type MigrateConfig struct {
	// OnStart makes `serve` run the migration gate before listening,
	// mirroring the deployment's migrate-on-boot toggle.
	OnStart     bool          `mapstructure:"on_start"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

type QueueConfig struct {
	KeyPrefix        string        `mapstructure:"key_prefix"`
	LeaseDuration    time.Duration `mapstructure:"lease_duration"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RequeueDelayBase time.Duration `mapstructure:"requeue_delay_base"`
	DequeueBlock     time.Duration `mapstructure:"dequeue_block"`
}

type SchedulerConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	LeadershipKey string        `mapstructure:"leadership_key"`
	LeadershipTTL time.Duration `mapstructure:"leadership_ttl"`
	Entries       []EntryConfig `mapstructure:"entries"`
}

// EntryConfig is one recurring schedule entry: a job template plus interval.
type EntryConfig struct {
	Name    string        `mapstructure:"name"`
	Type    string        `mapstructure:"type"`
	Payload string        `mapstructure:"payload"`
	Every   time.Duration `mapstructure:"every"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type TopologyConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the CONDUCTOR_ prefix (e.g. CONDUCTOR_SERVER_PORT).
// The legacy deployment variables (DB_HOST, DB_USER, DB_PASSWORD, REDIS_HOST,
// DEBUG, MIGRATE_ON_START) are bound as aliases so existing env files keep
// working unchanged.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindLegacyEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// bindLegacyEnv registers the pre-conductor environment variable names next
// to the prefixed ones. The first set variable wins, prefixed form first.
func bindLegacyEnv(v *viper.Viper) {
	// BindEnv cannot fail when given at least one key.
	_ = v.BindEnv("postgres.host", "CONDUCTOR_POSTGRES_HOST", "DB_HOST")
	_ = v.BindEnv("postgres.user", "CONDUCTOR_POSTGRES_USER", "DB_USER")
	_ = v.BindEnv("postgres.password", "CONDUCTOR_POSTGRES_PASSWORD", "DB_PASSWORD")
	_ = v.BindEnv("postgres.db", "CONDUCTOR_POSTGRES_DB", "DB_NAME")
	_ = v.BindEnv("redis.host", "CONDUCTOR_REDIS_HOST", "REDIS_HOST")
	_ = v.BindEnv("debug", "CONDUCTOR_DEBUG", "DEBUG")
	_ = v.BindEnv("migrate.on_start", "CONDUCTOR_MIGRATE_ON_START", "MIGRATE_ON_START")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "bumblebee-conductor")
	v.SetDefault("telemetry.log_level", "info")

	v.SetDefault("postgres.host", "db")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "bumblebee")
	v.SetDefault("postgres.db", "bumblebee")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 25)

	v.SetDefault("redis.host", "redis")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("readiness.timeout", 60*time.Second)
	v.SetDefault("readiness.poll_interval", 2*time.Second)

	v.SetDefault("migrate.on_start", false)
	v.SetDefault("migrate.lock_timeout", 60*time.Second)

	v.SetDefault("queue.key_prefix", "bumblebee:jobs")
	v.SetDefault("queue.lease_duration", 30*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.requeue_delay_base", 5*time.Second)
	v.SetDefault("queue.dequeue_block", 2*time.Second)

	v.SetDefault("scheduler.tick_interval", 5*time.Second)
	v.SetDefault("scheduler.leadership_key", "bumblebee:scheduler:leader")
	v.SetDefault("scheduler.leadership_ttl", 15*time.Second)

	v.SetDefault("worker.concurrency", 4)

	v.SetDefault("topology.path", "")
}
