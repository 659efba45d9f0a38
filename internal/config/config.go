package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env          string             `mapstructure:"env"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Attendance   AttendanceConfig   `mapstructure:"attendance"`
	Notification NotificationConfig `mapstructure:"notification"`
	Reconciler   ReconcilerConfig   `mapstructure:"reconciler"`
}

type ServerConfig struct {
	Port         string   `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"read_timeout_seconds"`
	WriteTimeout int      `mapstructure:"write_timeout_seconds"`
	IdleTimeout  int      `mapstructure:"idle_timeout_seconds"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            string `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"name"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTime int    `mapstructure:"conn_max_idle_time_seconds"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// IdempotencyTTL bounds how long a submitted Idempotency-Key is remembered.
	IdempotencyTTL int `mapstructure:"idempotency_ttl_seconds"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type TelemetryConfig struct {
	OTLPEndpoint    string `mapstructure:"otlp_endpoint"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

type AttendanceConfig struct {
	Timezone            string   `mapstructure:"timezone"`
	Statuses            []string `mapstructure:"statuses"`
	QueryTimeoutSeconds int      `mapstructure:"query_timeout_seconds"`
	BulkChunkSize       int      `mapstructure:"bulk_chunk_size"`
	CounterMaxRetries   int      `mapstructure:"counter_max_retries"`
	CounterRetryBaseMs  int      `mapstructure:"counter_retry_base_ms"`
	CounterRetryMaxMs   int      `mapstructure:"counter_retry_max_ms"`
}

type NotificationConfig struct {
	// Transport is "nats" or "kafka".
	Transport              string `mapstructure:"transport"`
	Workers                int    `mapstructure:"workers"`
	QueueSize              int    `mapstructure:"queue_size"`
	MaxAttempts            int    `mapstructure:"max_attempts"`
	BackoffBaseMs          int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs           int    `mapstructure:"backoff_max_ms"`
	DeliveryTimeoutSeconds int    `mapstructure:"delivery_timeout_seconds"`
}

type ReconcilerConfig struct {
	Schedule     string `mapstructure:"schedule"`
	BatchSize    int    `mapstructure:"batch_size"`
	GraceSeconds int    `mapstructure:"grace_seconds"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
}

func (c AttendanceConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c AttendanceConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

func (c AttendanceConfig) CounterRetryBase() time.Duration {
	return time.Duration(c.CounterRetryBaseMs) * time.Millisecond
}

func (c AttendanceConfig) CounterRetryMax() time.Duration {
	return time.Duration(c.CounterRetryMaxMs) * time.Millisecond
}

func (c ReconcilerConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

func (c NotificationConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c NotificationConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

func (c NotificationConfig) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)
	v.SetDefault("server.idle_timeout_seconds", 60)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "attendance")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.idempotency_ttl_seconds", 86400)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "guardian.notifications")

	v.SetDefault("kafka.topic", "guardian-notifications")

	v.SetDefault("telemetry.interval_seconds", 10)

	v.SetDefault("attendance.timezone", "UTC")
	v.SetDefault("attendance.statuses", []string{"present", "absent", "late"})
	v.SetDefault("attendance.query_timeout_seconds", 5)
	v.SetDefault("attendance.bulk_chunk_size", 500)
	v.SetDefault("attendance.counter_max_retries", 3)
	v.SetDefault("attendance.counter_retry_base_ms", 50)
	v.SetDefault("attendance.counter_retry_max_ms", 1000)

	v.SetDefault("notification.transport", "nats")
	v.SetDefault("notification.workers", 8)
	v.SetDefault("notification.queue_size", 10000)
	v.SetDefault("notification.max_attempts", 5)
	v.SetDefault("notification.backoff_base_ms", 200)
	v.SetDefault("notification.backoff_max_ms", 30000)
	v.SetDefault("notification.delivery_timeout_seconds", 5)

	v.SetDefault("reconciler.schedule", "@every 1m")
	v.SetDefault("reconciler.batch_size", 100)
	v.SetDefault("reconciler.grace_seconds", 300)
	v.SetDefault("reconciler.max_attempts", 10)
}

func Load() (*Config, error) {
	env := os.Getenv("ENV")
	if env == "" {
		env = "local"
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("/configs")    // Kubernetes mount
	v.AddConfigPath("./configs")   // repo root
	v.AddConfigPath("../configs")  // IDE from cmd/
	v.AddConfigPath("../../configs")

	// Config file is optional, ENV variables can carry everything.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("database.user", "DB_USER")
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.Attendance.Location(); err != nil {
		return fmt.Errorf("invalid attendance.timezone %q: %w", c.Attendance.Timezone, err)
	}
	if len(c.Attendance.Statuses) == 0 {
		return errors.New("attendance.statuses must not be empty")
	}
	switch c.Notification.Transport {
	case "nats", "kafka":
	default:
		return fmt.Errorf("unknown notification.transport %q", c.Notification.Transport)
	}
	if c.Notification.Workers <= 0 || c.Notification.QueueSize <= 0 || c.Notification.MaxAttempts <= 0 {
		return errors.New("notification.workers, notification.queue_size and notification.max_attempts must be positive")
	}
	return nil
}
