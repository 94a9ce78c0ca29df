package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Outbox    OutboxRelayConfig
	Monitor   MonitorConfig
	Channel   ChannelConfig
	Message   MessageConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	HTTPPort    int           `mapstructure:"http_port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres or sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	Path         string `mapstructure:"path"` // sqlite file
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addresses     []string `mapstructure:"addresses"`
	Password      string   `mapstructure:"password"`
	DB            int      `mapstructure:"db"`
	PoolSize      int      `mapstructure:"pool_size"`
	ClusterMode   bool     `mapstructure:"cluster_mode"`
	CheckpointKey string   `mapstructure:"checkpoint_key"`
	EventChannel  string   `mapstructure:"event_channel"`
}

func (c RedisConfig) Enabled() bool {
	return len(c.Addresses) > 0
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	ClientID   string   `mapstructure:"client_id"`
	EventTopic string   `mapstructure:"event_topic"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type MonitorConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	SubjectFilter     string        `mapstructure:"subject_filter"`
	InitialLookback   time.Duration `mapstructure:"initial_lookback"`
	InFlightWindow    time.Duration `mapstructure:"in_flight_window"`
	CheckpointOverlap time.Duration `mapstructure:"checkpoint_overlap"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Pacing            PacingConfig  `mapstructure:"pacing"`
	Autostart         bool          `mapstructure:"autostart"`
}

// PacingConfig holds the randomized delay ranges inserted between sends.
type PacingConfig struct {
	FirstMin      time.Duration `mapstructure:"first_min"`
	FirstMax      time.Duration `mapstructure:"first_max"`
	SubsequentMin time.Duration `mapstructure:"subsequent_min"`
	SubsequentMax time.Duration `mapstructure:"subsequent_max"`
}

type ChannelConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	PrepareTimeout   time.Duration `mapstructure:"prepare_timeout"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	CandidateBackoff time.Duration `mapstructure:"candidate_backoff"`
	CountryPrefix    string        `mapstructure:"country_prefix"`
}

type MessageConfig struct {
	AuthorizationBaseURL string `mapstructure:"authorization_base_url"`
}

type RateLimitConfig struct {
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
	Burst          int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "alertrelay")
	v.SetDefault("database.database", "alertrelay")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "alertrelay.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.checkpoint_key", "alertrelay:monitor:checkpoint")
	v.SetDefault("redis.event_channel", "alertrelay.triggers")
	v.SetDefault("kafka.client_id", "alertrelay-outbox-relay")
	v.SetDefault("kafka.event_topic", "alertrelay.notifications")
	v.SetDefault("kafka.dlq_topic", "alertrelay.notifications.dlq")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.issuer", "alertrelay")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("monitor.poll_interval", "60s")
	v.SetDefault("monitor.batch_size", 50)
	v.SetDefault("monitor.subject_filter", "Erro de Login Whatsapp")
	v.SetDefault("monitor.initial_lookback", "168h")
	v.SetDefault("monitor.in_flight_window", "10m")
	v.SetDefault("monitor.checkpoint_overlap", "30s")
	v.SetDefault("monitor.max_attempts", 5)
	v.SetDefault("monitor.pacing.first_min", "25s")
	v.SetDefault("monitor.pacing.first_max", "35s")
	v.SetDefault("monitor.pacing.subsequent_min", "30s")
	v.SetDefault("monitor.pacing.subsequent_max", "45s")
	v.SetDefault("monitor.autostart", true)
	v.SetDefault("channel.base_url", "http://localhost:3001")
	v.SetDefault("channel.prepare_timeout", "30s")
	v.SetDefault("channel.send_timeout", "45s")
	v.SetDefault("channel.health_timeout", "5s")
	v.SetDefault("channel.candidate_backoff", "1s")
	v.SetDefault("channel.country_prefix", "55")
	v.SetDefault("ratelimit.requests_per_sec", 5)
	v.SetDefault("ratelimit.burst", 10)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/alertrelay/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ALERTRELAY")
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

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Monitor.MaxAttempts <= 0 {
		return fmt.Errorf("monitor.max_attempts must be positive")
	}
	if c.Monitor.CheckpointOverlap < 0 {
		return fmt.Errorf("monitor.checkpoint_overlap must not be negative")
	}
	p := c.Monitor.Pacing
	if p.FirstMax < p.FirstMin || p.SubsequentMax < p.SubsequentMin {
		return fmt.Errorf("monitor.pacing max must not be below min")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
