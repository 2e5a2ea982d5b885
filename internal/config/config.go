package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Kafka    KafkaConfig
	Realtime RealtimeConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	// ServiceToken guards the trigger and stats endpoints. Empty disables them.
	ServiceToken string
	RateLimit    int
	RateWindow   time.Duration
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

type DatabaseConfig struct {
	Enabled  bool
	DSN      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ConnString returns DSN when set, otherwise a key/value string built from
// the individual settings.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	URI          string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	PresenceTTL  time.Duration
}

type JWTConfig struct {
	Secret string
}

type KafkaConfig struct {
	Brokers       []string
	EventsTopic   string
	MessagesTopic string
	GroupID       string
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type RealtimeConfig struct {
	SendBufferSize      int
	MaxMessageSize      int64
	TypingExpiry        time.Duration
	TypingSweepInterval time.Duration
	PollIdleTimeout     time.Duration
	PollMaxWait         time.Duration
	BackgroundQueueSize int
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("NOTIFY_HOST", "")
	v.SetDefault("NOTIFY_PORT", "8080")
	v.SetDefault("NOTIFY_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("NOTIFY_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("NOTIFY_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("NOTIFY_SHUTDOWN_TIMEOUT", 10*time.Second)
	v.SetDefault("NOTIFY_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("NOTIFY_SERVICE_TOKEN", "")
	v.SetDefault("NOTIFY_RATE_LIMIT", 30)
	v.SetDefault("NOTIFY_RATE_WINDOW", time.Minute)
	v.SetDefault("NOTIFY_JWT_SECRET", "secret")

	v.SetDefault("REDIS_URL", "redis://127.0.0.1:6379/0")
	v.SetDefault("REDIS_MAX_RETRIES", 3)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	v.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
	v.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)
	v.SetDefault("REDIS_PRESENCE_TTL", 5*time.Minute)

	v.SetDefault("POSTGRES_ENABLED", false)
	v.SetDefault("POSTGRES_DSN", "")
	v.SetDefault("POSTGRES_USER", "postgres")
	v.SetDefault("POSTGRES_PASSWORD", "password")
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_DB", "jobboard")
	v.SetDefault("POSTGRES_SSLMODE", "disable")

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_EVENTS_TOPIC", "jobboard.events")
	v.SetDefault("KAFKA_MESSAGES_TOPIC", "jobboard.messages")
	v.SetDefault("KAFKA_GROUP_ID", "notify-service")

	v.SetDefault("REALTIME_SEND_BUFFER", 256)
	v.SetDefault("REALTIME_MAX_MESSAGE_SIZE", 8192)
	v.SetDefault("REALTIME_TYPING_EXPIRY", 3*time.Second)
	v.SetDefault("REALTIME_TYPING_SWEEP", time.Second)
	v.SetDefault("REALTIME_POLL_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("REALTIME_POLL_MAX_WAIT", 25*time.Second)
	v.SetDefault("REALTIME_BACKGROUND_QUEUE", 1024)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// LoadConfig reads settings from the environment, after loading envFiles
// (default ".env") when they exist. Values already in the environment win.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			slog.Debug("No env file loaded, using environment variables", "file", f)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("NOTIFY_HOST"),
			Port:            v.GetString("NOTIFY_PORT"),
			ReadTimeout:     v.GetDuration("NOTIFY_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("NOTIFY_WRITE_TIMEOUT"),
			IdleTimeout:     v.GetDuration("NOTIFY_IDLE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("NOTIFY_SHUTDOWN_TIMEOUT"),
			AllowedOrigins:  splitList(v.GetString("NOTIFY_ALLOWED_ORIGINS")),
			ServiceToken:    v.GetString("NOTIFY_SERVICE_TOKEN"),
			RateLimit:       v.GetInt("NOTIFY_RATE_LIMIT"),
			RateWindow:      v.GetDuration("NOTIFY_RATE_WINDOW"),
		},
		Database: DatabaseConfig{
			Enabled:  v.GetBool("POSTGRES_ENABLED"),
			DSN:      v.GetString("POSTGRES_DSN"),
			Host:     v.GetString("POSTGRES_HOST"),
			Port:     v.GetString("POSTGRES_PORT"),
			User:     v.GetString("POSTGRES_USER"),
			Password: v.GetString("POSTGRES_PASSWORD"),
			DBName:   v.GetString("POSTGRES_DB"),
			SSLMode:  v.GetString("POSTGRES_SSLMODE"),
		},
		Redis: RedisConfig{
			URI:          v.GetString("REDIS_URL"),
			MaxRetries:   v.GetInt("REDIS_MAX_RETRIES"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
			PresenceTTL:  v.GetDuration("REDIS_PRESENCE_TTL"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("NOTIFY_JWT_SECRET"),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(v.GetString("KAFKA_BROKERS")),
			EventsTopic:   v.GetString("KAFKA_EVENTS_TOPIC"),
			MessagesTopic: v.GetString("KAFKA_MESSAGES_TOPIC"),
			GroupID:       v.GetString("KAFKA_GROUP_ID"),
		},
		Realtime: RealtimeConfig{
			SendBufferSize:      v.GetInt("REALTIME_SEND_BUFFER"),
			MaxMessageSize:      v.GetInt64("REALTIME_MAX_MESSAGE_SIZE"),
			TypingExpiry:        v.GetDuration("REALTIME_TYPING_EXPIRY"),
			TypingSweepInterval: v.GetDuration("REALTIME_TYPING_SWEEP"),
			PollIdleTimeout:     v.GetDuration("REALTIME_POLL_IDLE_TIMEOUT"),
			PollMaxWait:         v.GetDuration("REALTIME_POLL_MAX_WAIT"),
			BackgroundQueueSize: v.GetInt("REALTIME_BACKGROUND_QUEUE"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("NOTIFY_JWT_SECRET must not be empty")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("NOTIFY_PORT must not be empty")
	}
	if c.Kafka.Enabled() && (c.Kafka.EventsTopic == "" || c.Kafka.MessagesTopic == "") {
		return fmt.Errorf("kafka topics must be set when KAFKA_BROKERS is")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
