package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cable-service/internal/cable"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Cable     CableConfig
	Log       LogConfig
	PubSub    PubSubConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	NATS      NATSConfig
	Kafka     KafkaConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig

	// File is the config file that was read, if any.
	File string
}

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

type CableConfig struct {
	MountPath                string
	AllowedOrigins           []string
	AllowSameOrigin          bool
	DisableForgeryProtection bool
	WorkerPoolSize           int
	WorkerBacklog            int
	BeatInterval             time.Duration
	MaxMessageSize           datasize.ByteSize
	SendBufferSize           int
	MaxPendingMessages       int
}

type LogConfig struct {
	Level  string
	Format string
}

type PubSubConfig struct {
	Adapter       string
	ChannelPrefix string
	BufferSize    int
}

type RedisConfig struct {
	URL string

	// Presence tracks online users in Redis and enables AppearanceChannel.
	Presence bool

	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the connection string used by both gorm and pgx.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type NATSConfig struct {
	URL  string
	Name string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type JWTConfig struct {
	Secret         string
	ExpirationTime time.Duration
}

type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

const (
	AdapterInline   = "inline"
	AdapterAsync    = "async"
	AdapterRedis    = "redis"
	AdapterPostgres = "postgres"
	AdapterNATS     = "nats"
	AdapterKafka    = "kafka"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("cable.mount_path", cable.DefaultMountPath)
	v.SetDefault("cable.allowed_origins", []string{})
	v.SetDefault("cable.allow_same_origin", true)
	v.SetDefault("cable.disable_forgery_protection", false)
	v.SetDefault("cable.worker_pool_size", cable.DefaultWorkerPoolSize)
	v.SetDefault("cable.worker_backlog", cable.DefaultWorkerBacklog)
	v.SetDefault("cable.beat_interval", cable.DefaultBeatInterval)
	v.SetDefault("cable.max_message_size", "1MB")
	v.SetDefault("cable.send_buffer_size", 256)
	v.SetDefault("cable.max_pending_messages", 512)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("pubsub.adapter", AdapterAsync)
	v.SetDefault("pubsub.channel_prefix", "")
	v.SetDefault("pubsub.buffer_size", 256)

	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("redis.presence", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.dbname", "postgres")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "cable-service")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "cable")
	v.SetDefault("kafka.group_id", "")

	v.SetDefault("jwt.secret", "secret")
	v.SetDefault("jwt.expire", "24h")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests", 5)
	v.SetDefault("rate_limit.window", time.Minute)
}

// Load reads configuration from defaults, an optional .env file, the config
// file and the environment, in increasing order of precedence. When path is
// empty ".cable.yaml" is looked up in the home and working directories and
// may be absent.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".cable")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	var maxMessage datasize.ByteSize
	if err := maxMessage.UnmarshalText([]byte(v.GetString("cable.max_message_size"))); err != nil {
		return nil, fmt.Errorf("config: cable.max_message_size: %w", err)
	}

	return &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetString("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Cable: CableConfig{
			MountPath:                v.GetString("cable.mount_path"),
			AllowedOrigins:           splitList(v.GetStringSlice("cable.allowed_origins")),
			AllowSameOrigin:          v.GetBool("cable.allow_same_origin"),
			DisableForgeryProtection: v.GetBool("cable.disable_forgery_protection"),
			WorkerPoolSize:           v.GetInt("cable.worker_pool_size"),
			WorkerBacklog:            v.GetInt("cable.worker_backlog"),
			BeatInterval:             v.GetDuration("cable.beat_interval"),
			MaxMessageSize:           maxMessage,
			SendBufferSize:           v.GetInt("cable.send_buffer_size"),
			MaxPendingMessages:       v.GetInt("cable.max_pending_messages"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		PubSub: PubSubConfig{
			Adapter:       strings.ToLower(v.GetString("pubsub.adapter")),
			ChannelPrefix: v.GetString("pubsub.channel_prefix"),
			BufferSize:    v.GetInt("pubsub.buffer_size"),
		},
		Redis: RedisConfig{
			URL:          v.GetString("redis.url"),
			Presence:     v.GetBool("redis.presence"),
			MaxRetries:   v.GetInt("redis.max_retries"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
			PoolSize:     v.GetInt("redis.pool_size"),
			MinIdleConns: v.GetInt("redis.min_idle_conns"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			Port:     v.GetString("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		NATS: NATSConfig{
			URL:  v.GetString("nats.url"),
			Name: v.GetString("nats.name"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
			GroupID: v.GetString("kafka.group_id"),
		},
		JWT: JWTConfig{
			Secret:         v.GetString("jwt.secret"),
			ExpirationTime: v.GetDuration("jwt.expire"),
		},
		RateLimit: RateLimitConfig{
			Enabled:  v.GetBool("rate_limit.enabled"),
			Requests: v.GetInt("rate_limit.requests"),
			Window:   v.GetDuration("rate_limit.window"),
		},
		File: v.ConfigFileUsed(),
	}, nil
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if !strings.HasPrefix(cfg.Cable.MountPath, "/") {
		return fmt.Errorf("cable.mount_path must start with /")
	}
	if cfg.Cable.WorkerPoolSize <= 0 {
		return fmt.Errorf("cable.worker_pool_size must be positive")
	}
	if cfg.Cable.BeatInterval <= 0 {
		return fmt.Errorf("cable.beat_interval must be positive")
	}
	if cfg.Cable.MaxMessageSize == 0 {
		return fmt.Errorf("cable.max_message_size must be positive")
	}
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if cfg.JWT.ExpirationTime <= 0 {
		return fmt.Errorf("jwt.expire must be positive")
	}

	switch cfg.PubSub.Adapter {
	case AdapterInline, AdapterAsync, AdapterRedis:
	case AdapterPostgres:
		if cfg.Database.Host == "" || cfg.Database.DBName == "" {
			return fmt.Errorf("database.host and database.dbname are required for the postgres adapter")
		}
	case AdapterNATS:
		if cfg.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats adapter")
		}
	case AdapterKafka:
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic are required for the kafka adapter")
		}
	default:
		return fmt.Errorf("unknown pubsub.adapter %q", cfg.PubSub.Adapter)
	}

	if cfg.UsesRedis() && cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required by the redis adapter, presence and rate limiting")
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.Requests <= 0 || cfg.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.requests and rate_limit.window must be positive")
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.PubSub.Adapter == AdapterRedis || c.Redis.Presence || c.RateLimit.Enabled
}

// CableServerConfig maps the cable section onto the cable server settings.
func (c *Config) CableServerConfig() cable.Config {
	cfg := cable.DefaultConfig()
	cfg.MountPath = c.Cable.MountPath
	cfg.AllowedRequestOrigins = c.Cable.AllowedOrigins
	cfg.AllowSameOriginAsHost = c.Cable.AllowSameOrigin
	cfg.DisableRequestForgeryProtection = c.Cable.DisableForgeryProtection
	cfg.WorkerPoolSize = c.Cable.WorkerPoolSize
	cfg.WorkerBacklog = c.Cable.WorkerBacklog
	cfg.BeatInterval = c.Cable.BeatInterval
	cfg.MaxMessageSize = int64(c.Cable.MaxMessageSize.Bytes())
	cfg.SendBufferSize = c.Cable.SendBufferSize
	cfg.MaxPendingMessages = c.Cable.MaxPendingMessages
	cfg.ShutdownTimeout = c.Server.ShutdownTimeout
	return cfg
}
