package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	WebPush  WebPushConfig  `mapstructure:"webpush"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Wakeup   WakeupConfig   `mapstructure:"wakeup"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type DeliveryConfig struct {
	PollInterval      time.Duration   `mapstructure:"poll_interval"`
	BatchSize         int             `mapstructure:"batch_size"`
	Concurrency       int             `mapstructure:"concurrency"`
	DeviceConcurrency int             `mapstructure:"device_concurrency"`
	LeaseDuration     time.Duration   `mapstructure:"lease_duration"`
	SendTimeout       time.Duration   `mapstructure:"send_timeout"`
	MaxAttempts       int             `mapstructure:"max_attempts"`
	Backoff           []time.Duration `mapstructure:"backoff"`
}

type WebPushConfig struct {
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	Subscriber      string `mapstructure:"subscriber"`
	TTL             int    `mapstructure:"ttl"`
	Urgency         string `mapstructure:"urgency"`
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	ProducerAPIKey string `mapstructure:"producer_api_key"`
}

type WakeupConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pushrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pushrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("PUSHRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

// Validate checks the settings the delivery queue relies on for correctness.
func (c *Config) Validate() error {
	var errs []error
	d := c.Delivery
	if d.PollInterval <= 0 {
		errs = append(errs, errors.New("delivery.poll_interval must be positive"))
	}
	if d.BatchSize <= 0 {
		errs = append(errs, errors.New("delivery.batch_size must be positive"))
	}
	if d.Concurrency <= 0 {
		errs = append(errs, errors.New("delivery.concurrency must be positive"))
	}
	if d.DeviceConcurrency <= 0 {
		errs = append(errs, errors.New("delivery.device_concurrency must be positive"))
	}
	if d.MaxAttempts <= 0 {
		errs = append(errs, errors.New("delivery.max_attempts must be positive"))
	}
	if d.SendTimeout <= 0 {
		errs = append(errs, errors.New("delivery.send_timeout must be positive"))
	}
	if d.LeaseDuration <= d.SendTimeout {
		errs = append(errs, fmt.Errorf("delivery.lease_duration (%s) must exceed delivery.send_timeout (%s)", d.LeaseDuration, d.SendTimeout))
	}
	for i, b := range d.Backoff {
		if b <= 0 {
			errs = append(errs, fmt.Errorf("delivery.backoff[%d] must be positive", i))
		}
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver))
	}

	switch c.Wakeup.Driver {
	case "none", "local":
	case "redis":
		if c.Wakeup.Redis.Addr == "" {
			errs = append(errs, errors.New("wakeup.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported wakeup driver: %s", c.Wakeup.Driver))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/pushrelay.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)

	v.SetDefault("delivery.poll_interval", 2*time.Second)
	v.SetDefault("delivery.batch_size", 50)
	v.SetDefault("delivery.concurrency", 10)
	v.SetDefault("delivery.device_concurrency", 4)
	v.SetDefault("delivery.lease_duration", 2*time.Minute)
	v.SetDefault("delivery.send_timeout", 10*time.Second)
	v.SetDefault("delivery.max_attempts", 10)
	v.SetDefault("delivery.backoff", []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
		1 * time.Hour,
		6 * time.Hour,
	})

	v.SetDefault("webpush.vapid_public_key", "")
	v.SetDefault("webpush.vapid_private_key", "")
	v.SetDefault("webpush.subscriber", "ops@example.com")
	v.SetDefault("webpush.ttl", 24*60*60)
	v.SetDefault("webpush.urgency", "normal")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.producer_api_key", "")

	v.SetDefault("wakeup.driver", "local")
	v.SetDefault("wakeup.redis.addr", "localhost:6379")
	v.SetDefault("wakeup.redis.password", "")
	v.SetDefault("wakeup.redis.db", 0)
	v.SetDefault("wakeup.redis.channel", "pushrelay:wakeup")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
