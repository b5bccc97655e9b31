package config

import (
	"fmt"
	"github.com/spf13/viper"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Transport TransportConfig `mapstructure:"transport"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

type ServerConfig struct {
	// FirmID is the tenant stamped into distribution keys on outgoing envelopes.
	FirmID string `mapstructure:"firm_id"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type KeysConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type DispatchConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Jitter         bool          `mapstructure:"jitter"`
	Concurrency    int           `mapstructure:"concurrency"`
	// RateLimit is sends per second across all partners. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
}

type TransportConfig struct {
	Socket   SocketConfig   `mapstructure:"socket"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type SocketConfig struct {
	AuthToken string `mapstructure:"auth_token"`
	MaxFrame  int    `mapstructure:"max_frame"`
}

type KafkaConfig struct {
	ClientID string `mapstructure:"client_id"`
}

type RabbitMQConfig struct {
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

type BackupConfig struct {
	S3 S3BackupConfig `mapstructure:"s3"`
}

type S3BackupConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// Load reads the config file at path, when given, then applies DISTREG_*
// environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("distreg")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file or environment is set.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// AutomaticEnv only resolves keys viper already knows, so every key that may
// come from the environment needs a default here.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.firm_id", "DEMOFIRM")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/distreg.db")
	v.SetDefault("keys.ttl", 24*time.Hour)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.attempt_timeout", 10*time.Second)
	v.SetDefault("dispatch.base_delay", 250*time.Millisecond)
	v.SetDefault("dispatch.max_delay", 10*time.Second)
	v.SetDefault("dispatch.jitter", false)
	v.SetDefault("dispatch.concurrency", 32)
	v.SetDefault("dispatch.rate_limit", 0.0)
	v.SetDefault("transport.socket.auth_token", "")
	v.SetDefault("transport.socket.max_frame", 8*1024*1024)
	v.SetDefault("transport.kafka.client_id", "distreg")
	v.SetDefault("transport.rabbitmq.confirm_timeout", 5*time.Second)
	v.SetDefault("backup.s3.enabled", false)
	v.SetDefault("backup.s3.bucket", "")
	v.SetDefault("backup.s3.region", "us-east-1")
	v.SetDefault("backup.s3.endpoint", "")
	v.SetDefault("backup.s3.prefix", "packages/")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.listen", "127.0.0.1:8090")
}

func (c Config) Validate() error {
	if c.Server.FirmID == "" {
		return fmt.Errorf("server.firm_id is required")
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}
	if c.Keys.TTL <= 0 {
		return fmt.Errorf("keys.ttl must be positive")
	}
	d := c.Dispatch
	if d.MaxRetries < 1 {
		return fmt.Errorf("dispatch.max_retries must be >= 1")
	}
	if d.AttemptTimeout <= 0 {
		return fmt.Errorf("dispatch.attempt_timeout must be positive")
	}
	if d.BaseDelay < 0 || d.MaxDelay < d.BaseDelay {
		return fmt.Errorf("dispatch.base_delay must be >= 0 and <= dispatch.max_delay")
	}
	if d.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be >= 1")
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("dispatch.rate_limit must be >= 0")
	}
	if c.Transport.Socket.MaxFrame <= 0 {
		return fmt.Errorf("transport.socket.max_frame must be positive")
	}
	if c.Backup.S3.Enabled && c.Backup.S3.Bucket == "" {
		return fmt.Errorf("backup.s3.bucket is required when backup.s3.enabled=true")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
