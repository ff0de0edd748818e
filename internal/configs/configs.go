/*
Package configs is responsible for loading and parsing the application's configuration settings.

The server is configured by a `key = value` file (lines starting with '#' are comments),
read through viper. Every key can be overridden by an environment variable named
CHATTY_<KEY>, e.g. CHATTY_THREADSINPOOL. The loaded configuration is immutable.
*/
package configs

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"chatty/internal/app/wire"
)

const (
	// MaxThreadsInPool is the upper bound of ThreadsInPool, which also sets the directory partition count.
	MaxThreadsInPool = 128

	// MaxQueueCapacity bounds the worker pool queue.
	MaxQueueCapacity = 65536

	// MaxFileSizeLimit is the largest MaxFileSize, in KiB, a single data block can carry.
	MaxFileSizeLimit = wire.MaxPayload / 1024

	envPrefix = "CHATTY"
)

// AppConfig contains all configuration parameters required for the application to run.
type AppConfig struct {
	// General Server Settings
	Environment string `mapstructure:"Environment"`
	Network     string `mapstructure:"Network"`
	UnixPath    string `mapstructure:"UnixPath"`
	Address     string `mapstructure:"Address"`

	// Capacity Settings
	MaxConnections int    `mapstructure:"MaxConnections"`
	ThreadsInPool  int    `mapstructure:"ThreadsInPool"`
	QueueCapacity  int    `mapstructure:"QueueCapacity"`
	ShutdownMode   string `mapstructure:"ShutdownMode"`

	// Message Settings
	MaxMsgSize  int `mapstructure:"MaxMsgSize"`
	MaxFileSize int `mapstructure:"MaxFileSize"` // KiB
	MaxHistMsgs int `mapstructure:"MaxHistMsgs"`

	// Connection Settings
	WriteTimeout  time.Duration `mapstructure:"WriteTimeout"`
	RejectTimeout time.Duration `mapstructure:"RejectTimeout"`
	RequestRate   float64       `mapstructure:"RequestRate"`
	RequestBurst  int           `mapstructure:"RequestBurst"`

	// Statistics Settings
	StatFileName  string        `mapstructure:"StatFileName"`
	StatsInterval time.Duration `mapstructure:"StatsInterval"`
	DatabaseURL   string        `mapstructure:"DatabaseURL"`

	// Admin Settings
	AdminAddr      string   `mapstructure:"AdminAddr"`
	AllowedOrigins []string `mapstructure:"AllowedOrigins"`

	// File Storage Settings
	DirName           string `mapstructure:"DirName"`
	BlobBackend       string `mapstructure:"BlobBackend"`
	S3BucketName      string `mapstructure:"S3BucketName"`
	S3Endpoint        string `mapstructure:"S3Endpoint"`
	S3AccessKeyID     string `mapstructure:"S3AccessKeyID"`
	S3SecretAccessKey string `mapstructure:"S3SecretAccessKey"`
	S3Region          string `mapstructure:"S3Region"`
}

// IsDevelopment reports whether the server runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// ListenAddr returns the network and address the chat listener binds to.
func (c *AppConfig) ListenAddr() (network, address string) {
	if c.Network == "tcp" {
		return "tcp", c.Address
	}
	return "unix", c.UnixPath
}

// MaxFileBytes returns MaxFileSize in bytes.
func (c *AppConfig) MaxFileBytes() int64 {
	return int64(c.MaxFileSize) * 1024
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Environment", "production")
	v.SetDefault("Network", "unix")
	v.SetDefault("UnixPath", "")
	v.SetDefault("Address", "127.0.0.1:9000")

	v.SetDefault("MaxConnections", 32)
	v.SetDefault("ThreadsInPool", 8)
	v.SetDefault("QueueCapacity", 1024)
	v.SetDefault("ShutdownMode", "graceful")

	v.SetDefault("MaxMsgSize", 512)
	v.SetDefault("MaxFileSize", 1024)
	v.SetDefault("MaxHistMsgs", 16)

	v.SetDefault("WriteTimeout", 10*time.Second)
	v.SetDefault("RejectTimeout", time.Second)
	v.SetDefault("RequestRate", 0)
	v.SetDefault("RequestBurst", 0)

	v.SetDefault("StatFileName", "chatty_stats.txt")
	v.SetDefault("StatsInterval", 0)
	v.SetDefault("DatabaseURL", "")

	v.SetDefault("AdminAddr", "")
	v.SetDefault("AllowedOrigins", []string{})

	v.SetDefault("DirName", "chatty_files")
	v.SetDefault("BlobBackend", "disk")
	v.SetDefault("S3BucketName", "")
	v.SetDefault("S3Endpoint", "")
	v.SetDefault("S3AccessKeyID", "")
	v.SetDefault("S3SecretAccessKey", "")
	v.SetDefault("S3Region", "auto")
}

// LoadConfig reads the configuration file at path, applies environment overrides and
// validates the result. Files whose extension viper does not know are read as
// `key = value` properties.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); !slices.Contains(viper.SupportedExts, ext) {
		v.SetConfigType("properties")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *AppConfig) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	c.BlobBackend = strings.ToLower(strings.TrimSpace(c.BlobBackend))
	c.ShutdownMode = strings.ToLower(strings.TrimSpace(c.ShutdownMode))

	origins := c.AllowedOrigins[:0]
	for _, origin := range c.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.AllowedOrigins = origins
}

func (c *AppConfig) validate() error {
	switch c.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("Environment must be development or production, got %q", c.Environment)
	}

	switch c.Network {
	case "unix":
		if c.UnixPath == "" {
			return fmt.Errorf("UnixPath is required when Network is unix")
		}
	case "tcp":
		if c.Address == "" {
			return fmt.Errorf("Address is required when Network is tcp")
		}
	default:
		return fmt.Errorf("Network must be unix or tcp, got %q", c.Network)
	}

	if c.ThreadsInPool < 1 || c.ThreadsInPool > MaxThreadsInPool {
		return fmt.Errorf("ThreadsInPool %d is outside the allowed range (1-%d)", c.ThreadsInPool, MaxThreadsInPool)
	}
	if c.QueueCapacity < 1 || c.QueueCapacity > MaxQueueCapacity {
		return fmt.Errorf("QueueCapacity %d is outside the allowed range (1-%d)", c.QueueCapacity, MaxQueueCapacity)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"MaxConnections", c.MaxConnections},
		{"MaxMsgSize", c.MaxMsgSize},
		{"MaxFileSize", c.MaxFileSize},
		{"MaxHistMsgs", c.MaxHistMsgs},
	}
	for _, p := range positive {
		if p.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", p.name, p.value)
		}
	}
	if c.MaxMsgSize > wire.MaxPayload {
		return fmt.Errorf("MaxMsgSize %d exceeds the %d byte payload limit", c.MaxMsgSize, wire.MaxPayload)
	}
	if c.MaxFileSize > MaxFileSizeLimit {
		return fmt.Errorf("MaxFileSize %d KiB exceeds the %d KiB payload limit", c.MaxFileSize, MaxFileSizeLimit)
	}

	switch c.ShutdownMode {
	case "graceful", "immediate":
	default:
		return fmt.Errorf("ShutdownMode must be graceful or immediate, got %q", c.ShutdownMode)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive")
	}
	if c.RejectTimeout <= 0 {
		return fmt.Errorf("RejectTimeout must be positive")
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("StatsInterval must not be negative")
	}
	if c.RequestRate < 0 || c.RequestBurst < 0 {
		return fmt.Errorf("RequestRate and RequestBurst must not be negative")
	}
	if c.StatFileName == "" {
		return fmt.Errorf("StatFileName is required")
	}

	switch c.BlobBackend {
	case "disk":
		if c.DirName == "" {
			return fmt.Errorf("DirName is required when BlobBackend is disk")
		}
	case "s3":
		required := map[string]string{
			"S3BucketName":      c.S3BucketName,
			"S3Endpoint":        c.S3Endpoint,
			"S3AccessKeyID":     c.S3AccessKeyID,
			"S3SecretAccessKey": c.S3SecretAccessKey,
		}
		for name, value := range required {
			if value == "" {
				return fmt.Errorf("%s is required when BlobBackend is s3", name)
			}
		}
	default:
		return fmt.Errorf("BlobBackend must be disk or s3, got %q", c.BlobBackend)
	}

	return nil
}
