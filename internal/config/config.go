package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. IMGWARM_CACHE_TTL.
const EnvPrefix = "IMGWARM"

type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Cache   CacheConfig
	Storage StorageConfig
	Fetch   FetchConfig
	Access  AccessConfig
}

type ServerConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

type CacheConfig struct {
	TTL             time.Duration
	Capacity        int
	Concurrency     int
	JanitorInterval time.Duration
	MetadataKey     string
}

type StorageConfig struct {
	Backend         string
	SQLitePath      string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	UseSSL          bool
}

type FetchConfig struct {
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	MaxBytes  int64
	UserAgent string
}

type AccessConfig struct {
	Enabled    bool
	AllowedIPs []string
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.capacity", 50)
	v.SetDefault("cache.concurrency", 3)
	v.SetDefault("cache.janitor_interval", 10*time.Minute)
	v.SetDefault("cache.metadata_key", "imgwarm.cache.metadata")

	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite_path", "data/imgwarm.db")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.access_key", "minioadmin")
	v.SetDefault("storage.secret_key", "minioadmin")
	v.SetDefault("storage.bucket", "imgwarm")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.use_ssl", false)

	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.rate_limit", 20.0)
	v.SetDefault("fetch.burst", 5)
	v.SetDefault("fetch.max_bytes", 20*1024*1024)
	v.SetDefault("fetch.user_agent", "imgwarm/1.0")

	v.SetDefault("access.enabled", false)
	v.SetDefault("access.allowed_ips", "127.0.0.1,::1")
}

// Load reads configuration from defaults, an optional config file and the
// environment, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	allowedIPs, err := parseIPPrefixes(v.GetString("access.allowed_ips"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr: v.GetString("server.addr"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Cache: CacheConfig{
			TTL:             v.GetDuration("cache.ttl"),
			Capacity:        v.GetInt("cache.capacity"),
			Concurrency:     v.GetInt("cache.concurrency"),
			JanitorInterval: v.GetDuration("cache.janitor_interval"),
			MetadataKey:     v.GetString("cache.metadata_key"),
		},
		Storage: StorageConfig{
			Backend:         strings.ToLower(v.GetString("storage.backend")),
			SQLitePath:      v.GetString("storage.sqlite_path"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key"),
			SecretAccessKey: v.GetString("storage.secret_key"),
			Bucket:          v.GetString("storage.bucket"),
			Prefix:          v.GetString("storage.prefix"),
			UseSSL:          v.GetBool("storage.use_ssl"),
		},
		Fetch: FetchConfig{
			Timeout:   v.GetDuration("fetch.timeout"),
			RateLimit: v.GetFloat64("fetch.rate_limit"),
			Burst:     v.GetInt("fetch.burst"),
			MaxBytes:  v.GetInt64("fetch.max_bytes"),
			UserAgent: v.GetString("fetch.user_agent"),
		},
		Access: AccessConfig{
			Enabled:    v.GetBool("access.enabled"),
			AllowedIPs: allowedIPs,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the cache cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be positive"))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache capacity must be positive"))
	}
	if c.Cache.Concurrency <= 0 {
		errs = append(errs, errors.New("cache concurrency must be positive"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path is required for the sqlite backend"))
		}
	case BackendS3:
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			errs = append(errs, errors.New("endpoint and bucket are required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Fetch.RateLimit < 0 {
		errs = append(errs, errors.New("fetch rate limit cannot be negative"))
	}
	return errors.Join(errs...)
}

func parseIPPrefixes(policy string) ([]string, error) {
	var prefixes []string
	for _, item := range strings.Split(policy, ",") {
		prefix := strings.TrimSpace(item)
		if prefix == "" {
			return nil, errors.New("allowed ip prefix cannot be empty")
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}
