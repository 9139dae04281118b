// Package config loads the service configuration from yaml with
// environment overrides for deployment-specific values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/U2SG/yoto-sub000/internal/cache"
)

type Config struct {
	Store      StoreConfig         `yaml:"store"`
	Database   DatabaseConfig      `yaml:"database"`
	Cache      CacheConfig         `yaml:"cache"`
	Delayed    DelayedConfig       `yaml:"delayed"`
	Resilience ResilienceConfig    `yaml:"resilience"`
	ML         MLConfig            `yaml:"ml"`
	Monitor    MonitorConfig       `yaml:"monitor"`
	ABAC       ABACConfig          `yaml:"abac"`
	Warmup     []cache.WarmupEntry `yaml:"warmup"`
}

type StoreConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	PoolSize int      `yaml:"pool_size"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type CacheConfig struct {
	L2TTLSeconds           int     `yaml:"l2_ttl_s"`
	ReadLockTimeoutSeconds float64 `yaml:"read_lock_timeout_s"`
}

type DelayedConfig struct {
	BatchSize    int `yaml:"batch_size"`
	MinQueueSize int `yaml:"min_queue_size"`
}

type ResilienceConfig struct {
	ConfigCacheTTLSeconds int `yaml:"config_cache_ttl_s"`
	OverrideTTLSeconds    int `yaml:"override_ttl_s"`
}

type MLConfig struct {
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold"`
	Strategy           string  `yaml:"strategy"`
}

// MonitorConfig selects the metrics backend: memory, redis, statsd or
// prometheus.
type MonitorConfig struct {
	Backend    string `yaml:"backend"`
	StatsdAddr string `yaml:"statsd_addr"`
	Namespace  string `yaml:"namespace"`
}

type ABACConfig struct {
	URL    string `yaml:"url"`
	Policy string `yaml:"policy"`
}

// Load reads yaml from path, then applies environment overrides.
// A missing file is not an error: an all-env deployment is valid.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if derr := yaml.NewDecoder(f).Decode(cfg); derr != nil {
				return nil, derr
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Store:      StoreConfig{Addrs: []string{"localhost:6379"}, PoolSize: 20},
		Cache:      CacheConfig{L2TTLSeconds: 600, ReadLockTimeoutSeconds: 1.0},
		Delayed:    DelayedConfig{BatchSize: 100, MinQueueSize: 50},
		Resilience: ResilienceConfig{ConfigCacheTTLSeconds: 300, OverrideTTLSeconds: 3600},
		ML:         MLConfig{AutoApplyThreshold: 0.95, Strategy: "adaptive"},
		Monitor:    MonitorConfig{Backend: "redis", Namespace: "perm"},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STORE_ADDRS"); v != "" {
		cfg.Store.Addrs = strings.Split(v, ",")
	}
	if v := os.Getenv("STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("STORE_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.DB = n
		}
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ABAC_URL"); v != "" {
		cfg.ABAC.URL = v
	}
	if v := os.Getenv("ABAC_POLICY"); v != "" {
		cfg.ABAC.Policy = v
	}
	if v := os.Getenv("MONITOR_BACKEND"); v != "" {
		cfg.Monitor.Backend = v
	}
	if v := os.Getenv("STATSD_ADDR"); v != "" {
		cfg.Monitor.StatsdAddr = v
	}
	if v := os.Getenv("ML_AUTO_APPLY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ML.AutoApplyThreshold = f
		}
	}
	if v := os.Getenv("ML_STRATEGY"); v != "" {
		cfg.ML.Strategy = v
	}
}

// L2TTL converts the configured seconds to a duration.
func (c *CacheConfig) L2TTL() time.Duration {
	return time.Duration(c.L2TTLSeconds) * time.Second
}

// ReadLockTimeout converts the configured seconds to a duration.
func (c *CacheConfig) ReadLockTimeout() time.Duration {
	return time.Duration(c.ReadLockTimeoutSeconds * float64(time.Second))
}

// ConfigCacheTTL converts the configured seconds to a duration.
func (r *ResilienceConfig) ConfigCacheTTL() time.Duration {
	return time.Duration(r.ConfigCacheTTLSeconds) * time.Second
}

// OverrideTTL converts the configured seconds to a duration.
func (r *ResilienceConfig) OverrideTTL() time.Duration {
	return time.Duration(r.OverrideTTLSeconds) * time.Second
}
