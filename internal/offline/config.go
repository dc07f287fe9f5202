package offline

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	errs "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	"flashstudy/internal/cachestore"
)

// DefaultAssets is the application shell precached at install time.
var DefaultAssets = []string{
	"/",
	"/index.html",
	"/styles.css",
	"/script.js",
	"/manifest.json",
	"/icons/icon-72x72.png",
	"/icons/icon-96x96.png",
	"/icons/icon-128x128.png",
	"/icons/icon-144x144.png",
	"/icons/icon-152x152.png",
	"/icons/icon-192x192.png",
	"/icons/icon-384x384.png",
	"/icons/icon-512x512.png",
}

const (
	defaultStaticCache  = "flashstudy-static-v1"
	defaultDynamicCache = "flashstudy-dynamic-v1"
	defaultShell        = "/index.html"
	defaultRetention    = 50
	defaultTrimEvery    = 24 * time.Hour
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Caches struct {
		Static      string   `yaml:"static"`
		Dynamic     string   `yaml:"dynamic"`
		Assets      []string `yaml:"assets"`
		Shell       string   `yaml:"shell"`
		Retention   int      `yaml:"retention"`
		TrimEvery   string   `yaml:"trimEvery"`
		SkipWaiting *bool    `yaml:"skipWaiting"`
		MaxEntry    string   `yaml:"maxEntry"`

		// compiled
		trimEveryDur time.Duration
		maxEntry     int64
	} `yaml:"caches"`

	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Redis   struct {
			Address  string `yaml:"address"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
			TLS      struct {
				Enabled bool   `yaml:"enabled"`
				CAFile  string `yaml:"caFile"`
			} `yaml:"tls"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	originURL *url.URL
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes a YAML document, applies defaults and validates it.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errs.Wrap(err, errs.CodeInvalidConfig, "config: decode yaml")
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return invalidConfig("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalidConfig("server.origin must be an absolute URL, got %q", cfg.Server.Origin)
	}
	cfg.originURL = u

	c := &cfg.Caches
	if c.Static == "" {
		c.Static = defaultStaticCache
	}
	if c.Dynamic == "" {
		c.Dynamic = defaultDynamicCache
	}
	if len(c.Assets) == 0 {
		c.Assets = append([]string(nil), DefaultAssets...)
	}
	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.Retention == 0 {
		c.Retention = defaultRetention
	}
	c.trimEveryDur = defaultTrimEvery
	if c.TrimEvery != "" {
		d, err := time.ParseDuration(c.TrimEvery)
		if err != nil {
			return invalidConfig("caches.trimEvery: %v", err)
		}
		c.trimEveryDur = d
	}
	if c.MaxEntry != "" {
		n, err := parseBytes(c.MaxEntry)
		if err != nil {
			return invalidConfig("caches.maxEntry: %v", err)
		}
		c.maxEntry = n
	}

	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return invalidConfig("logging.statsEvery: %v", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	switch strings.ToLower(cfg.Storage.Backend) {
	case "", "memory", "leveldb", "sqlite":
	case "redis":
		if cfg.Storage.Redis.Address == "" {
			return invalidConfig("storage.redis.address is required for the redis backend")
		}
	default:
		return invalidConfig("storage.backend: unsupported backend %q", cfg.Storage.Backend)
	}

	return cfg.Version().Validate()
}

func invalidConfig(format string, args ...any) error {
	return errs.Newf(errs.CodeInvalidConfig, "config: "+format, args...)
}

// Origin returns the parsed origin URL.
func (cfg Config) Origin() *url.URL {
	if cfg.originURL != nil {
		u := *cfg.originURL
		return &u
	}
	u, _ := url.Parse(cfg.Server.Origin)
	return u
}

// StatsEvery returns the stats log interval; zero disables the stats log.
func (cfg Config) StatsEvery() time.Duration { return cfg.Logging.statsEveryDur }

// Version extracts the worker build description from the config.
func (cfg Config) Version() Version {
	skip := true
	if cfg.Caches.SkipWaiting != nil {
		skip = *cfg.Caches.SkipWaiting
	}
	return Version{
		StaticCache:   cfg.Caches.Static,
		DynamicCache:  cfg.Caches.Dynamic,
		Assets:        append([]string(nil), cfg.Caches.Assets...),
		Shell:         cfg.Caches.Shell,
		Retention:     cfg.Caches.Retention,
		TrimEvery:     cfg.Caches.trimEveryDur,
		SkipWaiting:   skip,
		MaxEntryBytes: cfg.Caches.maxEntry,
	}
}

// StoreConfig maps the storage section onto the cachestore factory config.
func (cfg Config) StoreConfig() cachestore.Config {
	r := cfg.Storage.Redis
	return cachestore.Config{
		Backend: cfg.Storage.Backend,
		Path:    cfg.Storage.Path,
		Redis: cachestore.RedisConfig{
			Address:  r.Address,
			Username: r.Username,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
			TLS: cachestore.RedisTLSConfig{
				Enabled: r.TLS.Enabled,
				CAFile:  r.TLS.CAFile,
			},
		},
	}
}
