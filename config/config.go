// Package config loads the process configuration: where the cache lives, how
// long each region keeps its entries and which services back the feature
// stores.
package config

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/cache"
	"github.com/fitlab/go-fitness/logger"
	"github.com/fitlab/go-fitness/resilience"
	"github.com/redis/go-redis/v9"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in cache.backend.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FITLAB_"

var ErrInvalidConfig = errors.New("config: invalid")

// Duration is a time.Duration that reads and writes the short forms accepted
// by str2duration, such as 1d, 6h or 250ms.
type Duration time.Duration

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d: duration %q", value.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return str2duration.String(time.Duration(d)), nil
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password Secret `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BreakerConfig struct {
	Disabled    bool     `yaml:"disabled"`
	MaxFailures int      `yaml:"max_failures"`
	Cooldown    Duration `yaml:"cooldown"`
}

type CacheConfig struct {
	Backend     string              `yaml:"backend"`
	SQLitePath  string              `yaml:"sqlite_path"`
	Prefix      string              `yaml:"prefix"`
	Timeout     Duration            `yaml:"timeout"`
	DefaultTTL  Duration            `yaml:"default_ttl"`
	TTL         map[string]Duration `yaml:"ttl"`
	DeleteBatch int                 `yaml:"delete_batch"`
	Breaker     BreakerConfig       `yaml:"breaker"`
}

type EventsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Channel  string `yaml:"channel"`
}

type OpenAIConfig struct {
	APIKey  Secret   `yaml:"api_key"`
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

type LibraryConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Config is the full process configuration.
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	Cache   CacheConfig   `yaml:"cache"`
	Events  EventsConfig  `yaml:"events"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Library LibraryConfig `yaml:"library"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Cache: CacheConfig{
			Backend:     BackendRedis,
			Prefix:      "fitlab",
			Timeout:     Duration(250 * time.Millisecond),
			DefaultTTL:  Duration(cache.DefaultExpires),
			DeleteBatch: cache.DefaultDeleteBatch,
			Breaker:     BreakerConfig{MaxFailures: 5, Cooldown: Duration(30 * time.Second)},
		},
		OpenAI: OpenAIConfig{Model: "gpt-4o-mini", Timeout: Duration(30 * time.Second)},
	}
}

// Parse decodes YAML on top of Default. Unknown fields are rejected.
func Parse(buf []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(buf)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return cfg, nil
}

// Load reads path (Default when path is empty), applies FITLAB_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	var buf []byte
	if path != "" {
		var err error
		if buf, err = os.ReadFile(path); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	}
	cfg, err := Parse(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from FITLAB_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	secret := func(name string, dst *Secret) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = Secret(v)
		}
	}
	str("REDIS_ADDR", &c.Redis.Addr)
	secret("REDIS_PASSWORD", &c.Redis.Password)
	str("CACHE_BACKEND", &c.Cache.Backend)
	str("CACHE_PREFIX", &c.Cache.Prefix)
	str("CACHE_SQLITE_PATH", &c.Cache.SQLitePath)
	str("EVENTS_CHANNEL", &c.Events.Channel)
	secret("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_MODEL", &c.OpenAI.Model)
	str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	str("LIBRARY_SQLITE_PATH", &c.Library.SQLitePath)

	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%sREDIS_DB=%q", EnvPrefix, v)
		}
		c.Redis.DB = db
	}
	if v, ok := lookup(EnvPrefix + "CACHE_DEFAULT_TTL"); ok {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%sCACHE_DEFAULT_TTL=%q", EnvPrefix, v)
		}
		c.Cache.DefaultTTL = Duration(d)
	}
	return nil
}

// Validate rejects unknown backends and regions, and negative durations.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.Wrap(ErrInvalidConfig, "redis.addr is required for the redis backend")
		}
	case BackendMemory, BackendSQLite:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Cache.Timeout < 0 || c.Cache.DefaultTTL < 0 || c.Cache.Breaker.Cooldown < 0 || c.OpenAI.Timeout < 0 {
		return errors.Wrap(ErrInvalidConfig, "durations must not be negative")
	}
	if c.Cache.DeleteBatch < 0 || c.Cache.Breaker.MaxFailures < 0 {
		return errors.Wrap(ErrInvalidConfig, "counts must not be negative")
	}
	known := cache.DefaultTTLs()
	for name, ttl := range c.Cache.TTL {
		if _, ok := known[cache.Name(name)]; !ok {
			return errors.Wrapf(ErrInvalidConfig, "unknown cache region %q", name)
		}
		if ttl < 0 {
			return errors.Wrapf(ErrInvalidConfig, "negative ttl for %s", name)
		}
	}
	return nil
}

// TTLTable builds the region TTL table: stock TTLs overridden by cache.ttl,
// with cache.default_ttl for everything else.
func (c *Config) TTLTable() (cache.TTLTable, error) {
	ttls := cache.DefaultTTLs()
	for name, ttl := range c.Cache.TTL {
		ttls[cache.Name(name)] = ttl.D()
	}
	fallback := c.Cache.DefaultTTL.D()
	if fallback == 0 {
		fallback = cache.DefaultExpires
	}
	table, err := cache.NewTTLTable(fallback, ttls)
	if err != nil {
		return cache.TTLTable{}, errors.Wrap(err, "failed to build ttl table")
	}
	return table, nil
}

// CacheOptions returns the options shared by the backend and the facade.
func (c *Config) CacheOptions(log logger.Logger) []cache.Option {
	opts := []cache.Option{cache.WithLogger(log), cache.WithPrefix(c.Cache.Prefix)}
	if c.Cache.Timeout > 0 {
		opts = append(opts, cache.WithQueryTimeout(c.Cache.Timeout.D()))
	}
	if c.Cache.DefaultTTL > 0 {
		opts = append(opts, cache.WithExpires(c.Cache.DefaultTTL.D()))
	}
	if c.Cache.DeleteBatch > 0 {
		opts = append(opts, cache.WithDeleteBatch(c.Cache.DeleteBatch))
	}
	return opts
}

// RedisClient returns a client for redis.addr. The caller closes it.
func (c *Config) RedisClient() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{c.Redis.Addr},
		Password: c.Redis.Password.Value(),
		DB:       c.Redis.DB,
	})
}

// NewBackend builds the configured backend, guarded by a circuit breaker
// unless cache.breaker.disabled is set. rdb is only used by the redis
// backend and may be nil otherwise.
func (c *Config) NewBackend(ctx context.Context, rdb redis.UniversalClient, log logger.Logger) (cache.Backend, error) {
	opts := c.CacheOptions(log)
	var backend cache.Backend
	switch c.Cache.Backend {
	case BackendRedis:
		if rdb == nil {
			return nil, errors.Wrap(ErrInvalidConfig, "redis backend needs a redis client")
		}
		backend = cache.NewRedis(rdb, opts...)
	case BackendMemory:
		backend = cache.NewInMemory(ctx, opts...)
	case BackendSQLite:
		var err error
		if backend, err = cache.NewSQLite(ctx, c.Cache.SQLitePath, opts...); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Cache.Breaker.Disabled {
		return backend, nil
	}
	breaker := resilience.DefaultCircuitBreakerConfig()
	breaker.RequestTimeout = 0
	if c.Cache.Breaker.MaxFailures > 0 {
		breaker.MaxFailures = c.Cache.Breaker.MaxFailures
	}
	if c.Cache.Breaker.Cooldown > 0 {
		breaker.Timeout = c.Cache.Breaker.Cooldown.D()
	}
	return cache.NewGuarded(backend, breaker, opts...), nil
}

// NewIndexed builds the facade over backend with the configured TTL table.
func (c *Config) NewIndexed(backend cache.Backend, log logger.Logger) (*cache.Indexed, error) {
	ttls, err := c.TTLTable()
	if err != nil {
		return nil, err
	}
	return cache.NewIndexed(backend, ttls, c.CacheOptions(log)...), nil
}

// Dump renders the configuration as YAML with secrets masked.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode config")
	}
	return out, nil
}
