package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// app block (optional in YAML). Empty when absent.
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	// Push configures forwarding of client pushes to the user API.
	Push struct {
		// URL lists candidate push endpoints; the first is the default.
		URL []string `yaml:"url"`
		// APIKey is sent as X-Api-Key on every outbound call.
		APIKey string `yaml:"api_key"`
		// ForwardCookies controls whether client cookies reach the user API.
		ForwardCookies bool `yaml:"forward_cookies"`
		// URLAllowlist holds regex patterns outbound push URLs must match.
		// Patterns without ^/$ anchors get them added at compile time.
		URLAllowlist []string `yaml:"url_allowlist"`
		// QueueWarnDepth logs a warning when a group's queue exceeds it.
		QueueWarnDepth int `yaml:"queue_warn_depth"`
	} `yaml:"push"`

	// Query configures custom-query transformation.
	Query struct {
		URL          []string `yaml:"url"`
		URLAllowlist []string `yaml:"url_allowlist"`
		// CacheTTL is the lifetime of a cached transformation ("5s" default).
		CacheTTL string `yaml:"cache_ttl"`
	} `yaml:"query"`

	Storage struct {
		// postgres | memory
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxOpenConns    int    `yaml:"max_open_conns"`
			MaxIdleConns    int    `yaml:"max_idle_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		// memory | redis
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Rate struct {
		Enabled     bool   `yaml:"enabled"`
		MaxRequests int    `yaml:"max_requests"`
		Window      string `yaml:"window"`
	} `yaml:"rate"`

	// Shard identifies this deployment; both values are injected as the
	// reserved schema/appID query parameters on every outbound call.
	Shard struct {
		AppID    string `yaml:"app_id"`
		ShardNum int    `yaml:"shard_num"`
	} `yaml:"shard"`

	Auth struct {
		// APIKey guards the inbound API (X-Api-Key). Empty disables the check.
		APIKey string `yaml:"api_key"`
		// JWTSecret enables bearer-token verification when set.
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads the YAML config at path, applies env overrides, validates
// and defaults it. An empty path yields a config built from env alone.
func Load(path string) (*Config, error) {
	var c Config

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	c.applyEnvOverrides()

	// Defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8686"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Query.CacheTTL == "" {
		c.Query.CacheTTL = "5s"
	}
	if c.Shard.AppID == "" {
		c.Shard.AppID = "zero"
	}
	if c.Rate.Window == "" {
		c.Rate.Window = "1m"
	}
	if c.Rate.MaxRequests == 0 {
		c.Rate.MaxRequests = 600
	}
	if c.Push.QueueWarnDepth == 0 {
		c.Push.QueueWarnDepth = 1000
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks duration strings and cross-field requirements.
func (c *Config) Validate() error {
	for _, d := range []struct{ name, val string }{
		{"query.cache_ttl", c.Query.CacheTTL},
		{"rate.window", c.Rate.Window},
		{"storage.postgres.conn_max_lifetime", c.Storage.Postgres.ConnMaxLifetime},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("config: %s: %w", d.name, err)
		}
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("config: storage.dsn required for driver=postgres")
	}
	if c.Cache.Kind == "redis" && strings.TrimSpace(c.Cache.Redis.Addr) == "" {
		return fmt.Errorf("config: cache.redis.addr required for kind=redis")
	}
	return nil
}

// QueryCacheTTL returns the parsed transform-cache TTL.
func (c *Config) QueryCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Query.CacheTTL)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// RateWindow returns the parsed rate-limit window.
func (c *Config) RateWindow() time.Duration {
	d, err := time.ParseDuration(c.Rate.Window)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = v
	}
	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	// PUSH
	if v, ok := getEnvCSV("PUSH_URL"); ok && len(v) > 0 {
		c.Push.URL = v
	}
	if v, ok := getEnvStr("PUSH_API_KEY"); ok {
		c.Push.APIKey = v
	}
	if v, ok := getEnvBool("PUSH_FORWARD_COOKIES"); ok {
		c.Push.ForwardCookies = v
	}
	if v, ok := getEnvCSV("PUSH_URL_ALLOWLIST"); ok && len(v) > 0 {
		c.Push.URLAllowlist = v
	}
	// QUERY
	if v, ok := getEnvCSV("QUERY_URL"); ok && len(v) > 0 {
		c.Query.URL = v
	}
	if v, ok := getEnvCSV("QUERY_URL_ALLOWLIST"); ok && len(v) > 0 {
		c.Query.URLAllowlist = v
	}
	if v, ok := getEnvStr("QUERY_CACHE_TTL"); ok {
		c.Query.CacheTTL = v
	}
	// STORAGE
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	// CACHE
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("CACHE_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvInt("CACHE_REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("CACHE_REDIS_PREFIX"); ok {
		c.Cache.Redis.Prefix = v
	}
	// RATE
	if v, ok := getEnvBool("RATE_ENABLED"); ok {
		c.Rate.Enabled = v
	}
	if v, ok := getEnvInt("RATE_MAX_REQUESTS"); ok {
		c.Rate.MaxRequests = v
	}
	if v, ok := getEnvStr("RATE_WINDOW"); ok {
		c.Rate.Window = v
	}
	// SHARD
	if v, ok := getEnvStr("SHARD_APP_ID"); ok {
		c.Shard.AppID = v
	}
	if v, ok := getEnvInt("SHARD_NUM"); ok {
		c.Shard.ShardNum = v
	}
	// AUTH
	if v, ok := getEnvStr("AUTH_API_KEY"); ok {
		c.Auth.APIKey = v
	}
	if v, ok := getEnvStr("AUTH_JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	// LOG
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}
