package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Server.Addr != ":8686" {
		t.Fatalf("addr = %q", c.Server.Addr)
	}
	if c.Storage.Driver != "memory" || c.Cache.Kind != "memory" {
		t.Fatalf("drivers = %q/%q, want memory/memory", c.Storage.Driver, c.Cache.Kind)
	}
	if c.Shard.AppID != "zero" {
		t.Fatalf("appID = %q", c.Shard.AppID)
	}
	if got := c.QueryCacheTTL(); got != 5*time.Second {
		t.Fatalf("cache ttl = %v", got)
	}
	if got := c.RateWindow(); got != time.Minute {
		t.Fatalf("rate window = %v", got)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  addr: ":9999"
push:
  url: ["https://api.example.com/push"]
  api_key: outbound-key
  forward_cookies: true
  url_allowlist: ['https://api\.example\.com/.*']
query:
  url: ["https://api.example.com/transform"]
  cache_ttl: 10s
shard:
  app_id: acme
  shard_num: 2
auth:
  api_key: inbound-key
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Server.Addr != ":9999" {
		t.Fatalf("addr = %q", c.Server.Addr)
	}
	if len(c.Push.URL) != 1 || c.Push.URL[0] != "https://api.example.com/push" {
		t.Fatalf("push url = %v", c.Push.URL)
	}
	if !c.Push.ForwardCookies {
		t.Fatal("forward_cookies not read")
	}
	if c.QueryCacheTTL() != 10*time.Second {
		t.Fatalf("ttl = %v", c.QueryCacheTTL())
	}
	if c.Shard.AppID != "acme" || c.Shard.ShardNum != 2 {
		t.Fatalf("shard = %+v", c.Shard)
	}
	if c.Auth.APIKey != "inbound-key" {
		t.Fatalf("auth key = %q", c.Auth.APIKey)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":7777")
	t.Setenv("PUSH_URL", "https://a.example/push, https://b.example/push")
	t.Setenv("QUERY_CACHE_TTL", "2s")
	t.Setenv("SHARD_NUM", "5")
	t.Setenv("RATE_ENABLED", "true")

	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Server.Addr != ":7777" {
		t.Fatalf("addr = %q", c.Server.Addr)
	}
	if len(c.Push.URL) != 2 || c.Push.URL[1] != "https://b.example/push" {
		t.Fatalf("push url = %v, CSV must split and trim", c.Push.URL)
	}
	if c.QueryCacheTTL() != 2*time.Second {
		t.Fatalf("ttl = %v", c.QueryCacheTTL())
	}
	if c.Shard.ShardNum != 5 {
		t.Fatalf("shard num = %d", c.Shard.ShardNum)
	}
	if !c.Rate.Enabled {
		t.Fatal("rate not enabled")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("QUERY_CACHE_TTL", "not-a-duration")
	if _, err := Load(""); err == nil {
		t.Fatal("invalid duration must fail validation")
	}
}

func TestValidate_CrossFieldRequirements(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	if _, err := Load(""); err == nil {
		t.Fatal("postgres without a dsn must fail")
	}

	t.Setenv("STORAGE_DSN", "postgres://localhost/sync")
	c, err := Load("")
	if err != nil {
		t.Fatalf("postgres with a dsn: %v", err)
	}
	if c.Storage.DSN == "" {
		t.Fatal("dsn lost")
	}
}

func TestQueryCacheTTL_FallsBackOnGarbage(t *testing.T) {
	var c Config
	c.Query.CacheTTL = "garbage"
	if got := c.QueryCacheTTL(); got != 5*time.Second {
		t.Fatalf("ttl = %v, want the 5s fallback", got)
	}
}
