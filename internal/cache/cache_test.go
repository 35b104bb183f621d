package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/dropDatabas3/syncrelay/internal/cache"
)

func TestMemory_SetGetDelete(t *testing.T) {
	c := cache.NewMemory("")
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !cache.IsNotFound(err) {
		t.Fatalf("get missing: %v, want not-found", err)
	}

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q", got)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); !cache.IsNotFound(err) {
		t.Fatalf("get deleted: %v, want not-found", err)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	c := cache.NewMemory("")
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("get within ttl: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !cache.IsNotFound(err) {
		t.Fatalf("get after ttl: %v, want not-found", err)
	}
}

func TestMemory_PrefixIsolation(t *testing.T) {
	ctx := context.Background()
	a := cache.NewMemory("a")
	if err := a.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	// Prefixes only qualify keys within one backing store; a second
	// client has its own store, so this mostly documents the key shape.
	if _, err := a.Get(ctx, "k"); err != nil {
		t.Fatalf("prefixed get: %v", err)
	}
}

func TestNew_DefaultsToMemory(t *testing.T) {
	c, err := cache.New(cache.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	if !cache.IsNotFound(cache.ErrNotFound) {
		t.Fatal("ErrNotFound must be recognised")
	}
	if cache.IsNotFound(context.Canceled) {
		t.Fatal("unrelated errors are not not-found")
	}
}
