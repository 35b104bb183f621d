package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	rdb "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/syncrelay/internal/cache"
	"github.com/dropDatabas3/syncrelay/internal/config"
	"github.com/dropDatabas3/syncrelay/internal/gateway"
	httpapi "github.com/dropDatabas3/syncrelay/internal/http"
	"github.com/dropDatabas3/syncrelay/internal/metrics"
	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
	"github.com/dropDatabas3/syncrelay/internal/push"
	"github.com/dropDatabas3/syncrelay/internal/rate"
	"github.com/dropDatabas3/syncrelay/internal/store"
	storemem "github.com/dropDatabas3/syncrelay/internal/store/memory"
	storepg "github.com/dropDatabas3/syncrelay/internal/store/pg"
	"github.com/dropDatabas3/syncrelay/internal/transact"
	"github.com/dropDatabas3/syncrelay/internal/transform"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", envOr("SYNCRELAY_CONFIG", ""), "path to YAML config (env SYNCRELAY_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		// logger is not up yet
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "syncrelay",
	})
	defer logger.Sync()
	log := logger.Named("service")

	if err := metrics.Register(nil); err != nil {
		log.Fatal("register metrics", logger.Err(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backing store
	var provider store.Provider
	switch cfg.Storage.Driver {
	case "postgres":
		pgStore, err := storepg.New(ctx, cfg.Storage.DSN, storepg.Tuning{
			MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal("open postgres", logger.Err(err))
		}
		if n, err := pgStore.Migrate(ctx); err != nil {
			log.Fatal("run migrations", logger.Err(err))
		} else if n > 0 {
			log.Info("migrations applied", logger.Count(n))
		}
		provider = pgStore
	default:
		log.Warn("using in-memory store, durable state is lost on restart")
		provider = storemem.New()
	}
	defer provider.Close()

	// Outbound gateway + allow-lists
	shard := gateway.Shard{AppID: cfg.Shard.AppID, ShardNum: cfg.Shard.ShardNum}
	gw := gateway.New(shard, logger.Named("gateway"))

	pushAllow, err := gateway.CompileAllowList(allowPatterns(cfg.Push.URLAllowlist, cfg.Push.URL))
	if err != nil {
		log.Fatal("compile push allowlist", logger.Err(err))
	}
	queryAllow, err := gateway.CompileAllowList(allowPatterns(cfg.Query.URLAllowlist, cfg.Query.URL))
	if err != nil {
		log.Fatal("compile query allowlist", logger.Err(err))
	}

	// Pushers
	pushers := push.NewRegistry(ctx, push.GroupConfig{
		DefaultURL:     firstOr(cfg.Push.URL),
		APIKey:         cfg.Push.APIKey,
		ForwardCookies: cfg.Push.ForwardCookies,
		AllowList:      pushAllow,
		QueueWarnDepth: cfg.Push.QueueWarnDepth,
	}, gw, nil)

	// Transactor with the built-in key-value mutators
	registry := transact.NewRegistry()
	registerKVMutators(registry)
	transactor := transact.New(provider, registry, transact.Hooks{}, nil)

	// Transform cache + transformer
	cacheClient, err := cache.New(cache.Config{
		Kind:   cfg.Cache.Kind,
		Addr:   cfg.Cache.Redis.Addr,
		DB:     cfg.Cache.Redis.DB,
		Prefix: cfg.Cache.Redis.Prefix,
	})
	if err != nil {
		log.Fatal("open cache", logger.Err(err))
	}
	defer cacheClient.Close()

	transformer := transform.New(transform.Config{
		URL:            cfg.Query.URL,
		APIKey:         cfg.Push.APIKey,
		ForwardCookies: cfg.Push.ForwardCookies,
		AllowList:      queryAllow,
		TTL:            cfg.QueryCacheTTL(),
	}, gw, cacheClient, nil)

	// Rate limiter
	var limiter rate.Limiter
	if cfg.Rate.Enabled {
		if cfg.Cache.Kind == "redis" {
			limiter = rate.NewRedisLimiter(rdb.NewClient(&rdb.Options{
				Addr: cfg.Cache.Redis.Addr,
				DB:   cfg.Cache.Redis.DB,
			}), "rl:", cfg.Rate.MaxRequests, cfg.RateWindow())
		} else {
			limiter = rate.NewMemoryLimiter(cfg.Rate.MaxRequests, cfg.RateWindow())
		}
	}

	api := httpapi.NewServer(provider, pushers, transactor, transformer, limiter,
		cfg.Auth.APIKey, cfg.Auth.JWTSecret, nil)
	srv := httpapi.NewHTTPServer(cfg.Server.Addr, api)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		pushers.StopAll()
		httpapi.Shutdown(srv, 10*time.Second)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("service exited", logger.Err(err))
	}
}

// allowPatterns returns the configured allow-list, or one derived from
// the static URLs (exact matches) when none is configured.
func allowPatterns(configured, urls []string) []string {
	if len(configured) > 0 {
		return configured
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		out = append(out, regexp.QuoteMeta(u))
	}
	return out
}

func firstOr(urls []string) string {
	if len(urls) > 0 {
		return urls[0]
	}
	return ""
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
