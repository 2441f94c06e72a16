package main

import (
	"codeshare/cfg"
	"codeshare/pkg/shortcode"
	"codeshare/svc/api"
	"codeshare/svc/auth"
	"codeshare/svc/cache"
	"codeshare/svc/db"
	"codeshare/svc/lim"
	"codeshare/svc/svc"
	"codeshare/svc/util"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 30 * time.Second
	walCheckpointTick = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the expiry purger and background maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := loadConfig(ctx, true)
	if err != nil {
		return err
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting codeshare API")

	store, sqlite, err := openStore(ctx, c)
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	defer store.Close()
	util.Info().Str("driver", c.DatabaseDriver).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, using in-process rate limits")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	pepper := []byte(c.Pepper.Value())
	defer util.Wipe(pepper)
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	if err != nil {
		return errors.Wrap(err, "failed to initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		return errors.Wrap(err, "failed to start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	ipHasher, err := util.NewIPHasher(pepper, c.IPHashRotationInterval)
	if err != nil {
		return errors.Wrap(err, "failed to initialize IP hasher")
	}
	defer ipHasher.Stop()

	tokens, err := auth.NewTokens([]byte(c.JWTSecret.Value()))
	if err != nil {
		return errors.Wrap(err, "failed to initialize identity tokens")
	}

	opts := []svc.Option{
		svc.WithTokenHasher(hasher),
		svc.WithIPHasher(ipHasher),
	}
	if c.PasteCacheSize > 0 {
		lru, err := cache.NewLRU(c.PasteCacheSize)
		if err != nil {
			return errors.Wrap(err, "failed to create paste cache")
		}
		opts = append(opts, svc.WithCache(lru, c.PasteCacheTTL))
		util.Info().Int("size", c.PasteCacheSize).Dur("ttl", c.PasteCacheTTL).Msg("paste cache initialized")
	}
	pasteSvc := svc.NewPaste(store, shortcode.New(), c, opts...)
	defer pasteSvc.Shutdown()
	util.Info().Int("view_workers", c.ViewWorkers).Msg("paste service initialized")

	limiter := newLimiter(c, rdb)
	defer limiter.Stop()

	var redisPinger api.Pinger
	if rdb != nil {
		redisPinger = rdb
	}
	server := api.NewServer(c, pasteSvc, limiter, tokens, store, redisPinger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return pasteSvc.RunPurger(gctx, c.PurgeInterval)
	})
	if sqlite != nil {
		g.Go(func() error {
			return db.StartWALMaintenance(gctx, sqlite.DB(), walCheckpointTick)
		})
	}
	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("server stopped with error")
		return err
	}
	util.Info().Msg("shutdown complete")
	return nil
}

func newLimiter(c *cfg.Cfg, rdb *db.Redis) *lim.Limiter {
	var counter lim.Counter
	if rdb != nil {
		counter = rdb
	}
	util.Info().
		Int("create_rpm", c.RateLimit.CreatePerMinute).
		Int("read_rpm", c.RateLimit.ReadPerMinute).
		Int("write_rpm", c.RateLimit.WritePerMinute).
		Bool("shared", counter != nil).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")
	return lim.New(c.RateLimit, counter, c.TrustedProxies)
}
