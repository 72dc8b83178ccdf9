package exporter

import (
	"context"
	"fmt"
	"net/url"
	"path"

	"github.com/Sternrassler/helpdesk-exporter/internal/config"
	"github.com/Sternrassler/helpdesk-exporter/pkg/client"
	"github.com/Sternrassler/helpdesk-exporter/pkg/ratelimit"
	"github.com/Sternrassler/helpdesk-exporter/pkg/snapshot"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// FromConfig builds the client, rate limit store and snapshot writers
// described by cfg. The returned cleanup releases the Redis connection.
func FromConfig(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Exporter, func(), error) {
	cleanup := func() {}

	clientCfg := cfg.ClientConfig()
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, cleanup, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Sharing rate limit state via Redis")

		clientCfg.RateLimitStore = ratelimit.NewRedisStore(redisClient, account(cfg))
		cleanup = func() { redisClient.Close() }
	}

	hc, err := client.New(clientCfg)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("create helpdesk client: %w", err)
	}

	files := snapshot.NewFileWriter(cfg.Output.Dir)
	exp := New(cfg, hc, files, logger)

	if objCfg := cfg.ObjectConfig(); objCfg.Enabled() {
		// uploads go under <prefix>/<run id>/
		objCfg.Prefix = path.Join(objCfg.Prefix, exp.RunID())
		objects, err := snapshot.NewObjectWriter(objCfg)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("create object writer: %w", err)
		}
		exp.writer = snapshot.MultiWriter{files, objects}
	}

	return exp, cleanup, nil
}

// account namespaces shared rate limit state per helpdesk account.
func account(cfg *config.Config) string {
	if cfg.Domain != "" {
		return cfg.Domain
	}
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return cfg.BaseURL
}
