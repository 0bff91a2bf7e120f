package main

import (
	"context"
	"fmt"
	"os"

	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/simplesurance/gotrigger/internal/audit"
	"github.com/simplesurance/gotrigger/internal/cfg"
	"github.com/simplesurance/gotrigger/internal/dedup"
	"github.com/simplesurance/gotrigger/internal/dispatcher"
	"github.com/simplesurance/gotrigger/internal/githubclt"
	"github.com/simplesurance/gotrigger/internal/logfields"
	"github.com/simplesurance/gotrigger/internal/payload"
	"github.com/simplesurance/gotrigger/internal/retry"
	"github.com/simplesurance/gotrigger/internal/tracing"
)

func newGithubClient(config *cfg.Config) (*githubclt.Client, error) {
	return githubclt.New(
		config.GithubAPIToken,
		githubclt.WithAPIURL(config.GithubAPIURL),
		githubclt.WithUserAgent(config.UserAgent),
	)
}

func newPayloadBuilder(config *cfg.Config, opts ...payload.Option) (*payload.Builder, error) {
	if config.Dispatch.PayloadQuery != "" {
		opts = append(opts, payload.WithPayloadQuery(config.Dispatch.PayloadQuery))
	}

	return payload.NewBuilder(
		config.Dispatch.EventType,
		config.Dispatch.TriggeredBy,
		config.Dispatch.Environment,
		config.Dispatch.ClientPayload,
		opts...,
	)
}

func setupTracing(ctx context.Context, config *cfg.Config) error {
	shutdown, err := tracing.Setup(ctx, &tracing.Config{
		ServiceName:    appName,
		ServiceVersion: Version,
		OTLPEndpoint:   config.Tracing.OTLPEndpoint,
		SampleRatio:    config.Tracing.Ratio(),
	})
	if err != nil {
		return fmt.Errorf("initializing tracing failed: %w", err)
	}

	goodbye.Register(func(ctx context.Context, _ os.Signal) {
		if err := shutdown(ctx); err != nil {
			logger.Warn(
				"flushing traces failed",
				logfields.Event("tracing_shutdown_failed"),
				zap.Error(err),
			)
		}
	})

	return nil
}

func newDedupStore(ctx context.Context, config *cfg.Config) (dedup.Store, error) {
	if config.Dedup.RedisAddr == "" {
		return dedup.NewMemoryStore(), nil
	}

	rdb, err := dedup.NewRedisClient(ctx, config.Dedup.RedisAddr, config.Dedup.RedisPassword, config.Dedup.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis at %s failed: %w", config.Dedup.RedisAddr, err)
	}

	goodbye.Register(func(context.Context, os.Signal) {
		if err := rdb.Close(); err != nil {
			logger.Warn(
				"closing redis client failed",
				logfields.Event("redis_close_failed"),
				zap.Error(err),
			)
		}
	})

	logger.Info(
		"using redis dedup store",
		logfields.Event("dedup_store_redis"),
		zap.String("redis_addr", config.Dedup.RedisAddr),
	)

	return dedup.NewRedisStore(rdb, ""), nil
}

// openAudit returns nil when no audit database is configured.
func openAudit(ctx context.Context, config *cfg.Config) (*audit.Repository, error) {
	if config.Audit.DatabaseURL == "" {
		return nil, nil
	}

	pool, err := audit.Open(ctx, config.Audit.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to audit database failed: %w", err)
	}

	goodbye.Register(func(context.Context, os.Signal) {
		pool.Close()
	})

	repo := audit.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating audit database failed: %w", err)
	}

	return repo, nil
}

// newDispatcher creates a dispatcher with all configured optional
// components.
// withDedup is false for one-off dispatches from the command line.
func newDispatcher(ctx context.Context, config *cfg.Config, withDedup bool) (*dispatcher.Dispatcher, error) {
	clt, err := newGithubClient(config)
	if err != nil {
		return nil, err
	}

	builder, err := newPayloadBuilder(config)
	if err != nil {
		return nil, err
	}

	retryTimeout, err := config.Dispatch.RetryTimeoutDuration()
	if err != nil {
		return nil, err
	}

	opts := []dispatcher.Option{
		dispatcher.WithRetryer(retry.NewRetryer(retry.WithTimeout(retryTimeout))),
	}

	if withDedup {
		window, err := config.Dedup.WindowDuration()
		if err != nil {
			return nil, err
		}

		store, err := newDedupStore(ctx, config)
		if err != nil {
			return nil, err
		}

		opts = append(opts, dispatcher.WithDedup(store, window))
	}

	auditRepo, err := openAudit(ctx, config)
	if err != nil {
		return nil, err
	}

	if auditRepo != nil {
		opts = append(opts, dispatcher.WithAudit(auditRepo))
	}

	d := dispatcher.New(
		config.Repository.Owner,
		config.Repository.RepositoryName,
		builder,
		clt,
		opts...,
	)

	goodbye.Register(func(context.Context, os.Signal) {
		d.Stop()
	})

	logger.Debug(
		"dispatcher initialized",
		logfields.Event("dispatcher_initialized"),
		zap.String("payload", builder.String()),
		zap.Duration("retry_timeout", retryTimeout),
		zap.Bool("dedup", withDedup),
		zap.Bool("audit", auditRepo != nil),
	)

	return d, nil
}
