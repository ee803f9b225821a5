package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"category-engine/analytics"
	"category-engine/cache"
	"category-engine/catalog"
	"category-engine/config"
	"category-engine/coordinator"
	"category-engine/metrics"
	"category-engine/orm"
	"category-engine/scheduler"
	"category-engine/tagging"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// app holds the wired engine for one process.
type app struct {
	db          *orm.DB
	redis       *redis.Client
	metrics     *metrics.Metrics
	cache       *cache.Layer
	coordinator *coordinator.Coordinator
	analytics   *analytics.Aggregator
	catalog     *catalog.Service
	tagging     *tagging.Service
	scheduler   *scheduler.Scheduler
}

func buildApp(cfg *config.AppConfig, m *metrics.Metrics) (*app, error) {
	db, err := orm.InitDB(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{db: db, metrics: m}

	if cfg.Redis.Addr != "" {
		client, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			_ = db.Close()

			return nil, err
		}
		a.redis = client
	}

	a.wire(cfg, db)

	return a, nil
}

// wire builds the services on top of store. Without redis the cache and the
// analytics counters live in process memory.
func (a *app) wire(cfg *config.AppConfig, store *orm.DB) {
	policy := cache.Policy{DefaultTTL: cfg.Cache.DefaultTTL, MaxTTL: cfg.Cache.MaxTTL}

	var backend cache.SharedBackend
	var counters analytics.Counters
	if a.redis != nil {
		shared := cache.NewRedisBackend(a.redis, cfg.Redis.Prefix, a.metrics)
		backend = cache.NewTieredBackend(cache.NewMemoryBackend(), shared, cfg.Cache.LocalTTL)
		counters = analytics.NewRedisCounters(a.redis, cfg.Redis.Prefix, a.metrics)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis for the shared cache tier and analytics")
	} else {
		backend = cache.NewMemoryBackend()
		counters = analytics.NewMemoryCounters()
		log.Warn().Msg("No redis configured, cache and analytics are process-local")
	}
	a.cache = cache.NewLayer(backend, policy, a.metrics)

	retry := orm.RetryPolicy{MaxAttempts: cfg.Categories.ReadAttempts}
	a.coordinator = coordinator.New(store, a.cache, coordinator.Options{
		MaxTags:        cfg.Categories.MaxTags,
		Retry:          retry,
		CleanupTimeout: cfg.Categories.CleanupTimeout,
		Metrics:        a.metrics,
	})

	a.analytics = analytics.NewAggregator(counters, store, analytics.Options{
		MinOccurrences: cfg.Analytics.MinOccurrences,
		Retention:      cfg.Analytics.Retention,
		Metrics:        a.metrics,
	})

	a.catalog = catalog.NewService(store, a.cache, a.coordinator, a.analytics, catalog.Options{
		CategoryTTL:     cfg.Cache.CategoryTTL,
		TagTTL:          cfg.Cache.TagTTL,
		MaxPageSize:     cfg.Categories.MaxPageSize,
		MaxTags:         cfg.Categories.MaxTags,
		RetentionWindow: cfg.Categories.RetentionWindow,
		Retry:           retry,
	})

	a.tagging = tagging.NewService(store, a.coordinator, a.cache, cfg.Categories.MaxTags)

	a.scheduler = scheduler.New(a.catalog, scheduler.Options{
		Optimize: cfg.Schedule.Optimize,
		Rebuild:  cfg.Schedule.Rebuild,
		Timeout:  cfg.Schedule.Timeout,
	})
}

// healthy checks the database and, when configured, redis.
func (a *app) healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	return nil
}

func (a *app) close() error {
	a.scheduler.Stop()

	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.db.Close())

	return errors.Join(errs...)
}
