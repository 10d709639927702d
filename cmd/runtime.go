package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/cache"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/events"
	"github.com/kozaktomas/rollcall/internal/extractor"
	"github.com/kozaktomas/rollcall/internal/filter"
	"github.com/kozaktomas/rollcall/internal/metrics"
	"github.com/kozaktomas/rollcall/internal/policy"
	"github.com/kozaktomas/rollcall/internal/recognition"
	"github.com/kozaktomas/rollcall/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// runtime holds the wired recognition stack shared by serve and match.
type runtime struct {
	store     database.Store
	redis     *cache.Client
	publisher events.Publisher
	metrics   *metrics.Metrics
	registry  *registry.Registry
	filter    *filter.CandidateFilter
	service   *recognition.Service
}

// buildRuntime opens the store and optional Redis and Kafka connections and wires the
// recognition service. Close releases everything that was opened.
func buildRuntime(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	thresholds := policy.FromConfig(cfg.Policy)
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	rt := &runtime{metrics: metrics.New(reg), publisher: events.Noop{}}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.store = store
	logger.Info("store opened", zap.String("driver", cfg.Store.Driver))

	var source registry.Source = store
	rt.redis, err = cache.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		// The cache is an optimization; run without it.
		logger.Warn("redis unavailable, identity cache disabled", zap.Error(err))
	} else if rt.redis != nil {
		ttl, capped := cfg.IdentityCacheTTL()
		if capped {
			logger.Warn("REDIS_CACHE_TTL exceeds CACHE_TTL, capping",
				zap.Duration("redis_ttl", cfg.Cache.RedisTTL), zap.Duration("cache_ttl", cfg.Cache.TTL))
		}
		source = cache.NewIdentitySource(store, rt.redis, cfg.Cache.RedisKey, ttl, logger)
		logger.Info("identity cache enabled", zap.String("key", cfg.Cache.RedisKey), zap.Duration("ttl", ttl))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(ctx, cfg.Kafka.Brokers, cfg.Kafka.AttendanceTopic)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connecting to kafka: %w", err)
		}
		rt.publisher = pub
		logger.Info("attendance events enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.AttendanceTopic))
	}

	rt.registry = registry.New(source, registry.Options{
		TTL:              cfg.Cache.TTL,
		RetryBackoff:     cfg.Cache.RetryBackoff,
		ANNMinIdentities: cfg.Match.ANNMinIdentities,
		Logger:           logger,
		Metrics:          rt.metrics,
	})

	rt.filter, err = filter.New(store, filter.Options{
		CacheTTL: cfg.Cache.CohortTTL,
		Logger:   logger,
		Metrics:  rt.metrics,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	recorder := attendance.NewRecorder(store, rt.publisher, rt.metrics, logger)
	rt.service = recognition.NewService(
		extractor.NewClient(cfg.Extractor.URL, cfg.Extractor.Timeout),
		rt.registry,
		rt.filter,
		recorder,
		recognition.Options{
			Thresholds:    thresholds,
			Timeout:       cfg.Request.Timeout,
			MaxImageBytes: cfg.Request.MaxImageBytes,
			ShortlistSize: cfg.Match.ANNShortlist,
			Logger:        logger,
			Metrics:       rt.metrics,
		},
	)
	return rt, nil
}

// reloadTarget is the registry as seen by the reload_cache endpoint. Invalidating it
// also drops cached session cohorts.
type reloadTarget struct {
	*registry.Registry
	filter *filter.CandidateFilter
}

func (t reloadTarget) Invalidate(ctx context.Context) error {
	t.filter.Reset()
	return t.Registry.Invalidate(ctx)
}

// Close releases connections in reverse order of opening.
func (rt *runtime) Close() {
	if rt.filter != nil {
		rt.filter.Close()
	}
	if rt.publisher != nil {
		rt.publisher.Close()
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			logger.Warn("closing redis", zap.Error(err))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
	}
}
