package main

import (
	"fmt"
	"time"

	"github.com/goodtune/tvbill/internal/catalog"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/goodtune/tvbill/internal/discovery"
	"github.com/goodtune/tvbill/internal/expiry"
	"github.com/goodtune/tvbill/internal/presence"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/session"
	"github.com/goodtune/tvbill/internal/storage/sqlstore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// engine is the set of services every command builds on.
type engine struct {
	store     *sqlstore.Store
	catalog   *catalog.Catalog
	sessions  *session.Service
	presence  *presence.Monitor
	expiry    *expiry.Sweeper
	discovery *discovery.Service
}

func newEngine(cfg *config.Config, store *sqlstore.Store, pub realtime.Publisher, clk clock.Clock, logger zerolog.Logger) *engine {
	packages := catalog.New(store.Packages(), cfg.Catalog.CacheSize, parseDuration(cfg.Catalog.CacheTTL, 5*time.Minute))

	defaults := discovery.DefaultThresholds()
	thresholds := discovery.Thresholds{
		StalePending: parseDuration(cfg.Discovery.StalePending, defaults.StalePending),
		OldRejected:  parseDuration(cfg.Discovery.OldRejected, defaults.OldRejected),
		OldApproved:  parseDuration(cfg.Discovery.OldApproved, defaults.OldApproved),
		Aggressive:   parseDuration(cfg.Discovery.AggressiveThreshold, defaults.Aggressive),
	}

	return &engine{
		store:     store,
		catalog:   packages,
		sessions:  session.New(store, packages, pub, clk, logger),
		presence:  presence.New(store, pub, clk, parseDuration(cfg.Presence.OfflineThreshold, presence.DefaultOfflineThreshold), logger),
		expiry:    expiry.New(store, pub, clk, logger),
		discovery: discovery.New(store, pub, clk, thresholds, logger),
	}
}

// eventBus is the publisher chain behind the local delivery target.
type eventBus struct {
	publisher realtime.Publisher
	relay     *realtime.RedisRelay
	redis     *goredis.Client
	kafka     *realtime.KafkaSink
}

// newEventBus wraps local with the optional Redis relay and Kafka export.
func newEventBus(cfg *config.Config, local realtime.Publisher, logger zerolog.Logger) (*eventBus, error) {
	bus := &eventBus{publisher: local}

	if cfg.Redis.Enabled {
		client, err := realtime.OpenRedis(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis relay: %w", err)
		}
		bus.redis = client
		bus.relay = realtime.NewRedisRelay(client, cfg.Redis.Channel, local, logger)
		bus.publisher = bus.relay
		logger.Info().
			Str("host", cfg.Redis.Host).
			Int("port", cfg.Redis.Port).
			Str("channel", cfg.Redis.Channel).
			Msg("Redis relay enabled")
	}

	if cfg.Kafka.Enabled {
		bus.kafka = realtime.NewKafkaSink(cfg.Kafka)
		bus.publisher = realtime.Fanout{bus.publisher, bus.kafka}
		logger.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Msg("Kafka export enabled")
	}

	return bus, nil
}

// Close releases the Redis and Kafka clients.
func (b *eventBus) Close(logger zerolog.Logger) {
	if b.kafka != nil {
		if err := b.kafka.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close kafka writer")
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close redis client")
		}
	}
}
