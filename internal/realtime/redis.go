package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/tvbill/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// OpenRedis connects to the relay Redis server.
func OpenRedis(cfg config.RedisConfig) (*redis.Client, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port.
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// envelope is the wire form of an event on the relay channel.
type envelope struct {
	Origin string          `json:"origin"`
	Name   string          `json:"event"`
	Rooms  []string        `json:"rooms,omitempty"`
	Data   json.RawMessage `json:"data"`
	Time   time.Time       `json:"timestamp"`
}

// RedisRelay shares events between tvbill instances over Redis pub/sub.
// Publish delivers locally first, then to the channel; Run delivers events
// published by other instances to the local publisher.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   Publisher
	origin  string
	logger  zerolog.Logger
}

// NewRedisRelay creates a relay on channel that feeds local.
func NewRedisRelay(client *redis.Client, channel string, local Publisher, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		origin:  uuid.NewString(),
		logger:  logger.With().Str("component", "redis-relay").Logger(),
	}
}

// Publish implements Publisher.
func (r *RedisRelay) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := r.local.Publish(ctx, e); err != nil {
		r.logger.Warn().Err(err).Str("event", e.Name).Msg("Local delivery failed")
	}

	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Name, err)
	}
	raw, err := json.Marshal(envelope{
		Origin: r.origin,
		Name:   e.Name,
		Rooms:  e.Rooms,
		Data:   data,
		Time:   e.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", e.Name, err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("relay %s: %w", e.Name, err)
	}
	return nil
}

// Run subscribes to the channel until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("Relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("Dropping malformed relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}
	err := r.local.Publish(ctx, Event{
		Name:      env.Name,
		Rooms:     env.Rooms,
		Payload:   env.Data,
		Timestamp: env.Time,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("event", env.Name).Msg("Relayed delivery failed")
	}
}
