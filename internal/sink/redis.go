package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"relay-sync/internal/events"
)

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Channel   string
	KeyPrefix string
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Redis publishes every event on a channel and keeps the latest device
// record under <prefix>device:<mac>.
type Redis struct {
	client    redisClient
	channel   string
	keyPrefix string
	logger    *slog.Logger
	w         *worker
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedis(client, cfg, logger), nil
}

func newRedis(client redisClient, cfg RedisConfig, logger *slog.Logger) *Redis {
	if cfg.Channel == "" {
		cfg.Channel = "relay-sync:events"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "relay-sync:"
	}
	r := &Redis{
		client:    client,
		channel:   cfg.Channel,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger.With("component", "redis"),
	}
	r.w = newWorker("redis", r.handle, r.logger)
	return r
}

// Start subscribes to bus.
func (r *Redis) Start(bus Subscriber) {
	r.w.start(bus)
	r.logger.Info("redis sink started", "channel", r.channel)
}

// Stop drains the queue and closes the client.
func (r *Redis) Stop() error {
	r.w.stop()
	return r.client.Close()
}

func (r *Redis) handle(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("encode event", "type", e.Type, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("redis publish", "type", e.Type, "err", err)
	}

	sc, ok := e.Data.(events.StateChange)
	if !ok || sc.State == nil {
		return
	}
	state, err := json.Marshal(sc.State)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.keyPrefix+"device:"+sc.DeviceID, state, 0).Err(); err != nil {
		r.logger.Warn("redis set device", "mac", sc.DeviceID, "err", err)
	}
}
