// Package invalidation propagates cache invalidations between nodes over
// Redis pub/sub, so a mutation seen by one stream consumer evicts the
// affected entities everywhere.
package invalidation

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"stix-stream/internal/cache"
)

// Config holds the Redis connection and channel configuration.
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Channel      string        `yaml:"channel"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Channel:      "stix-stream:cache-invalidation",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// message is the wire format of one invalidation broadcast. NodeID lets the
// origin skip its own messages; it already invalidated locally.
type message struct {
	NodeID     string `json:"node_id"`
	EntityType string `json:"entity_type"`
}

// Bus publishes and applies cross-node cache invalidations.
type Bus struct {
	client  *redis.Client
	store   *cache.Store
	channel string
	nodeID  string
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Int64
	applied   atomic.Int64
	skipped   atomic.Int64
}

// NewBus connects to Redis and verifies the connection.
func NewBus(cfg Config, store *cache.Store, logger *slog.Logger) (*Bus, error) {
	if cfg.Channel == "" {
		return nil, errors.New("invalidation: channel is required")
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("invalidation: failed to connect to redis: %w", err)
	}

	return &Bus{
		client:  client,
		store:   store,
		channel: cfg.Channel,
		nodeID:  uuid.NewString(),
		logger:  logger,
	}, nil
}

// Publish broadcasts an invalidation for the entity type.
func (b *Bus) Publish(ctx context.Context, entityType string) error {
	payload, err := json.Marshal(message{NodeID: b.nodeID, EntityType: entityType})
	if err != nil {
		return fmt.Errorf("invalidation: encoding message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("invalidation: publishing to %s: %w", b.channel, err)
	}
	b.published.Add(1)
	return nil
}

// Start subscribes to the invalidation channel and applies remote
// invalidations to the local store until Stop is called. go-redis reconnects
// the subscription itself; receive errors are logged and retried.
func (b *Bus) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	sub := b.client.Subscribe(ctx, b.channel)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Close()

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("invalidation subscription receive failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			b.apply(msg.Payload)
		}
	}()

	b.logger.Info("invalidation bus started", "channel", b.channel, "node_id", b.nodeID)
}

// apply invalidates the local store for one received broadcast.
func (b *Bus) apply(payload string) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		b.logger.Warn("skipping malformed invalidation message", "error", err)
		return
	}
	if m.NodeID == b.nodeID {
		b.skipped.Add(1)
		return
	}
	b.store.Invalidate(m.EntityType)
	b.applied.Add(1)
	b.logger.Debug("applied remote cache invalidation", "entity_type", m.EntityType, "origin", m.NodeID)
}

// Stop ends the subscription and closes the Redis connection.
func (b *Bus) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("invalidation: closing redis client: %w", err)
	}
	b.logger.Info("invalidation bus stopped",
		"published", b.published.Load(),
		"applied", b.applied.Load(),
	)
	return nil
}

// Stats returns bus counters.
func (b *Bus) Stats() map[string]any {
	return map[string]any{
		"published": b.published.Load(),
		"applied":   b.applied.Load(),
		"skipped":   b.skipped.Load(),
	}
}
