// Package natskv implements the cache tier using NATS JetStream KV.
// The bucket is a remote store that may become unreachable; the
// connectivity monitor probes it and the dual-write coordinator routes
// failed writes through the fallback queue.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/TraceForge/internal/config"
)

// Cache wraps a NATS JetStream KeyValue bucket. The bucket handle is
// obtained lazily so the process can start while the server is down;
// until the bucket is reachable every operation errors and the monitor
// keeps the fallback path active.
type Cache struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	bucket jetstream.KeyValueConfig

	mu sync.Mutex
	kv jetstream.KeyValue
}

// Connect establishes a NATS connection and tries to ensure the KV
// bucket exists. An unreachable server is not fatal: the client keeps
// reconnecting in the background and the bucket is created on first
// use. The bucket TTL bounds how long mirrored snapshots live.
func Connect(ctx context.Context, cfg config.NATS, ttl time.Duration) (*Cache, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	c := &Cache{
		nc:     nc,
		js:     js,
		bucket: jetstream.KeyValueConfig{Bucket: cfg.Bucket, TTL: ttl},
	}

	if !nc.IsConnected() {
		slog.Warn("nats unreachable, cache tier starts degraded", "url", cfg.URL)
		return c, nil
	}

	ensureCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.keyValue(ensureCtx); err != nil {
		slog.Warn("nats kv bucket unavailable, cache tier starts degraded",
			"bucket", cfg.Bucket, "error", err)
		return c, nil
	}

	slog.Info("nats kv connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return c, nil
}

// New wraps an existing KV bucket. Used by tests with an embedded server.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// keyValue returns the bucket handle, creating the bucket on first
// success after a degraded start.
func (c *Cache) keyValue(ctx context.Context) (jetstream.KeyValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kv != nil {
		return c.kv, nil
	}
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, c.bucket)
	if err != nil {
		return nil, fmt.Errorf("jetstream kv bucket %s: %w", c.bucket.Bucket, err)
	}
	c.kv = kv
	slog.Info("nats kv bucket ready", "bucket", c.bucket.Bucket)
	return kv, nil
}

// Get retrieves a value from the bucket.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	kv, err := c.keyValue(ctx)
	if err != nil {
		return nil, false, err
	}
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value in the bucket. TTL is managed at bucket level.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	kv, err := c.keyValue(ctx)
	if err != nil {
		return err
	}
	_, err = kv.Put(ctx, key, value)
	return err
}

// Delete removes a value from the bucket.
func (c *Cache) Delete(ctx context.Context, key string) error {
	kv, err := c.keyValue(ctx)
	if err != nil {
		return err
	}
	err = kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Ping performs a lightweight round trip against the bucket: a status
// call that hits the server, not just the local connection state.
func (c *Cache) Ping(ctx context.Context) error {
	if c.nc != nil && !c.nc.IsConnected() {
		return errors.New("nats: not connected")
	}
	kv, err := c.keyValue(ctx)
	if err != nil {
		return err
	}
	if _, err := kv.Status(ctx); err != nil {
		return fmt.Errorf("kv status: %w", err)
	}
	return nil
}

// Close drains the underlying NATS connection.
func (c *Cache) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}
