// Package discovery implements the Recipient Resolver's external discovery
// path: a Redis-backed registry mirror and an mDNS/zeroconf LAN fallback,
// both satisfying registry.Discoverer.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient abstracts the Redis operations the discovery registry needs,
// so a real go-redis client or a mock can be used interchangeably.
type RedisClient interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	Close() error
}

// goRedisAdapter wraps *redis.Client to satisfy RedisClient.
type goRedisAdapter struct {
	client *redis.Client
}

// NewGoRedisClient connects to addr and wraps the client for RedisDiscoverer.
func NewGoRedisClient(addr string) RedisClient {
	return &goRedisAdapter{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (a *goRedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *goRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	return a.client.Get(ctx, key).Result()
}

func (a *goRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.client.Del(ctx, keys...).Err()
}

func (a *goRedisAdapter) Publish(ctx context.Context, channel, message string) error {
	return a.client.Publish(ctx, channel, message).Err()
}

func (a *goRedisAdapter) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := a.client.Subscribe(ctx, channel)
	out := make(chan string)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				out <- msg.Payload
			}
		}
	}()
	return out, nil
}

func (a *goRedisAdapter) Close() error { return a.client.Close() }

// invalidationChannel carries the service type whenever a component
// registers or deregisters, so other broker instances can evict it from their
// local registry mirrors.
const invalidationChannel = "postoffice:discovery:invalidate"

// RedisDiscoverer mirrors component registrations into Redis so any broker
// instance behind a load balancer can resolve a recipient another instance
// registered. Entries carry a TTL; registration must be refreshed by the
// caller to stay alive (spec §4.2's discovery-first resolution order).
type RedisDiscoverer struct {
	client RedisClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisDiscoverer creates a RedisDiscoverer. A zero ttl defaults to 60s.
func NewRedisDiscoverer(client RedisClient, ttl time.Duration, logger *slog.Logger) *RedisDiscoverer {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisDiscoverer{client: client, ttl: ttl, logger: logger}
}

func serviceKey(serviceType string) string {
	return "postoffice:component:type:" + serviceType
}

// Lookup implements registry.Discoverer: the most recent registration for
// serviceType, if its TTL hasn't expired.
func (d *RedisDiscoverer) Lookup(ctx context.Context, serviceType string) (string, bool) {
	url, err := d.client.Get(ctx, serviceKey(serviceType))
	if err != nil {
		if err != redis.Nil {
			d.logger.Warn("discovery lookup failed", "service_type", serviceType, "error", err)
		}
		return "", false
	}
	return url, url != ""
}

// Register implements registry.Discoverer: mirrors (id, serviceType, fullURL)
// into Redis with a refreshable TTL and announces the change so other
// broker instances can react.
func (d *RedisDiscoverer) Register(ctx context.Context, id, serviceType, fullURL string) error {
	if err := d.client.Set(ctx, serviceKey(serviceType), fullURL, d.ttl); err != nil {
		return fmt.Errorf("discovery: register %s/%s: %w", serviceType, id, err)
	}
	_ = d.client.Publish(ctx, invalidationChannel, serviceType)
	return nil
}

// Deregister removes serviceType's mirrored entry and announces the removal.
func (d *RedisDiscoverer) Deregister(ctx context.Context, serviceType string) error {
	if err := d.client.Del(ctx, serviceKey(serviceType)); err != nil {
		return fmt.Errorf("discovery: deregister %s: %w", serviceType, err)
	}
	return d.client.Publish(ctx, invalidationChannel, serviceType)
}

// WatchInvalidations subscribes to the invalidation channel and invokes
// onInvalidate with the affected service type whenever another instance
// registers or deregisters a component, so callers can evict stale caches.
func (d *RedisDiscoverer) WatchInvalidations(ctx context.Context, onInvalidate func(serviceType string)) error {
	ch, err := d.client.Subscribe(ctx, invalidationChannel)
	if err != nil {
		return fmt.Errorf("discovery: subscribe invalidations: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case serviceType, ok := <-ch:
				if !ok {
					return
				}
				onInvalidate(serviceType)
			}
		}
	}()
	return nil
}
