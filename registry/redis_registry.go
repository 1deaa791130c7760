package registry

// Redis layout:
//
//	Hash    knrpc:{service}          field = addr, value = JSON redisEntry
//	Channel knrpc:{service}:changes  published on every register/unregister
//
// Redis hashes have no per-field expiry, so every entry carries its own
// deadline that a background refresher pushes forward; readers skip
// entries whose deadline has passed.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"knrpc/internal/logx"
	"knrpc/meta"
)

type redisEntry struct {
	Instance meta.InstanceMeta `json:"instance"`
	ExpireAt int64             `json:"expireAt"` // unix millis
}

type RedisRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	refresh  map[string]context.CancelFunc
	watchers []context.CancelFunc
}

func RedisWithTTL(ttl time.Duration) option.Option[RedisRegistry] {
	return func(r *RedisRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func RedisWithLogger(l *zap.Logger) option.Option[RedisRegistry] {
	return func(r *RedisRegistry) {
		r.logger = l
	}
}

// NewRedisRegistry uses a caller-owned client, Close does not close it.
func NewRedisRegistry(client redis.UniversalClient, opts ...option.Option[RedisRegistry]) *RedisRegistry {
	r := &RedisRegistry{
		client:  client,
		ttl:     10 * time.Second,
		refresh: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logx.OrNop(r.logger)
	return r
}

func (r *RedisRegistry) Register(ctx context.Context, service string, instance meta.InstanceMeta) error {
	if err := r.put(ctx, service, instance); err != nil {
		return err
	}
	if err := r.client.Publish(ctx, changesChannel(service), instance.Addr).Err(); err != nil {
		return err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	key := hashKey(service) + "/" + instance.Addr
	r.mu.Lock()
	if old, ok := r.refresh[key]; ok {
		old()
	}
	r.refresh[key] = cancel
	r.mu.Unlock()

	go r.keepAlive(refreshCtx, service, instance)
	return nil
}

func (r *RedisRegistry) keepAlive(ctx context.Context, service string, instance meta.InstanceMeta) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.put(ctx, service, instance); err != nil && ctx.Err() == nil {
				r.logger.Warn("redis refresh failed", zap.String("service", service),
					zap.String("addr", instance.Addr), zap.Error(err))
			}
		}
	}
}

func (r *RedisRegistry) put(ctx context.Context, service string, instance meta.InstanceMeta) error {
	val, err := json.Marshal(redisEntry{
		Instance: instance,
		ExpireAt: time.Now().Add(r.ttl).UnixMilli(),
	})
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, hashKey(service), instance.Addr, val).Err()
}

func (r *RedisRegistry) Unregister(ctx context.Context, service string, addr string) error {
	key := hashKey(service) + "/" + addr
	r.mu.Lock()
	if cancel, ok := r.refresh[key]; ok {
		cancel()
		delete(r.refresh, key)
	}
	r.mu.Unlock()
	if err := r.client.HDel(ctx, hashKey(service), addr).Err(); err != nil {
		return err
	}
	return r.client.Publish(ctx, changesChannel(service), addr).Err()
}

func (r *RedisRegistry) ListInstances(ctx context.Context, service string) ([]meta.InstanceMeta, error) {
	kvs, err := r.client.HGetAll(ctx, hashKey(service)).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	instances := make([]meta.InstanceMeta, 0, len(kvs))
	for addr, val := range kvs {
		var e redisEntry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			r.logger.Warn("skip malformed instance", zap.String("addr", addr), zap.Error(err))
			continue
		}
		if e.ExpireAt < now {
			continue
		}
		instances = append(instances, e.Instance)
	}
	return instances, nil
}

// Watch subscribes to the change channel and re-lists on every message.
func (r *RedisRegistry) Watch(ctx context.Context, service string) (<-chan []meta.InstanceMeta, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := r.client.Subscribe(ctx, changesChannel(service))
	// wait for the subscription to be confirmed so no change is missed
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, err
	}
	r.mu.Lock()
	r.watchers = append(r.watchers, cancel)
	r.mu.Unlock()

	ch := make(chan []meta.InstanceMeta, 1)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				instances, err := r.ListInstances(ctx, service)
				if err != nil {
					r.logger.Warn("redis re-list failed", zap.String("service", service), zap.Error(err))
					continue
				}
				select {
				case ch <- instances:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Close stops refreshers and watches.
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, cancel := range r.refresh {
		cancel()
		delete(r.refresh, key)
	}
	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = nil
	return nil
}

func hashKey(service string) string {
	return "knrpc:" + service
}

func changesChannel(service string) string {
	return hashKey(service) + ":changes"
}
