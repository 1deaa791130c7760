package registry

// etcd is used as a "distributed phonebook" for services:
//
//	Key:   /knrpc/{service}/{addr}
//	Value: JSON-encoded meta.InstanceMeta
//
// Registration uses TTL-based leases: if the provider crashes, the lease
// expires and the entry disappears on its own.

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gotomicro/ekit/bean/option"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"knrpc/internal/logx"
	"knrpc/meta"
)

const etcdPrefix = "/knrpc/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	// owned clients are closed by Close
	owned  bool
	ttl    int64
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

func EtcdWithTTL(ttl time.Duration) option.Option[EtcdRegistry] {
	return func(r *EtcdRegistry) {
		if secs := int64(ttl / time.Second); secs > 0 {
			r.ttl = secs
		}
	}
}

func EtcdWithLogger(l *zap.Logger) option.Option[EtcdRegistry] {
	return func(r *EtcdRegistry) {
		r.logger = l
	}
}

// NewEtcdRegistry connects to the given endpoints.
func NewEtcdRegistry(endpoints []string, opts ...option.Option[EtcdRegistry]) (*EtcdRegistry, error) {
	r := newEtcdRegistry(nil, opts)
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.client = c
	r.owned = true
	return r, nil
}

// NewEtcdRegistryWithClient shares an existing client, which Close leaves open.
func NewEtcdRegistryWithClient(c *clientv3.Client, opts ...option.Option[EtcdRegistry]) *EtcdRegistry {
	return newEtcdRegistry(c, opts)
}

func newEtcdRegistry(c *clientv3.Client, opts []option.Option[EtcdRegistry]) *EtcdRegistry {
	r := &EtcdRegistry{
		client: c,
		ttl:    10,
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logx.OrNop(r.logger)
	return r
}

// Register grants a lease, puts the instance under it and keeps the lease
// alive in the background until Unregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance meta.InstanceMeta) error {
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(service, instance.Addr)
	_, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// the keepalive outlives the registering request
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("etcd keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	old, ok := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if ok {
		_, _ = r.client.Revoke(ctx, old)
	}
	r.logger.Info("registered instance", zap.String("service", service), zap.String("addr", instance.Addr))
	return nil
}

// Unregister deletes the instance and revokes its lease.
func (r *EtcdRegistry) Unregister(ctx context.Context, service string, addr string) error {
	key := instanceKey(service, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return err
		}
	}
	r.logger.Info("unregistered instance", zap.String("service", service), zap.String("addr", addr))
	return nil
}

// ListInstances queries every key under /knrpc/{service}/.
func (r *EtcdRegistry) ListInstances(ctx context.Context, service string) ([]meta.InstanceMeta, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]meta.InstanceMeta, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ins meta.InstanceMeta
		if err := json.Unmarshal(kv.Value, &ins); err != nil {
			r.logger.Warn("skip malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, ins)
	}
	return instances, nil
}

// Watch re-lists the service on every change under its prefix, which is
// simpler than applying individual watch events.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) (<-chan []meta.InstanceMeta, error) {
	ch := make(chan []meta.InstanceMeta, 1)
	watchCh := r.client.Watch(clientv3.WithRequireLeader(ctx), servicePrefix(service), clientv3.WithPrefix())
	go func() {
		defer close(ch)
		for resp := range watchCh {
			if resp.Canceled {
				return
			}
			if err := resp.Err(); err != nil {
				r.logger.Warn("etcd watch error", zap.String("service", service), zap.Error(err))
				continue
			}
			instances, err := r.ListInstances(ctx, service)
			if err != nil {
				r.logger.Warn("etcd re-list failed", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Close revokes outstanding leases. The client is closed only if the
// registry created it.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, id := range leases {
		_, _ = r.client.Revoke(ctx, id)
	}
	if r.owned {
		return r.client.Close()
	}
	return nil
}

func servicePrefix(service string) string {
	return etcdPrefix + url.PathEscape(service) + "/"
}

func instanceKey(service, addr string) string {
	return servicePrefix(service) + addr
}
