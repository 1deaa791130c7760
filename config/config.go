// Package config holds the settings of the provider and consumer binaries
// and turns them into the library objects they describe.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"knrpc/codec"
	"knrpc/compress"
	"knrpc/loadbalance"
	"knrpc/meta"
	"knrpc/registry"
	"knrpc/transport"
)

const (
	RegistryMemory = "memory"
	RegistryEtcd   = "etcd"
	RegistryRedis  = "redis"
)

type Registry struct {
	// Kind is one of memory, etcd, redis.
	Kind      string
	Endpoints []string
	TTL       time.Duration
}

type Provider struct {
	// Listen is the local bind address, Advertise the routable address
	// announced to the registry. ":8081" would not be reachable by peers.
	Listen    string
	Advertise string
	// Network is "tcp" for the framed protocol or "http" for JSON over HTTP.
	Network   string
	Region    string
	Weight    int
	Registry  Registry
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	// MetricsListen exposes /metrics when set.
	MetricsListen string
	LogLevel      string
}

type Consumer struct {
	Network    string
	Codec      string
	Compressor string
	PoolSize   int
	// Multiplex shares one connection per provider instead of a pool.
	Multiplex bool
	Timeout   time.Duration
	Balancer  string
	// Region restricts calls to instances of that region when set.
	Region   string
	Registry Registry
	LogLevel string
}

func DefaultRegistry() Registry {
	return Registry{
		Kind:      RegistryEtcd,
		Endpoints: []string{"127.0.0.1:2379"},
		TTL:       10 * time.Second,
	}
}

func DefaultProvider() Provider {
	return Provider{
		Listen:    ":8081",
		Advertise: "127.0.0.1:8081",
		Network:   "tcp",
		Weight:    1,
		Registry:  DefaultRegistry(),
		Timeout:   5 * time.Second,
		RateLimit: 1000,
		RateBurst: 100,
		LogLevel:  "info",
	}
}

func DefaultConsumer() Consumer {
	return Consumer{
		Network:  "tcp",
		Codec:    "json",
		PoolSize: 8,
		Timeout:  5 * time.Second,
		Balancer: loadbalance.NameRoundRobin,
		Registry: DefaultRegistry(),
		LogLevel: "info",
	}
}

// Open connects to the configured registry.
func (r Registry) Open(logger *zap.Logger) (registry.Registry, error) {
	switch r.Kind {
	case RegistryMemory:
		return registry.NewMemoryRegistry(), nil
	case RegistryEtcd:
		return registry.NewEtcdRegistry(r.Endpoints, registry.EtcdWithTTL(r.TTL), registry.EtcdWithLogger(logger))
	case RegistryRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: r.Endpoints})
		return ownedRedis{
			RedisRegistry: registry.NewRedisRegistry(client, registry.RedisWithTTL(r.TTL), registry.RedisWithLogger(logger)),
			client:        client,
		}, nil
	default:
		return nil, fmt.Errorf("config: unknown registry %q", r.Kind)
	}
}

// ownedRedis closes the client it was opened with.
type ownedRedis struct {
	*registry.RedisRegistry
	client redis.UniversalClient
}

func (o ownedRedis) Close() error {
	return errors.Join(o.RedisRegistry.Close(), o.client.Close())
}

// Instance is what the provider announces about itself.
func (p Provider) Instance() meta.InstanceMeta {
	kv := []string{meta.KeyWeight, strconv.Itoa(p.Weight), meta.KeyScheme, p.Network}
	if p.Region != "" {
		kv = append(kv, meta.KeyRegion, p.Region)
	}
	return meta.NewInstance(p.Advertise, kv...)
}

func (c Consumer) Transport(logger *zap.Logger) (transport.Transport, error) {
	switch c.Network {
	case "http":
		return transport.NewHTTPTransport(
			transport.HTTPWithClient(&http.Client{Timeout: c.Timeout}),
			transport.HTTPWithLogger(logger)), nil
	case "tcp":
		ct, err := codec.ParseCodecType(c.Codec)
		if err != nil {
			return nil, err
		}
		cdc, err := codec.GetCodec(ct)
		if err != nil {
			return nil, err
		}
		cp, err := compress.Parse(c.Compressor)
		if err != nil {
			return nil, err
		}
		opts := []option.Option[transport.TCPTransport]{
			transport.TCPWithCodec(cdc),
			transport.TCPWithCompressor(cp),
			transport.TCPWithPoolSize(c.PoolSize),
			transport.TCPWithTimeout(c.Timeout),
			transport.TCPWithLogger(logger),
		}
		if c.Multiplex {
			opts = append(opts, transport.TCPWithMultiplexing(30*time.Second))
		}
		return transport.NewTCPTransport(opts...), nil
	default:
		return nil, fmt.Errorf("config: unknown network %q", c.Network)
	}
}

// Router narrows to Region when one is configured.
func (c Consumer) Router() loadbalance.Router {
	if c.Region == "" {
		return loadbalance.Identity
	}
	return loadbalance.MetadataRouter{Key: meta.KeyRegion, Value: c.Region}
}
