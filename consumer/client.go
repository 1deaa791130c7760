package consumer

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"knrpc/internal/logx"
	"knrpc/meta"
	"knrpc/registry"
	"knrpc/transport"
)

// Client is the consumer process's entry point: one registry, one policy
// bundle and one transport shared by every Stub it hands out. Each service
// is watched once, however many stubs are built for it.
type Client struct {
	registry  registry.Registry
	rctx      *RPCContext
	transport transport.Transport
	logger    *zap.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
	closed   bool
}

var errClientClosed = errors.New("knrpc: client closed")

func ClientWithLogger(l *zap.Logger) option.Option[Client] {
	return func(c *Client) {
		c.logger = l
	}
}

func NewClient(reg registry.Registry, rctx *RPCContext, tr transport.Transport, opts ...option.Option[Client]) *Client {
	c := &Client{
		registry:  reg,
		rctx:      rctx,
		transport: tr,
		watchers:  make(map[string]*Watcher),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logx.OrNop(c.logger)
	if c.rctx == nil {
		c.rctx = NewRPCContext(nil, nil)
	}
	return c
}

// Stub builds a proxy for iface whose candidates follow the registry.
func (c *Client) Stub(ctx context.Context, iface reflect.Type) (*Stub, error) {
	if iface.Kind() != reflect.Interface {
		// let NewStub report it before a watch is opened
		return NewStub(iface, c.rctx, nil, c.transport)
	}
	w, err := c.watcher(ctx, meta.ServiceName(iface))
	if err != nil {
		return nil, err
	}
	return NewStub(iface, c.rctx, w, c.transport, StubWithLogger(c.logger))
}

// StubOf is Client.Stub for a static interface type.
func StubOf[T any](ctx context.Context, c *Client) (*Stub, error) {
	return c.Stub(ctx, reflect.TypeFor[T]())
}

// watcher opens the watch without holding c.mu, so a slow registry only
// delays stubs of the same service. Concurrent first calls may both open a
// watch; the loser closes its own.
func (c *Client) watcher(ctx context.Context, service string) (*Watcher, error) {
	c.mu.Lock()
	w, ok := c.watchers[service]
	c.mu.Unlock()
	if ok {
		return w, nil
	}
	// the watch outlives the call that created it and ends with Close
	w, err := NewWatcher(context.WithoutCancel(ctx), c.registry, service, WatcherWithLogger(c.logger))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = w.Close()
		return nil, errClientClosed
	}
	if existing, ok := c.watchers[service]; ok {
		_ = w.Close()
		return existing, nil
	}
	c.watchers[service] = w
	return w, nil
}

// Close stops every watch and closes the transport. The registry belongs
// to the caller.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	for service, w := range c.watchers {
		errs = append(errs, w.Close())
		delete(c.watchers, service)
	}
	errs = append(errs, c.transport.Close())
	return errors.Join(errs...)
}
