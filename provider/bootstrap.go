package provider

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"knrpc/internal/logx"
	"knrpc/meta"
	"knrpc/registry"
)

var errStarted = errors.New("knrpc: provider already started")

// Bootstrap is the provider's startup phase: services are exported into the
// dispatch table first, then Start announces them to the registry. Once
// started the table is read-only.
type Bootstrap struct {
	table    *DispatchTable
	registry registry.Registry
	instance meta.InstanceMeta
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
}

func BootstrapWithRegistry(r registry.Registry) option.Option[Bootstrap] {
	return func(b *Bootstrap) {
		b.registry = r
	}
}

func BootstrapWithTable(t *DispatchTable) option.Option[Bootstrap] {
	return func(b *Bootstrap) {
		b.table = t
	}
}

func BootstrapWithLogger(l *zap.Logger) option.Option[Bootstrap] {
	return func(b *Bootstrap) {
		b.logger = l
	}
}

// NewBootstrap prepares a provider that will be announced as instance.
// Without a registry Start and Stop only flip the lifecycle state.
func NewBootstrap(instance meta.InstanceMeta, opts ...option.Option[Bootstrap]) *Bootstrap {
	b := &Bootstrap{instance: instance}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logx.OrNop(b.logger)
	if b.table == nil {
		b.table = NewDispatchTable(DispatchWithLogger(b.logger))
	}
	return b
}

func (b *Bootstrap) Table() *DispatchTable {
	return b.table
}

func (b *Bootstrap) Instance() meta.InstanceMeta {
	return b.instance
}

func (b *Bootstrap) Export(iface reflect.Type, impl any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errStarted
	}
	if err := b.table.Export(iface, impl); err != nil {
		return err
	}
	b.logger.Info("service exported", zap.String("service", meta.ServiceName(iface)))
	return nil
}

// Start registers every exported service concurrently. If any registration
// fails, all of them are unregistered again before the error is returned.
func (b *Bootstrap) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errStarted
	}
	if b.registry != nil {
		services := b.table.Services()
		eg, egCtx := errgroup.WithContext(ctx)
		for _, service := range services {
			eg.Go(func() error {
				if err := b.registry.Register(egCtx, service, b.instance); err != nil {
					return fmt.Errorf("register %s: %w", service, err)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			_ = b.unregisterAll(context.WithoutCancel(ctx), services)
			return err
		}
	}
	b.started = true
	b.logger.Info("provider started",
		zap.String("addr", b.instance.Addr), zap.Strings("services", b.table.Services()))
	return nil
}

// Stop unregisters every service. Every unregistration is attempted even if
// some fail; the joined error is returned.
func (b *Bootstrap) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	var err error
	if b.registry != nil {
		err = b.unregisterAll(ctx, b.table.Services())
	}
	b.logger.Info("provider stopped", zap.String("addr", b.instance.Addr), zap.Error(err))
	return err
}

func (b *Bootstrap) unregisterAll(ctx context.Context, services []string) error {
	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, service := range services {
		eg.Go(func() error {
			if err := b.registry.Unregister(ctx, service, b.instance.Addr); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("unregister %s: %w", service, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}
