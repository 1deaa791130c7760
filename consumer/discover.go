package consumer

import (
	"context"
	"sync/atomic"

	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"knrpc/internal/logx"
	"knrpc/meta"
	"knrpc/registry"
)

// InstanceSource hands out the candidate snapshot for one call. A Stub reads
// it exactly once per call, so a concurrent update is never observed
// halfway through.
type InstanceSource interface {
	Instances() []meta.InstanceMeta
}

// Static is a fixed snapshot.
type Static []meta.InstanceMeta

func (s Static) Instances() []meta.InstanceMeta {
	return s
}

// Discover lists the current instances of service once.
func Discover(ctx context.Context, reg registry.Registry, service string) (Static, error) {
	ins, err := reg.ListInstances(ctx, service)
	if err != nil {
		return nil, err
	}
	return Static(ins), nil
}

// Watcher follows a service in the registry and swaps in a fresh snapshot
// on every change.
type Watcher struct {
	service  string
	snapshot atomic.Pointer[[]meta.InstanceMeta]
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *zap.Logger
}

func WatcherWithLogger(l *zap.Logger) option.Option[Watcher] {
	return func(w *Watcher) {
		w.logger = l
	}
}

// NewWatcher loads the initial snapshot, then keeps it current until ctx is
// done or Close is called.
func NewWatcher(ctx context.Context, reg registry.Registry, service string, opts ...option.Option[Watcher]) (*Watcher, error) {
	w := &Watcher{
		service: service,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logx.OrNop(w.logger)

	// watch before listing, a change in between is then delivered by the
	// watch instead of being lost
	watchCtx, cancel := context.WithCancel(ctx)
	ch, err := reg.Watch(watchCtx, service)
	if err != nil {
		cancel()
		return nil, err
	}
	ins, err := reg.ListInstances(ctx, service)
	if err != nil {
		cancel()
		return nil, err
	}
	w.cancel = cancel
	w.snapshot.Store(&ins)
	go w.loop(ch)
	return w, nil
}

func (w *Watcher) loop(ch <-chan []meta.InstanceMeta) {
	defer close(w.done)
	for ins := range ch {
		w.snapshot.Store(&ins)
		w.logger.Debug("instances updated",
			zap.String("service", w.service), zap.Int("count", len(ins)))
	}
}

func (w *Watcher) Instances() []meta.InstanceMeta {
	return *w.snapshot.Load()
}

// Close stops following the registry. The last snapshot stays readable.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}
