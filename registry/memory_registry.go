package registry

import (
	"context"
	"sync"

	"knrpc/meta"
)

// MemoryRegistry keeps instances in process. It backs tests and
// single-process deployments where no external registry is available.
type MemoryRegistry struct {
	mu        sync.RWMutex
	instances map[string][]meta.InstanceMeta
	watchers  map[string][]chan []meta.InstanceMeta
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]meta.InstanceMeta),
		watchers:  make(map[string][]chan []meta.InstanceMeta),
	}
}

// Register replaces an existing entry with the same address.
func (m *MemoryRegistry) Register(_ context.Context, service string, instance meta.InstanceMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[service]
	replaced := false
	for i, ins := range insts {
		if ins.Addr == instance.Addr {
			insts[i] = instance
			replaced = true
			break
		}
	}
	if !replaced {
		insts = append(insts, instance)
	}
	m.instances[service] = insts
	m.notify(service)
	return nil
}

func (m *MemoryRegistry) Unregister(_ context.Context, service string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[service]
	res := make([]meta.InstanceMeta, 0, len(insts))
	for _, ins := range insts {
		if ins.Addr != addr {
			res = append(res, ins)
		}
	}
	m.instances[service] = res
	m.notify(service)
	return nil
}

// ListInstances returns a copy, callers may keep it as a snapshot.
func (m *MemoryRegistry) ListInstances(_ context.Context, service string) ([]meta.InstanceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot(service), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, service string) (<-chan []meta.InstanceMeta, error) {
	ch := make(chan []meta.InstanceMeta, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i], ws[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// Close ends every watch.
func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for service, ws := range m.watchers {
		for _, w := range ws {
			close(w)
		}
		delete(m.watchers, service)
	}
	return nil
}

func (m *MemoryRegistry) snapshot(service string) []meta.InstanceMeta {
	return append([]meta.InstanceMeta(nil), m.instances[service]...)
}

// notify must run under m.mu. A slow watcher only sees the latest list.
func (m *MemoryRegistry) notify(service string) {
	for _, w := range m.watchers[service] {
		select {
		case <-w:
		default:
		}
		w <- m.snapshot(service)
	}
}
