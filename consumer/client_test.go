package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"knrpc/codec"
	"knrpc/internal/errs"
	"knrpc/meta"
	"knrpc/registry"
	"knrpc/transport/mocks"
)

func TestClient(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	defer reg.Close()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, userServiceName, instances[0]))

	c := NewClient(reg, nil, newLoopback(t, codec.CodecTypeJSON))
	s1, err := StubOf[UserService](ctx, c)
	require.NoError(t, err)
	s2, err := StubOf[UserService](ctx, c)
	require.NoError(t, err)
	assert.Len(t, c.watchers, 1)
	assert.Same(t, s1.source, s2.source)

	u, err := Call[*User](ctx, s1, "FindById", 100)
	require.NoError(t, err)
	assert.Equal(t, "Tom", u.Name)

	_, err = StubOf[User](ctx, c)
	assert.True(t, errors.Is(err, errs.ErrNotInterface))

	require.NoError(t, c.Close())
	assert.Empty(t, c.watchers)
}

type Greeter interface {
	Hello(name string) (string, error)
}

// blockingRegistry holds ListInstances of one service until released.
type blockingRegistry struct {
	registry.Registry
	service string
	release chan struct{}
}

func (r *blockingRegistry) ListInstances(ctx context.Context, service string) ([]meta.InstanceMeta, error) {
	if service == r.service {
		<-r.release
	}
	return r.Registry.ListInstances(ctx, service)
}

func TestClient_SlowServiceDoesNotBlockOthers(t *testing.T) {
	mem := registry.NewMemoryRegistry()
	defer mem.Close()
	reg := &blockingRegistry{Registry: mem, service: userServiceName, release: make(chan struct{})}
	c := NewClient(reg, nil, newLoopback(t, codec.CodecTypeJSON))
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() {
		_, err := StubOf[UserService](ctx, c)
		slow <- err
	}()

	fast := make(chan error, 1)
	go func() {
		_, err := StubOf[Greeter](ctx, c)
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stub for an unrelated service waited on a slow registry")
	}

	close(reg.release)
	require.NoError(t, <-slow)
	assert.Len(t, c.watchers, 2)

	require.NoError(t, c.Close())
	_, err := StubOf[Greeter](ctx, c)
	assert.ErrorIs(t, err, errClientClosed)
}

func TestClient_ConcurrentStubsShareWatcher(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	defer reg.Close()
	c := NewClient(reg, nil, newLoopback(t, codec.CodecTypeJSON))
	defer c.Close()

	stubs := make([]*Stub, 8)
	var wg sync.WaitGroup
	for i := range stubs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := StubOf[UserService](context.Background(), c)
			if assert.NoError(t, err) {
				stubs[i] = s
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, c.watchers, 1)
	for _, s := range stubs[1:] {
		assert.Same(t, stubs[0].source, s.source)
	}
}

func TestClient_CloseTransport(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	tr.EXPECT().Close().Return(errors.New("already closed"))

	c := NewClient(registry.NewMemoryRegistry(), nil, tr)
	assert.EqualError(t, c.Close(), "already closed")
}
