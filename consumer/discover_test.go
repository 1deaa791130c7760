package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"knrpc/meta"
	"knrpc/registry"
	"knrpc/registry/mocks"
)

func TestDiscover(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	defer reg.Close()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, userServiceName, instances[0]))

	ins, err := Discover(ctx, reg, userServiceName)
	require.NoError(t, err)
	assert.Equal(t, Static{instances[0]}, ins)

	ctrl := gomock.NewController(t)
	broken := mocks.NewMockRegistry(ctrl)
	broken.EXPECT().ListInstances(gomock.Any(), userServiceName).Return(nil, errors.New("etcd down"))
	_, err = Discover(ctx, broken, userServiceName)
	assert.EqualError(t, err, "etcd down")
}

func TestWatcher(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	defer reg.Close()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, userServiceName, instances[0]))

	w, err := NewWatcher(ctx, reg, userServiceName)
	require.NoError(t, err)
	assert.Equal(t, []meta.InstanceMeta{instances[0]}, w.Instances())

	// a snapshot taken earlier is never changed underneath its holder
	before := w.Instances()
	require.NoError(t, reg.Register(ctx, userServiceName, instances[1]))
	assert.Eventually(t, func() bool {
		return len(w.Instances()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, before, 1)

	require.NoError(t, reg.Unregister(ctx, userServiceName, instances[0].Addr))
	assert.Eventually(t, func() bool {
		ins := w.Instances()
		return len(ins) == 1 && ins[0].Addr == instances[1].Addr
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, w.Close())
	assert.Len(t, w.Instances(), 1)
}

func TestWatcher_WatchError(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	reg.EXPECT().Watch(gomock.Any(), userServiceName).Return(nil, errors.New("watch refused"))

	_, err := NewWatcher(context.Background(), reg, userServiceName)
	assert.EqualError(t, err, "watch refused")
}

func TestWatcher_ListError(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	var watchCtx context.Context
	reg.EXPECT().Watch(gomock.Any(), userServiceName).
		DoAndReturn(func(ctx context.Context, service string) (<-chan []meta.InstanceMeta, error) {
			watchCtx = ctx
			return make(chan []meta.InstanceMeta), nil
		})
	reg.EXPECT().ListInstances(gomock.Any(), userServiceName).Return(nil, errors.New("etcd down"))

	_, err := NewWatcher(context.Background(), reg, userServiceName)
	assert.EqualError(t, err, "etcd down")
	// the watch opened first is released again
	assert.Error(t, watchCtx.Err())
}

func TestWatcher_ChangeBetweenWatchAndList(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	ch := make(chan []meta.InstanceMeta, 1)
	gomock.InOrder(
		reg.EXPECT().Watch(gomock.Any(), userServiceName).Return((<-chan []meta.InstanceMeta)(ch), nil),
		reg.EXPECT().ListInstances(gomock.Any(), userServiceName).
			DoAndReturn(func(ctx context.Context, service string) ([]meta.InstanceMeta, error) {
				// an instance registers right after the list was read
				ch <- []meta.InstanceMeta{instances[0], instances[1]}
				return []meta.InstanceMeta{instances[0]}, nil
			}),
	)

	w, err := NewWatcher(context.Background(), reg, userServiceName)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(w.Instances()) == 2
	}, time.Second, 10*time.Millisecond)

	close(ch)
	require.NoError(t, w.Close())
}
