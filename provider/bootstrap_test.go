package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"knrpc/meta"
	"knrpc/registry"
	"knrpc/registry/mocks"
)

type Greeter interface {
	Hello(name string) (string, error)
}

type greeter struct{}

func (greeter) Hello(name string) (string, error) {
	return "hello " + name, nil
}

func TestBootstrap_Lifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	instance := meta.NewInstance("127.0.0.1:8081", meta.KeyRegion, "bj")

	b := NewBootstrap(instance, BootstrapWithRegistry(reg))
	require.NoError(t, Export[UserService](b, newUserService()))
	require.NoError(t, Export[Greeter](b, greeter{}))

	reg.EXPECT().Register(gomock.Any(), userServiceName, instance).Return(nil)
	reg.EXPECT().Register(gomock.Any(), meta.ServiceOf[Greeter](), instance).Return(nil)
	require.NoError(t, b.Start(context.Background()))

	// the table is frozen once serving
	assert.ErrorIs(t, Export[Greeter](b, greeter{}), errStarted)
	assert.ErrorIs(t, b.Start(context.Background()), errStarted)

	reg.EXPECT().Unregister(gomock.Any(), userServiceName, instance.Addr).Return(nil)
	reg.EXPECT().Unregister(gomock.Any(), meta.ServiceOf[Greeter](), instance.Addr).Return(errors.New("etcd down"))
	err := b.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd down")

	// stopping twice is a no-op
	assert.NoError(t, b.Stop(context.Background()))
}

func TestBootstrap_StartRollback(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	instance := meta.NewInstance("127.0.0.1:8082")

	b := NewBootstrap(instance, BootstrapWithRegistry(reg))
	require.NoError(t, Export[UserService](b, newUserService()))
	require.NoError(t, Export[Greeter](b, greeter{}))

	reg.EXPECT().Register(gomock.Any(), userServiceName, instance).Return(nil).AnyTimes()
	reg.EXPECT().Register(gomock.Any(), meta.ServiceOf[Greeter](), instance).Return(errors.New("lease failed"))
	reg.EXPECT().Unregister(gomock.Any(), gomock.Any(), instance.Addr).Return(nil).Times(2)

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease failed")
}

func TestBootstrap_MemoryRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	defer reg.Close()
	instance := meta.NewInstance("127.0.0.1:8083")

	b := NewBootstrap(instance, BootstrapWithRegistry(reg))
	require.NoError(t, Export[Greeter](b, greeter{}))
	require.NoError(t, b.Start(context.Background()))

	ins, err := reg.ListInstances(context.Background(), meta.ServiceOf[Greeter]())
	require.NoError(t, err)
	assert.Equal(t, []meta.InstanceMeta{instance}, ins)

	require.NoError(t, b.Stop(context.Background()))
	ins, err = reg.ListInstances(context.Background(), meta.ServiceOf[Greeter]())
	require.NoError(t, err)
	assert.Empty(t, ins)
}
