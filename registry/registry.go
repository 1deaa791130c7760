// Package registry defines the service-instance directory the core talks to
// and ships etcd, redis and in-memory implementations of it.
//
// Providers call Register when they start serving a service and Unregister
// when they stop; consumers call ListInstances (or Watch) to obtain the
// candidate snapshot that is fed into the router.
package registry

import (
	"context"
	"io"

	"knrpc/meta"
)

type Registry interface {
	Register(ctx context.Context, service string, instance meta.InstanceMeta) error
	Unregister(ctx context.Context, service string, addr string) error
	ListInstances(ctx context.Context, service string) ([]meta.InstanceMeta, error)
	// Watch emits the full instance list every time it changes, until ctx
	// is done. The channel is closed afterwards.
	Watch(ctx context.Context, service string) (<-chan []meta.InstanceMeta, error)
	io.Closer
}
