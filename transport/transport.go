// Package transport moves a message.Request to a provider address and brings
// the message.Response back. The core only depends on the Transport
// interface; TCPTransport (binary frames over pooled or multiplexed
// connections) and HTTPTransport (JSON over HTTP POST) are the shipped
// implementations.
package transport

import (
	"context"
	"fmt"
	"io"

	"knrpc/internal/errs"
	"knrpc/message"
)

// Transport is the out-of-core collaborator that performs the network
// round trip. Every error it returns wraps errs.ErrTransport; a provider
// side failure is never an error here but a Response with Status false.
type Transport interface {
	Send(ctx context.Context, req *message.Request, addr string) (*message.Response, error)
	io.Closer
}

func wrap(addr string, err error) error {
	return fmt.Errorf("%w: %s: %w", errs.ErrTransport, addr, err)
}
