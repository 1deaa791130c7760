// Package errs holds the error taxonomy shared by the consumer and provider sides.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no provider method matches the requested (service, signature).
	ErrNotFound = errors.New("knrpc: provider method not found")
	// ErrInvocation wraps a failure raised by the provider method itself.
	ErrInvocation = errors.New("knrpc: invocation failed")
	// ErrTypeMismatch means a value could not be coerced to its declared type.
	ErrTypeMismatch = errors.New("knrpc: type mismatch")
	// ErrEmptyCandidates is returned by a load balancer given no instances.
	ErrEmptyCandidates = errors.New("knrpc: no candidate instances")
	// ErrTransport wraps network and timeout failures from a transport.
	ErrTransport = errors.New("knrpc: transport failure")
	// ErrRemote marks errors carried back inside a failure response.
	ErrRemote = errors.New("knrpc: remote call failed")

	ErrInvalidService = errors.New("knrpc: service must be a pointer to a struct")
	ErrNotInterface   = errors.New("knrpc: service identity must be an interface type")
)

func NotFound(service, sign string) error {
	return fmt.Errorf("%w: service=%s methodSign=%s", ErrNotFound, service, sign)
}

func TypeMismatch(value any, target string) error {
	return fmt.Errorf("%w: cannot convert %v (%T) to %s", ErrTypeMismatch, value, value, target)
}

// RemoteError is what a caller sees for a failure response. Only the
// description crosses the wire, the provider's error type is lost.
type RemoteError struct {
	Service    string
	MethodSign string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("knrpc: remote %s#%s: %s", e.Service, e.MethodSign, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}
