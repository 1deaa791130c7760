// Package provider owns the provider-side dispatch table (the skeleton): the
// mapping from (service, method signature) to a method bound at startup,
// and the execution of incoming requests against it.
package provider

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"knrpc/internal/errs"
	"knrpc/internal/logx"
	"knrpc/message"
	"knrpc/meta"
	"knrpc/method"
	"knrpc/types"
)

// DispatchTable is populated once during startup and read concurrently
// afterwards. Register must happen-before the first Dispatch; the read path
// takes no lock.
type DispatchTable struct {
	skeleton map[string][]*meta.ProviderMeta
	logger   *zap.Logger
}

func DispatchWithLogger(l *zap.Logger) option.Option[DispatchTable] {
	return func(t *DispatchTable) {
		t.logger = l
	}
}

func NewDispatchTable(opts ...option.Option[DispatchTable]) *DispatchTable {
	t := &DispatchTable{
		skeleton: make(map[string][]*meta.ProviderMeta),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logx.OrNop(t.logger)
	return t
}

// Register adds pm under service. A second registration of the same
// signature replaces the first in place: last write wins.
func (t *DispatchTable) Register(service string, pm *meta.ProviderMeta) {
	metas := t.skeleton[service]
	for i, old := range metas {
		if old.MethodSign == pm.MethodSign {
			t.logger.Warn("provider method replaced",
				zap.String("service", service), zap.String("methodSign", pm.MethodSign))
			metas[i] = pm
			return
		}
	}
	t.skeleton[service] = append(metas, pm)
	t.logger.Debug("provider method registered",
		zap.String("service", service), zap.String("methodSign", pm.MethodSign))
}

// Export binds every remote method of the interface iface (given as a
// reflect.Type of the interface) to impl and registers it under the
// interface's canonical name.
func (t *DispatchTable) Export(iface reflect.Type, impl any) error {
	metas, err := Bind(iface, impl)
	if err != nil {
		return err
	}
	for _, pm := range metas {
		t.Register(pm.Service, pm)
	}
	return nil
}

// Exporter is implemented by DispatchTable and Bootstrap.
type Exporter interface {
	Export(iface reflect.Type, impl any) error
}

// Export binds impl under the static interface type T:
//
//	provider.Export[api.UserService](table, &userServiceImpl{})
func Export[T any](e Exporter, impl T) error {
	return e.Export(reflect.TypeFor[T](), impl)
}

// Services lists the registered service identities, sorted.
func (t *DispatchTable) Services() []string {
	res := make([]string, 0, len(t.skeleton))
	for s := range t.skeleton {
		res = append(res, s)
	}
	sort.Strings(res)
	return res
}

// Lookup finds the method registered for (service, sign).
func (t *DispatchTable) Lookup(service, sign string) (*meta.ProviderMeta, bool) {
	for _, pm := range t.skeleton[service] {
		if pm.MethodSign == sign {
			return pm, true
		}
	}
	return nil, false
}

// Dispatch executes req and always returns exactly one Response: every
// failure, including a panic in the provider method, becomes a failure
// Response. The raw return value is not coerced here; the consumer coerces
// it against its own declared return type.
func (t *DispatchTable) Dispatch(ctx context.Context, req *message.Request) (resp *message.Response) {
	if method.IsLocalSign(req.MethodSign) {
		return message.Success(nil)
	}
	defer func() {
		if r := recover(); r != nil {
			resp = t.fail(req, fmt.Errorf("%w: panic: %v", errs.ErrInvocation, r))
		}
	}()

	pm, ok := t.Lookup(req.Service, req.MethodSign)
	if !ok {
		return t.fail(req, errs.NotFound(req.Service, req.MethodSign))
	}
	args, err := coerceArgs(req.Args, pm.ParamTypes)
	if err != nil {
		return t.fail(req, err)
	}
	result, err := pm.Invoke(ctx, args)
	if err != nil {
		return t.fail(req, fmt.Errorf("%w: %w", errs.ErrInvocation, err))
	}
	return message.Success(result)
}

func (t *DispatchTable) fail(req *message.Request, err error) *message.Response {
	t.logger.Warn("dispatch failed",
		zap.String("service", req.Service),
		zap.String("methodSign", req.MethodSign),
		zap.Error(err))
	return message.Failure(err)
}

func coerceArgs(args []any, paramTypes []reflect.Type) ([]reflect.Value, error) {
	if len(args) != len(paramTypes) {
		return nil, fmt.Errorf("%w: want %d arguments, got %d", errs.ErrTypeMismatch, len(paramTypes), len(args))
	}
	res := make([]reflect.Value, len(args))
	for i, arg := range args {
		v, err := types.Coerce(arg, paramTypes[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		res[i] = v
	}
	return res, nil
}
