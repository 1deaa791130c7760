package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"knrpc/internal/errs"
	"knrpc/internal/logx"
	"knrpc/message"
	"knrpc/meta"
	"knrpc/method"
	"knrpc/transport"
	"knrpc/types"
)

// Stub is the consumer-side proxy of one service interface. It is safe for
// concurrent use; each call is independent and leaves nothing pending once
// it returns.
type Stub struct {
	service   string
	methods   map[string]methodInfo
	rctx      *RPCContext
	source    InstanceSource
	transport transport.Transport
	logger    *zap.Logger
}

type methodInfo struct {
	sign   string
	arity  int
	result reflect.Type // nil when the method only returns an error
}

func StubWithLogger(l *zap.Logger) option.Option[Stub] {
	return func(s *Stub) {
		s.logger = l
	}
}

// NewStub builds the proxy for the interface type iface. Method signatures
// are computed once here, with the same rules the provider applies.
func NewStub(iface reflect.Type, rctx *RPCContext, source InstanceSource, tr transport.Transport,
	opts ...option.Option[Stub]) (*Stub, error) {
	if iface.Kind() != reflect.Interface {
		return nil, fmt.Errorf("%w: got %s", errs.ErrNotInterface, iface)
	}
	if source == nil || tr == nil {
		return nil, errors.New("knrpc: a stub needs an instance source and a transport")
	}
	s := &Stub{
		service:   meta.ServiceName(iface),
		methods:   make(map[string]methodInfo, iface.NumMethod()),
		rctx:      rctx,
		source:    source,
		transport: tr,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logx.OrNop(s.logger)
	if s.rctx == nil {
		s.rctx = NewRPCContext(nil, nil)
	}
	for i := 0; i < iface.NumMethod(); i++ {
		m := iface.Method(i)
		info, err := newMethodInfo(m.Name, m.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.service, m.Name, err)
		}
		s.methods[m.Name] = info
	}
	return s, nil
}

// NewStubFor is NewStub for a static interface type.
func NewStubFor[T any](rctx *RPCContext, source InstanceSource, tr transport.Transport,
	opts ...option.Option[Stub]) (*Stub, error) {
	return NewStub(reflect.TypeFor[T](), rctx, source, tr, opts...)
}

func newMethodInfo(name string, fnType reflect.Type) (methodInfo, error) {
	result, _, err := method.Results(fnType)
	if err != nil {
		return methodInfo{}, err
	}
	params, _ := method.Params(fnType)
	return methodInfo{
		sign:   method.SignOf(name, fnType),
		arity:  len(params),
		result: result,
	}, nil
}

func (s *Stub) Service() string {
	return s.service
}

// Invoke calls the interface method name with args in declaration order,
// without the context. The result is coerced to the method's declared
// return type; local methods return that type's zero value without any
// network call.
func (s *Stub) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	info, ok := s.methods[name]
	if !ok {
		return nil, fmt.Errorf("knrpc: %s has no method %s", s.service, name)
	}
	if len(args) != info.arity {
		return nil, fmt.Errorf("%w: %s.%s wants %d arguments, got %d",
			errs.ErrTypeMismatch, s.service, name, info.arity, len(args))
	}
	return s.InvokeSign(ctx, info.sign, args, info.result)
}

// InvokeSign is the raw call path: one request for sign, sent to exactly
// one instance with no retry. resultType may be nil when no value is
// expected back.
func (s *Stub) InvokeSign(ctx context.Context, sign string, args []any, resultType reflect.Type) (any, error) {
	if method.IsLocalSign(sign) {
		if resultType == nil {
			return nil, nil
		}
		return reflect.Zero(resultType).Interface(), nil
	}
	req := &message.Request{
		Service:    s.service,
		MethodSign: sign,
		Args:       args,
	}

	// one snapshot per call
	candidates := s.rctx.Router().Route(s.source.Instances())
	ins, err := s.rctx.LoadBalancer().Choose(candidates)
	if err != nil {
		return nil, fmt.Errorf("knrpc: %s#%s: %w", s.service, sign, err)
	}
	s.logger.Debug("instance chosen",
		zap.String("service", s.service),
		zap.String("methodSign", sign),
		zap.String("addr", ins.Addr),
		zap.String("balancer", s.rctx.LoadBalancer().Name()))

	resp, err := s.transport.Send(ctx, req, ins.Addr)
	if err != nil {
		if !errors.Is(err, errs.ErrTransport) {
			err = fmt.Errorf("%w: %s: %w", errs.ErrTransport, ins.Addr, err)
		}
		return nil, fmt.Errorf("knrpc: %s#%s: %w", s.service, sign, err)
	}
	if !resp.Status {
		return nil, &errs.RemoteError{Service: s.service, MethodSign: sign, Message: resp.Ex}
	}
	if resultType == nil {
		return nil, nil
	}
	v, err := types.Coerce(resp.Data, resultType)
	if err != nil {
		return nil, fmt.Errorf("knrpc: %s#%s result: %w", s.service, sign, err)
	}
	return v.Interface(), nil
}

// Call is Invoke with the result asserted to R.
func Call[R any](ctx context.Context, s *Stub, name string, args ...any) (R, error) {
	var zero R
	res, err := s.Invoke(ctx, name, args...)
	if err != nil || res == nil {
		return zero, err
	}
	r, ok := res.(R)
	if !ok {
		return zero, errs.TypeMismatch(res, reflect.TypeFor[R]().String())
	}
	return r, nil
}

// Exec is Invoke for methods that only return an error.
func Exec(ctx context.Context, s *Stub, name string, args ...any) error {
	_, err := s.Invoke(ctx, name, args...)
	return err
}
