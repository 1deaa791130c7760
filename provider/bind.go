package provider

import (
	"context"
	"fmt"
	"reflect"

	"knrpc/internal/errs"
	"knrpc/meta"
	"knrpc/method"
)

// Bind pairs every remote method of iface with impl's implementation. This
// is the only place reflection looks methods up; the hot path only calls the
// bound values.
func Bind(iface reflect.Type, impl any) ([]*meta.ProviderMeta, error) {
	if iface.Kind() != reflect.Interface {
		return nil, fmt.Errorf("%w: got %s", errs.ErrNotInterface, iface)
	}
	implVal := reflect.ValueOf(impl)
	if !implVal.IsValid() || !implVal.Type().Implements(iface) {
		return nil, fmt.Errorf("knrpc: %T does not implement %s", impl, meta.ServiceName(iface))
	}
	service := meta.ServiceName(iface)
	res := make([]*meta.ProviderMeta, 0, iface.NumMethod())
	for i := 0; i < iface.NumMethod(); i++ {
		m := iface.Method(i)
		if method.IsLocal(m.Name) {
			continue
		}
		if m.Type.IsVariadic() {
			return nil, fmt.Errorf("knrpc: %s.%s: variadic methods are not supported", service, m.Name)
		}
		invoke, err := bindMethod(implVal.MethodByName(m.Name))
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", service, m.Name, err)
		}
		params, _ := method.Params(m.Type)
		res = append(res, &meta.ProviderMeta{
			Service:    service,
			MethodSign: method.SignOf(m.Name, m.Type),
			ParamTypes: params,
			Invoke:     invoke,
		})
	}
	return res, nil
}

func bindMethod(fn reflect.Value) (meta.Invoker, error) {
	fnType := fn.Type()
	_, withCtx := method.Params(fnType)
	_, hasErr, err := method.Results(fnType)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, args []reflect.Value) (any, error) {
		in := args
		if withCtx {
			if ctx == nil {
				ctx = context.Background()
			}
			in = make([]reflect.Value, 0, len(args)+1)
			in = append(in, reflect.ValueOf(ctx))
			in = append(in, args...)
		}
		out := fn.Call(in)
		var callErr error
		if hasErr {
			if e := out[len(out)-1]; !e.IsNil() {
				callErr = e.Interface().(error)
			}
			out = out[:len(out)-1]
		}
		if len(out) == 0 {
			return nil, callErr
		}
		return out[0].Interface(), callErr
	}, nil
}
