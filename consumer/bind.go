package consumer

import (
	"context"
	"fmt"
	"reflect"

	"knrpc/internal/errs"
	"knrpc/method"
)

var errorType = reflect.TypeFor[error]()

// Bind fills every exported func field of the struct ptr points to with a
// remote call through s. The method name is the field name, or the value
// of an `rpc` tag. Fields must return an error last:
//
//	type UserClient struct {
//		GetUser func(ctx context.Context, id int64) (*api.User, error)
//		Ping    func() error `rpc:"Ping"`
//	}
func Bind(s *Stub, ptr any) error {
	val := reflect.ValueOf(ptr)
	if val.Kind() != reflect.Pointer || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: got %T", errs.ErrInvalidService, ptr)
	}
	elem := val.Elem()
	typ := elem.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := elem.Field(i)
		if field.Type.Kind() != reflect.Func || !fieldVal.CanSet() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("rpc"); ok && tag != "" {
			name = tag
		}
		fn, err := s.makeFunc(name, field.Type)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", typ.Name(), field.Name, err)
		}
		fieldVal.Set(fn)
	}
	return nil
}

func (s *Stub) makeFunc(name string, fnType reflect.Type) (reflect.Value, error) {
	n := fnType.NumOut()
	if n == 0 || fnType.Out(n-1) != errorType {
		return reflect.Value{}, fmt.Errorf("knrpc: %s must return an error last", fnType)
	}
	info, err := newMethodInfo(name, fnType)
	if err != nil {
		return reflect.Value{}, err
	}
	_, withCtx := method.Params(fnType)
	local := method.IsLocal(name)

	return reflect.MakeFunc(fnType, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if withCtx {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			in = in[1:]
		}
		args := make([]any, len(in))
		for i, arg := range in {
			args[i] = arg.Interface()
		}
		var (
			res any
			err error
		)
		if !local {
			res, err = s.InvokeSign(ctx, info.sign, args, info.result)
		}
		return results(fnType, info.result, res, err)
	}), nil
}

func results(fnType reflect.Type, resultType reflect.Type, res any, err error) []reflect.Value {
	out := make([]reflect.Value, 0, fnType.NumOut())
	if resultType != nil {
		if err != nil || res == nil {
			out = append(out, reflect.Zero(resultType))
		} else {
			v := reflect.New(resultType).Elem()
			v.Set(reflect.ValueOf(res))
			out = append(out, v)
		}
	}
	if err != nil {
		out = append(out, reflect.ValueOf(&err).Elem())
	} else {
		out = append(out, reflect.Zero(errorType))
	}
	return out
}
