// Package types reconciles loosely typed decoded values (float64 numbers,
// map[string]any records, []any lists) with the static types declared at a
// call site. The declared type always wins over the wire representation.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"

	"knrpc/internal/errs"
	"knrpc/method"
)

var jsonNumberType = reflect.TypeOf(json.Number(""))

// Coerce converts value to target. Conversions that would lose information,
// like 1.5 into an int or 300 into an int8, fail with errs.ErrTypeMismatch.
func Coerce(value any, target reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(target), nil
	}
	v := reflect.ValueOf(value)
	if v.Type().AssignableTo(target) {
		out := reflect.New(target).Elem()
		out.Set(v)
		return out, nil
	}
	switch target.Kind() {
	case reflect.Pointer:
		elem, err := Coerce(value, target.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(target.Elem())
		ptr.Elem().Set(elem)
		return ptr, nil
	case reflect.Bool:
		b, err := cast.ToBoolE(value)
		if err != nil {
			return reflect.Value{}, mismatch(value, target)
		}
		return reflect.ValueOf(b).Convert(target), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if !integral(value) || !inRange(value, math.MinInt64, -math.MinInt64) {
			return reflect.Value{}, mismatch(value, target)
		}
		i, err := cast.ToInt64E(value)
		if err != nil {
			return reflect.Value{}, mismatch(value, target)
		}
		out := reflect.New(target).Elem()
		if out.OverflowInt(i) {
			return reflect.Value{}, mismatch(value, target)
		}
		out.SetInt(i)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if !integral(value) || !inRange(value, 0, math.MaxUint64) {
			return reflect.Value{}, mismatch(value, target)
		}
		u, err := cast.ToUint64E(value)
		if err != nil {
			return reflect.Value{}, mismatch(value, target)
		}
		out := reflect.New(target).Elem()
		if out.OverflowUint(u) {
			return reflect.Value{}, mismatch(value, target)
		}
		out.SetUint(u)
		return out, nil
	case reflect.Float32, reflect.Float64:
		f, err := cast.ToFloat64E(value)
		if err != nil {
			return reflect.Value{}, mismatch(value, target)
		}
		out := reflect.New(target).Elem()
		if out.OverflowFloat(f) {
			return reflect.Value{}, mismatch(value, target)
		}
		out.SetFloat(f)
		return out, nil
	case reflect.String:
		s, err := cast.ToStringE(value)
		if err != nil {
			return reflect.Value{}, mismatch(value, target)
		}
		return reflect.ValueOf(s).Convert(target), nil
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Interface:
		return decode(value, target)
	default:
		return reflect.Value{}, mismatch(value, target)
	}
}

// To is Coerce for a static target type.
func To[T any](value any) (T, error) {
	var zero T
	v, err := Coerce(value, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	return v.Interface().(T), nil
}

// decode rebuilds records and collections with mapstructure, matching
// fields by their json tag and falling back to a case-insensitive name match.
func decode(value any, target reflect.Type) (reflect.Value, error) {
	out := reflect.New(target)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out.Interface(),
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			losslessHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err = dec.Decode(value); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %s: %v", errs.ErrTypeMismatch, method.TypeName(target), err)
	}
	return out.Elem(), nil
}

// losslessHook runs numbers headed for numeric fields through Coerce, so
// nested values get the same fraction, overflow and sign checks as top-level
// ones. mapstructure alone would truncate them.
func losslessHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
	default:
		return data, nil
	}
	if from == nil || !numeric(from) {
		return data, nil
	}
	v, err := Coerce(data, to)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func numeric(t reflect.Type) bool {
	if t == jsonNumberType {
		return true
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// inRange rejects floats outside [lo, hi), whose integer conversion is
// undefined. Other values are range checked after conversion.
func inRange(value any, lo, hi float64) bool {
	var f float64
	switch x := value.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	default:
		return true
	}
	return f >= lo && f < hi
}

func integral(value any) bool {
	switch f := value.(type) {
	case float64:
		return f == math.Trunc(f) && !math.IsInf(f, 0)
	case float32:
		return float64(f) == math.Trunc(float64(f)) && !math.IsInf(float64(f), 0)
	default:
		return true
	}
}

func mismatch(value any, target reflect.Type) error {
	return errs.TypeMismatch(value, method.TypeName(target))
}
