// Package method computes the signature strings that consumers and providers
// use to agree on method identity.
//
// A signature has the form
//
//	name@arity_paramType1_paramType2_..._paramTypeN
//
// e.g. "FindById@1_int" or "FindById@2_int_string". Two methods are
// call-compatible iff their signatures are equal, so overloads are resolved by
// the parameter type list and not by the name alone.
package method

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// local methods never go over the wire.
var localMethods = map[string]struct{}{
	"String":      {},
	"GoString":    {},
	"Equal":       {},
	"Hash":        {},
	"ServiceName": {},
}

// Sign builds the signature of a method from its name and the canonical
// names of its parameter types.
func Sign(name string, paramTypes ...string) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('@')
	sb.WriteString(strconv.Itoa(len(paramTypes)))
	for _, p := range paramTypes {
		sb.WriteByte('_')
		sb.WriteString(p)
	}
	return sb.String()
}

// SignOf computes the signature of a function type registered under name.
// A leading context.Context parameter is not part of the signature.
func SignOf(name string, fnType reflect.Type) string {
	params, _ := Params(fnType)
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = TypeName(p)
	}
	return Sign(name, names...)
}

// Params returns the wire-visible parameter types of fnType and whether the
// function takes a leading context.Context.
func Params(fnType reflect.Type) ([]reflect.Type, bool) {
	n := fnType.NumIn()
	start := 0
	if n > 0 && fnType.In(0) == contextType {
		start = 1
	}
	params := make([]reflect.Type, 0, n-start)
	for i := start; i < n; i++ {
		params = append(params, fnType.In(i))
	}
	return params, start == 1
}

// Results splits the result list of fnType into the value type (nil when the
// function returns only an error or nothing) and whether the last result is
// an error. Functions with more than one non-error result are rejected.
func Results(fnType reflect.Type) (reflect.Type, bool, error) {
	n := fnType.NumOut()
	hasErr := n > 0 && fnType.Out(n-1) == errorType
	if hasErr {
		n--
	}
	switch n {
	case 0:
		return nil, hasErr, nil
	case 1:
		return fnType.Out(0), hasErr, nil
	default:
		return nil, hasErr, fmt.Errorf("knrpc: %s returns %d values, at most one value and an error are supported", fnType, fnType.NumOut())
	}
}

// TypeName is the canonical, process-independent name of t: predeclared
// types by name, named types as "pkgpath.Name", composites spelled out.
func TypeName(t reflect.Type) string {
	if t.Name() != "" {
		if t.PkgPath() == "" {
			return t.Name()
		}
		return t.PkgPath() + "." + t.Name()
	}
	switch t.Kind() {
	case reflect.Pointer:
		return "*" + TypeName(t.Elem())
	case reflect.Slice:
		return "[]" + TypeName(t.Elem())
	case reflect.Array:
		return "[" + strconv.Itoa(t.Len()) + "]" + TypeName(t.Elem())
	case reflect.Map:
		return "map[" + TypeName(t.Key()) + "]" + TypeName(t.Elem())
	default:
		return t.String()
	}
}

// IsLocal reports whether a method name is handled locally and excluded
// from remote dispatch. The same predicate runs on both sides.
func IsLocal(name string) bool {
	_, ok := localMethods[name]
	return ok
}

// IsLocalSign applies IsLocal to the name part of a signature.
func IsLocalSign(sign string) bool {
	name, _, _ := strings.Cut(sign, "@")
	return IsLocal(name)
}
