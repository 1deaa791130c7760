// Package meta holds the descriptors the core passes around: service
// identities, provider instances and bound provider methods.
package meta

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"knrpc/method"
)

// Well-known instance metadata keys.
const (
	KeyWeight  = "weight"
	KeyRegion  = "region"
	KeyVersion = "version"
	KeyScheme  = "scheme"
)

// ServiceName returns the ServiceIdentity of an interface type: its
// canonical type name, e.g. "knrpc/demo/api.UserService".
func ServiceName(iface reflect.Type) string {
	if iface.Kind() == reflect.Pointer {
		iface = iface.Elem()
	}
	return method.TypeName(iface)
}

// ServiceOf is ServiceName for a static interface type.
func ServiceOf[T any]() string {
	return ServiceName(reflect.TypeOf((*T)(nil)).Elem())
}

// InstanceMeta describes one live provider process. Lists of InstanceMeta are
// snapshots: nothing in the core mutates them.
type InstanceMeta struct {
	Addr     string            `json:"addr"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func NewInstance(addr string, kv ...string) InstanceMeta {
	ins := InstanceMeta{Addr: addr}
	if len(kv) > 0 {
		ins.Metadata = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			ins.Metadata[kv[i]] = kv[i+1]
		}
	}
	return ins
}

// Get returns a metadata value, "" when absent.
func (m InstanceMeta) Get(key string) string {
	return m.Metadata[key]
}

// Weight parses the "weight" metadata. Missing or malformed weights count as 1.
func (m InstanceMeta) Weight() int {
	w, err := strconv.Atoi(m.Metadata[KeyWeight])
	if err != nil || w <= 0 {
		return 1
	}
	return w
}

func (m InstanceMeta) String() string {
	if len(m.Metadata) == 0 {
		return m.Addr
	}
	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + m.Metadata[k]
	}
	return fmt.Sprintf("%s{%s}", m.Addr, strings.Join(pairs, ","))
}

// Invoker is a provider method bound at registration time. Arguments are
// already coerced to ParamTypes when it runs.
type Invoker func(ctx context.Context, args []reflect.Value) (any, error)

// ProviderMeta is one exposed method of a service. It is created once at
// startup and never changes afterwards.
type ProviderMeta struct {
	Service    string
	MethodSign string
	ParamTypes []reflect.Type
	Invoke     Invoker
}

func (p *ProviderMeta) String() string {
	return p.Service + "#" + p.MethodSign
}
