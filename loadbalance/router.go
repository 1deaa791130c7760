package loadbalance

import "knrpc/meta"

// Router narrows an instance snapshot to the viable candidates. It must
// not mutate its input.
type Router interface {
	Route(instances []meta.InstanceMeta) []meta.InstanceMeta
}

// RouterFunc adapts a plain function to Router.
type RouterFunc func(instances []meta.InstanceMeta) []meta.InstanceMeta

func (f RouterFunc) Route(instances []meta.InstanceMeta) []meta.InstanceMeta {
	return f(instances)
}

// Identity is the default router: every instance is a candidate.
var Identity Router = RouterFunc(func(instances []meta.InstanceMeta) []meta.InstanceMeta {
	return instances
})

// MetadataRouter keeps instances whose metadata Key equals Value,
// e.g. {Key: "region", Value: "bj"}.
type MetadataRouter struct {
	Key   string
	Value string
}

func (r MetadataRouter) Route(instances []meta.InstanceMeta) []meta.InstanceMeta {
	res := make([]meta.InstanceMeta, 0, len(instances))
	for _, ins := range instances {
		if ins.Get(r.Key) == r.Value {
			res = append(res, ins)
		}
	}
	return res
}

// Chain applies routers in order.
func Chain(routers ...Router) Router {
	return RouterFunc(func(instances []meta.InstanceMeta) []meta.InstanceMeta {
		for _, r := range routers {
			instances = r.Route(instances)
		}
		return instances
	})
}
