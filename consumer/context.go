// Package consumer turns local calls into remote ones: a Stub builds the
// request, lets the RPCContext's router and load balancer pick one instance,
// sends the request through a Transport and coerces the result back into the
// caller's declared type.
package consumer

import "knrpc/loadbalance"

// RPCContext is the process-wide policy bundle shared read-only by every
// Stub.
type RPCContext struct {
	router   loadbalance.Router
	balancer loadbalance.LoadBalancer
}

// NewRPCContext falls back to the identity router and a round-robin
// balancer for nil arguments.
func NewRPCContext(router loadbalance.Router, balancer loadbalance.LoadBalancer) *RPCContext {
	if router == nil {
		router = loadbalance.Identity
	}
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	return &RPCContext{router: router, balancer: balancer}
}

func (c *RPCContext) Router() loadbalance.Router {
	return c.router
}

func (c *RPCContext) LoadBalancer() loadbalance.LoadBalancer {
	return c.balancer
}
