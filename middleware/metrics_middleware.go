package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"knrpc/message"
)

// MetricsBuilder exports dispatch latency, failure count and in-flight
// requests, labelled by service and method signature.
type MetricsBuilder struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	// Address is attached as a constant label, usually the advertised
	// instance address.
	Address string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

func (b *MetricsBuilder) Build() (Middleware, error) {
	constLabels := prometheus.Labels{"address": b.Address, "kind": "provider"}
	labels := []string{"service", "method"}
	summaryVec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:   b.Namespace,
		Subsystem:   b.Subsystem,
		Name:        b.Name + "_response",
		Help:        b.Help,
		ConstLabels: constLabels,
		Objectives: map[float64]float64{
			0.5:   0.01,
			0.75:  0.01,
			0.9:   0.01,
			0.99:  0.001,
			0.999: 0.0001,
		},
	}, append(labels, "status"))
	errCntVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   b.Namespace,
		Subsystem:   b.Subsystem,
		Name:        b.Name + "_error_cnt",
		Help:        b.Help,
		ConstLabels: constLabels,
	}, labels)
	activeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   b.Namespace,
		Subsystem:   b.Subsystem,
		Name:        b.Name + "_active_req_cnt",
		Help:        b.Help,
		ConstLabels: constLabels,
	}, labels)

	reg := b.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{summaryVec, errCntVec, activeVec} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			active := activeVec.WithLabelValues(req.Service, req.MethodSign)
			active.Inc()
			start := time.Now()
			resp := next(ctx, req)
			active.Dec()

			status := "OK"
			if !resp.Status {
				status = "ERROR"
				errCntVec.WithLabelValues(req.Service, req.MethodSign).Inc()
			}
			summaryVec.WithLabelValues(req.Service, req.MethodSign, status).
				Observe(float64(time.Since(start).Milliseconds()))
			return resp
		}
	}, nil
}
