// Package message defines the envelopes exchanged between consumer and provider.
//
// A Request names the service (its canonical interface name), the method
// signature and the arguments in call order. A Response carries either the
// raw result or a description of what went wrong, selected by Status.
// Both are plain values so that any codec able to round-trip the JSON field
// names below can carry them.
package message

import "knrpc/internal/errs"

// Request is built once per call by the consumer and consumed exactly once
// by the provider's dispatch table.
type Request struct {
	Service    string `json:"service"`
	MethodSign string `json:"methodSign"`
	Args       []any  `json:"args"`
}

// Response is built by the provider's dispatch table.
//
//   - Status true:  Data holds the raw return value (nil for methods without one).
//   - Status false: Ex holds a human-readable failure description.
type Response struct {
	Status bool   `json:"status"`
	Data   any    `json:"data,omitempty"`
	Ex     string `json:"ex,omitempty"`
}

func Success(data any) *Response {
	return &Response{Status: true, Data: data}
}

// Failure never produces an empty description.
func Failure(err error) *Response {
	desc := ""
	if err != nil {
		desc = err.Error()
	}
	if desc == "" {
		desc = errs.ErrInvocation.Error()
	}
	return &Response{Ex: desc}
}
