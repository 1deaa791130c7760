package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"knrpc/codec"
	"knrpc/message"
	"knrpc/middleware"
)

const maxHTTPBody = 64 << 20

// HTTPHandler decodes a JSON Request from a POST body, runs it through the
// middleware chain and writes the JSON Response. A body that is not a
// Request is answered with 400; everything else is a 200 carrying a
// Response, failures included.
func (s *Server) HTTPHandler() http.Handler {
	handler := s.handler
	if handler == nil {
		handler = middleware.Chain(s.middlewares...)(s.dispatcher.Dispatch)
	}
	c := &codec.JSONCodec{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req := &message.Request{}
		if err = c.Decode(data, req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		resp := handler(context.WithoutCancel(r.Context()), req)
		out, err := c.Encode(resp)
		if err != nil {
			s.logger.Warn("encode response failed", zap.String("service", req.Service), zap.Error(err))
			out, _ = c.Encode(message.Failure(fmt.Errorf("encode response: %w", err)))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	})
}
