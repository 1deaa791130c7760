// Package server puts a network front end on a dispatcher: framed TCP
// (with a goroutine per request and a write lock per connection) or
// JSON over HTTP. Both run the same middleware chain and share one graceful
// shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest
//	    → decode → middleware chain → Dispatcher.Dispatch → encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"knrpc/internal/logx"
	"knrpc/message"
	"knrpc/middleware"
	"knrpc/protocol"
	"knrpc/provider"
	"knrpc/transport"
)

const (
	NetworkTCP  = "tcp"
	NetworkHTTP = "http"
)

// Dispatcher executes one request and always answers it.
// *provider.DispatchTable is the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *message.Request) *message.Response
}

type Server struct {
	dispatcher  Dispatcher
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // built once in Serve
	bootstrap   *provider.Bootstrap
	logger      *zap.Logger

	listener   net.Listener
	httpServer *http.Server
	wg         sync.WaitGroup // in-flight TCP requests
	shutdown   atomic.Bool
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
}

func ServerWithMiddlewares(mws ...middleware.Middleware) option.Option[Server] {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mws...)
	}
}

// ServerWithBootstrap ties the provider lifecycle to the server: services
// are registered once the listener is up and unregistered first thing on
// Shutdown.
func ServerWithBootstrap(b *provider.Bootstrap) option.Option[Server] {
	return func(s *Server) {
		s.bootstrap = b
	}
}

func ServerWithLogger(l *zap.Logger) option.Option[Server] {
	return func(s *Server) {
		s.logger = l
	}
}

func NewServer(d Dispatcher, opts ...option.Option[Server]) *Server {
	s := &Server{
		dispatcher: d,
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logx.OrNop(s.logger)
	return s
}

// Use appends a middleware. It has no effect once Serve has been called.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and blocks until Shutdown. network is
// NetworkTCP for the framed protocol or NetworkHTTP for JSON over HTTP.
func (s *Server) Serve(network, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.ServeListener(network, lis)
}

func (s *Server) ServeListener(network string, lis net.Listener) error {
	if network != NetworkTCP && network != NetworkHTTP {
		_ = lis.Close()
		return fmt.Errorf("server: unsupported network %q", network)
	}
	s.handler = middleware.Chain(s.middlewares...)(s.dispatcher.Dispatch)

	s.mu.Lock()
	s.listener = lis
	if network == NetworkHTTP {
		s.httpServer = &http.Server{Handler: s.HTTPHandler()}
	}
	s.mu.Unlock()

	if s.bootstrap != nil {
		if err := s.bootstrap.Start(context.Background()); err != nil {
			_ = lis.Close()
			return err
		}
	}
	s.logger.Info("server listening", zap.String("network", network), zap.String("addr", lis.Addr().String()))

	if network == NetworkHTTP {
		if err := s.httpServer.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	for {
		conn, err := lis.Accept()
		if err != nil {
			// Shutdown closes the listener on purpose
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr is nil until Serve has opened the listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn is the only reader of conn; each request is handled in its own
// goroutine and all of them share one write lock so frames never interleave.
func (s *Server) handleConn(conn net.Conn) {
	if !s.track(conn, true) {
		_ = conn.Close()
		return
	}
	defer func() {
		s.track(conn, false)
		_ = conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !s.shutdown.Load() {
				s.logger.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		if !s.beginRequest() {
			// shutting down, the connection is about to be closed
			return
		}
		go s.handleRequest(header, body, conn, writeMu)
	}
}

func (s *Server) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.conns, conn)
		return true
	}
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

// beginRequest counts a request in flight unless Shutdown has started. The
// check and the Add share s.mu with the shutdown flag, so no Add can race
// with the Wait in Shutdown.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	var resp *message.Response
	req := &message.Request{}
	if err := transport.DecodeBody(header, body, req); err != nil {
		s.logger.Warn("bad request frame", zap.Uint32("seq", header.Seq), zap.Error(err))
		resp = message.Failure(fmt.Errorf("bad request: %w", err))
	} else {
		// no cancellation reaches dispatch: a started call runs to completion
		resp = s.handler(context.Background(), req)
	}

	reply := *header
	reply.MsgType = protocol.MsgTypeResponse
	writeMu.Lock()
	err := transport.WriteMessage(conn, reply, resp)
	if err != nil {
		// the caller still gets exactly one answer when the result itself
		// cannot be encoded
		s.logger.Warn("write response failed", zap.Uint32("seq", header.Seq), zap.Error(err))
		_ = transport.WriteMessage(conn, reply, message.Failure(err))
	}
	writeMu.Unlock()
}

// Shutdown unregisters from the registry first, so consumers stop picking
// this instance, then stops accepting and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.bootstrap != nil {
		if err := s.bootstrap.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	// set before closing, or Serve would report the Accept error
	s.mu.Lock()
	s.shutdown.Store(true)
	lis, httpServer := s.listener, s.httpServer
	s.mu.Unlock()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	if lis != nil {
		_ = lis.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: waiting for in-flight requests: %w", ctx.Err()))
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}
