package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"knrpc/codec"
	"knrpc/compress"
	"knrpc/internal/logx"
	"knrpc/message"
	"knrpc/protocol"
)

var errClosed = errors.New("transport closed")

// TCPTransport sends requests as protocol frames. By default each call
// borrows an exclusive connection from a per-address pool; with
// TCPWithMultiplexing all calls to an address share one connection.
type TCPTransport struct {
	codec       codec.Codec
	compressor  compress.Compressor
	poolSize    int
	timeout     time.Duration
	idleTimeout time.Duration
	heartbeat   time.Duration
	multiplex   bool
	logger      *zap.Logger

	mu     sync.Mutex
	pools  map[string]*connPool
	muxes  map[string]*muxConn
	closed bool
}

func TCPWithCodec(c codec.Codec) option.Option[TCPTransport] {
	return func(t *TCPTransport) {
		t.codec = c
	}
}

func TCPWithCompressor(c compress.Compressor) option.Option[TCPTransport] {
	return func(t *TCPTransport) {
		t.compressor = c
	}
}

func TCPWithPoolSize(size int) option.Option[TCPTransport] {
	return func(t *TCPTransport) {
		t.poolSize = size
	}
}

// TCPWithTimeout bounds dialing, and the whole call when ctx carries no
// deadline of its own.
func TCPWithTimeout(d time.Duration) option.Option[TCPTransport] {
	return func(t *TCPTransport) {
		t.timeout = d
	}
}

func TCPWithMultiplexing(heartbeat time.Duration) option.Option[TCPTransport] {
	return func(t *TCPTransport) {
		t.multiplex = true
		t.heartbeat = heartbeat
	}
}

func TCPWithLogger(l *zap.Logger) option.Option[TCPTransport] {
	return func(t *TCPTransport) {
		t.logger = l
	}
}

func NewTCPTransport(opts ...option.Option[TCPTransport]) *TCPTransport {
	t := &TCPTransport{
		codec:       &codec.JSONCodec{},
		compressor:  compress.None{},
		poolSize:    8,
		timeout:     5 * time.Second,
		idleTimeout: time.Minute,
		pools:       make(map[string]*connPool),
		muxes:       make(map[string]*muxConn),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logx.OrNop(t.logger)
	return t
}

func (t *TCPTransport) Send(ctx context.Context, req *message.Request, addr string) (*message.Response, error) {
	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	var (
		resp *message.Response
		err  error
	)
	if t.multiplex {
		resp, err = t.sendMux(ctx, req, addr)
	} else {
		resp, err = t.sendPooled(ctx, req, addr)
	}
	if err != nil {
		t.logger.Debug("tcp send failed", zap.String("addr", addr),
			zap.String("service", req.Service), zap.Error(err))
		return nil, wrap(addr, err)
	}
	return resp, nil
}

func (t *TCPTransport) header() protocol.Header {
	return protocol.Header{
		CodecType:  byte(t.codec.Type()),
		Compressor: t.compressor.Code(),
	}
}

func (t *TCPTransport) sendPooled(ctx context.Context, req *message.Request, addr string) (*message.Response, error) {
	p, err := t.pool(addr)
	if err != nil {
		return nil, err
	}
	conn, err := p.get()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	// the connection is exclusive for this call, a fixed sequence number
	// is enough to spot a stray frame
	h := t.header()
	h.MsgType = protocol.MsgTypeRequest
	h.Seq = 1
	if err = WriteMessage(conn, h, req); err != nil {
		p.put(conn, true)
		return nil, err
	}
	for {
		resp := &message.Response{}
		rh, err := ReadMessage(conn, resp)
		if err != nil {
			p.put(conn, true)
			if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
			}
			return nil, err
		}
		if rh.MsgType == protocol.MsgTypeResponse && rh.Seq == h.Seq {
			p.put(conn, false)
			return resp, nil
		}
	}
}

func (t *TCPTransport) sendMux(ctx context.Context, req *message.Request, addr string) (*message.Response, error) {
	m, err := t.mux(addr)
	if err != nil {
		return nil, err
	}
	return m.call(ctx, req)
}

func (t *TCPTransport) pool(addr string) (*connPool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}
	if p, ok := t.pools[addr]; ok {
		return p, nil
	}
	p, err := newConnPool(addr, t.poolSize, t.timeout, t.idleTimeout)
	if err != nil {
		return nil, err
	}
	t.pools[addr] = p
	return p, nil
}

// mux returns the shared connection for addr, redialing when the previous
// one has died.
func (t *TCPTransport) mux(addr string) (*muxConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}
	if m, ok := t.muxes[addr]; ok && m.alive() {
		return m, nil
	}
	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return nil, err
	}
	m := newMuxConn(conn, t.header(), t.heartbeat, t.logger)
	t.muxes[addr] = m
	return m, nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for addr, p := range t.pools {
		p.Release()
		delete(t.pools, addr)
	}
	for addr, m := range t.muxes {
		m.close(errClosed)
		delete(t.muxes, addr)
	}
	return nil
}
