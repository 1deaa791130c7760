package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"knrpc/message"
	"knrpc/protocol"
)

var errConnClosed = errors.New("connection closed")

// muxConn carries many concurrent calls over one TCP connection. Every
// request gets its own sequence number; recvLoop reads responses in
// whatever order they arrive and hands each one to the caller waiting on
// that sequence number.
//
//	goroutine-1 ──call(seq=1)──┐
//	goroutine-2 ──call(seq=2)──┼──→ one conn ──→ provider
//	goroutine-3 ──call(seq=3)──┘
//
//	recvLoop: ←── response(seq=2) → pending[2] → goroutine-2 wakes up
type muxConn struct {
	conn    net.Conn
	header  protocol.Header // codec and compressor for outgoing frames
	seq     uint32          // guarded by sending
	pending sync.Map        // map[uint32]chan muxResult
	sending sync.Mutex      // one frame at a time on the wire
	closed  atomic.Bool
	done    chan struct{}
	logger  *zap.Logger
}

type muxResult struct {
	resp *message.Response
	err  error
}

func newMuxConn(conn net.Conn, header protocol.Header, heartbeat time.Duration, logger *zap.Logger) *muxConn {
	m := &muxConn{
		conn:   conn,
		header: header,
		done:   make(chan struct{}),
		logger: logger,
	}
	go m.recvLoop()
	if heartbeat > 0 {
		go m.heartbeatLoop(heartbeat)
	}
	return m
}

func (m *muxConn) call(ctx context.Context, req *message.Request) (*message.Response, error) {
	ch := make(chan muxResult, 1)

	m.sending.Lock()
	m.seq++
	seq := m.seq
	// registered before the write so recvLoop cannot miss a fast response
	m.pending.Store(seq, ch)
	h := m.header
	h.MsgType = protocol.MsgTypeRequest
	h.Seq = seq
	err := WriteMessage(m.conn, h, req)
	m.sending.Unlock()
	if err != nil {
		m.pending.Delete(seq)
		m.close(err)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		m.pending.Delete(seq)
		return nil, ctx.Err()
	case <-m.done:
		// recvLoop may have delivered just before exiting
		select {
		case res := <-ch:
			return res.resp, res.err
		default:
			return nil, errConnClosed
		}
	}
}

// recvLoop is the only reader of the connection: frame boundaries on a
// byte stream can only be parsed sequentially.
func (m *muxConn) recvLoop() {
	for {
		resp := &message.Response{}
		h, err := ReadMessage(m.conn, resp)
		if err != nil {
			m.close(err)
			return
		}
		if h.MsgType != protocol.MsgTypeResponse {
			continue
		}
		if ch, ok := m.pending.LoadAndDelete(h.Seq); ok {
			ch.(chan muxResult) <- muxResult{resp: resp}
		}
	}
}

func (m *muxConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sending.Lock()
			err := WriteMessage(m.conn, protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
			m.sending.Unlock()
			if err != nil {
				m.close(err)
				return
			}
		}
	}
}

// close fails every pending call so no caller blocks forever.
func (m *muxConn) close(cause error) {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.logger.Debug("multiplexed connection closed",
		zap.String("addr", m.conn.RemoteAddr().String()), zap.Error(cause))
	_ = m.conn.Close()
	m.pending.Range(func(key, value any) bool {
		if ch, ok := m.pending.LoadAndDelete(key); ok {
			ch.(chan muxResult) <- muxResult{err: cause}
		}
		return true
	})
	close(m.done)
}

func (m *muxConn) alive() bool {
	return !m.closed.Load()
}
