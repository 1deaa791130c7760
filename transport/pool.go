package transport

import (
	"net"
	"time"

	"github.com/silenceper/pool"
)

// connPool hands out exclusive connections to one address. Connections are
// dialed lazily and capped at size; Get blocks once the cap is reached.
type connPool struct {
	pool.Pool
}

func newConnPool(addr string, size int, dialTimeout, idleTimeout time.Duration) (*connPool, error) {
	p, err := pool.NewChannelPool(&pool.Config{
		InitialCap: 0,
		MaxIdle:    size,
		MaxCap:     size,
		Factory: func() (interface{}, error) {
			return net.DialTimeout("tcp", addr, dialTimeout)
		},
		Close: func(v interface{}) error {
			return v.(net.Conn).Close()
		},
		IdleTimeout: idleTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &connPool{Pool: p}, nil
}

func (p *connPool) get() (net.Conn, error) {
	v, err := p.Get()
	if err != nil {
		return nil, err
	}
	return v.(net.Conn), nil
}

// put returns conn to the pool, or discards it when broken is set: a
// connection that saw an I/O error may hold half a frame.
func (p *connPool) put(conn net.Conn, broken bool) {
	if broken {
		_ = p.Close(conn)
		return
	}
	_ = p.Put(conn)
}
