package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"knrpc/codec"
	"knrpc/compress"
	"knrpc/internal/errs"
	"knrpc/message"
	"knrpc/protocol"
)

// echoServer answers every request frame with a success response whose data
// is the request's method signature. With silent set it reads but never
// answers.
func echoServer(t *testing.T, silent bool) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var mu sync.Mutex
				for {
					req := &message.Request{}
					h, err := ReadMessage(conn, req)
					if err != nil {
						return
					}
					if h.MsgType == protocol.MsgTypeHeartbeat || silent {
						continue
					}
					go func(h protocol.Header, req *message.Request) {
						h.MsgType = protocol.MsgTypeResponse
						mu.Lock()
						defer mu.Unlock()
						_ = WriteMessage(conn, h, message.Success(req.MethodSign))
					}(*h, req)
				}
			}(conn)
		}
	}()
	return lis.Addr().String()
}

func TestMessageRoundTrip(t *testing.T) {
	codecs := []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary}
	compressors := []byte{compress.CodeNone, compress.CodeGzip, compress.CodeLz4, compress.CodeSnappy}
	for _, ct := range codecs {
		for _, cp := range compressors {
			t.Run(fmt.Sprintf("codec=%d/compressor=%d", ct, cp), func(t *testing.T) {
				var buf bytes.Buffer
				req := &message.Request{
					Service:    "knrpc/demo/api.UserService",
					MethodSign: "GetUser@1_int64",
					Args:       []any{int64(42)},
				}
				h := protocol.Header{CodecType: byte(ct), Compressor: cp, MsgType: protocol.MsgTypeRequest, Seq: 9}
				require.NoError(t, WriteMessage(&buf, h, req))

				got := &message.Request{}
				gh, err := ReadMessage(&buf, got)
				require.NoError(t, err)
				assert.Equal(t, uint32(9), gh.Seq)
				assert.Equal(t, cp, gh.Compressor)
				assert.Equal(t, req.Service, got.Service)
				assert.Equal(t, req.MethodSign, got.MethodSign)
				assert.Equal(t, []any{json.Number("42")}, got.Args)
			})
		}
	}
}

func TestTCPTransport_Send(t *testing.T) {
	addr := echoServer(t, false)
	testCases := []struct {
		name string
		tr   *TCPTransport
	}{
		{name: "pooled", tr: NewTCPTransport(TCPWithPoolSize(32))},
		{name: "multiplexed", tr: NewTCPTransport(TCPWithMultiplexing(10 * time.Millisecond))},
		{name: "binary lz4", tr: NewTCPTransport(TCPWithCodec(&codec.BinaryCodec{}), TCPWithCompressor(compress.Lz4{}))},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			defer tc.tr.Close()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					sign := fmt.Sprintf("m%d@0", i)
					resp, err := tc.tr.Send(context.Background(), &message.Request{Service: "s", MethodSign: sign}, addr)
					if assert.NoError(t, err) {
						assert.True(t, resp.Status)
						assert.Equal(t, sign, resp.Data)
					}
				}(i)
			}
			wg.Wait()
		})
	}
}

func TestTCPTransport_Errors(t *testing.T) {
	silent := echoServer(t, true)
	testCases := []struct {
		name    string
		tr      *TCPTransport
		addr    string
		wantErr error
	}{
		{
			name: "dial refused",
			tr:   NewTCPTransport(TCPWithTimeout(200 * time.Millisecond)),
			addr: "127.0.0.1:1",
		},
		{
			name:    "pooled timeout",
			tr:      NewTCPTransport(TCPWithTimeout(50 * time.Millisecond)),
			addr:    silent,
			wantErr: context.DeadlineExceeded,
		},
		{
			name:    "multiplexed timeout",
			tr:      NewTCPTransport(TCPWithTimeout(50*time.Millisecond), TCPWithMultiplexing(0)),
			addr:    silent,
			wantErr: context.DeadlineExceeded,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			defer tc.tr.Close()
			_, err := tc.tr.Send(context.Background(), &message.Request{Service: "s", MethodSign: "m@0"}, tc.addr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrTransport))
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr))
			}
		})
	}
}

func TestTCPTransport_Closed(t *testing.T) {
	tr := NewTCPTransport()
	require.NoError(t, tr.Close())
	_, err := tr.Send(context.Background(), &message.Request{}, "127.0.0.1:1")
	assert.True(t, errors.Is(err, errs.ErrTransport))
	assert.True(t, errors.Is(err, errClosed))
}

func TestMuxConn_FailsPendingOnClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	m := newMuxConn(client, protocol.Header{}, 0, zap.NewNop())

	go func() {
		// swallow the request, then drop the connection
		_, _ = ReadMessage(server, &message.Request{})
		_ = server.Close()
	}()
	_, err := m.call(context.Background(), &message.Request{Service: "s", MethodSign: "m@0"})
	require.Error(t, err)
	assert.False(t, m.alive())
}

func TestHTTPTransport_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &message.Request{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Service == "broken" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(message.Success(req.Args[0]))
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	tr := NewHTTPTransport()
	defer tr.Close()

	resp, err := tr.Send(context.Background(), &message.Request{Service: "s", MethodSign: "m@1_int", Args: []any{7}}, addr)
	require.NoError(t, err)
	assert.True(t, resp.Status)
	assert.Equal(t, json.Number("7"), resp.Data)

	_, err = tr.Send(context.Background(), &message.Request{Service: "broken", MethodSign: "m@0"}, addr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransport))
	assert.Contains(t, err.Error(), "boom")
}
