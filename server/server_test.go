package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knrpc/consumer"
	"knrpc/internal/errs"
	"knrpc/message"
	"knrpc/meta"
	"knrpc/middleware"
	"knrpc/protocol"
	"knrpc/provider"
	"knrpc/registry"
	"knrpc/transport"
)

type Args struct {
	A int `json:"a"`
	B int `json:"b"`
}

type Arith interface {
	Add(args Args) (int, error)
	Div(ctx context.Context, a, b float64) (float64, error)
	Sleep(d time.Duration) error
}

type arith struct{}

func (arith) Add(args Args) (int, error) {
	return args.A + args.B, nil
}

func (arith) Div(ctx context.Context, a, b float64) (float64, error) {
	if b == 0 {
		return 0, errors.New("divide by zero")
	}
	return a / b, nil
}

func (arith) Sleep(d time.Duration) error {
	time.Sleep(d)
	return nil
}

func newTable(t *testing.T) *provider.DispatchTable {
	t.Helper()
	table := provider.NewDispatchTable()
	require.NoError(t, provider.Export[Arith](table, arith{}))
	return table
}

// startServer serves srv on a random local port and shuts it down with the
// test.
func startServer(t *testing.T, srv *Server, network string) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() {
		served <- srv.ServeListener(network, lis)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-served
	})
	return lis.Addr().String()
}

func newStub(t *testing.T, addr string, tr transport.Transport) *consumer.Stub {
	t.Helper()
	s, err := consumer.NewStubFor[Arith](nil, consumer.Static{meta.NewInstance(addr)}, tr)
	require.NoError(t, err)
	return s
}

func TestServer_EndToEnd(t *testing.T) {
	testCases := []struct {
		name    string
		network string
		tr      transport.Transport
	}{
		{name: "tcp pooled", network: NetworkTCP, tr: transport.NewTCPTransport()},
		{name: "tcp multiplexed", network: NetworkTCP, tr: transport.NewTCPTransport(transport.TCPWithMultiplexing(time.Second))},
		{name: "http", network: NetworkHTTP, tr: transport.NewHTTPTransport()},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			defer tc.tr.Close()
			addr := startServer(t, NewServer(newTable(t)), tc.network)
			stub := newStub(t, addr, tc.tr)
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					sum, err := consumer.Call[int](ctx, stub, "Add", Args{A: i, B: 1})
					if assert.NoError(t, err) {
						assert.Equal(t, i+1, sum)
					}
				}(i)
			}
			wg.Wait()

			q, err := consumer.Call[float64](ctx, stub, "Div", 3.0, 2.0)
			require.NoError(t, err)
			assert.Equal(t, 1.5, q)

			_, err = consumer.Call[float64](ctx, stub, "Div", 1.0, 0.0)
			assert.True(t, errors.Is(err, errs.ErrRemote))
			assert.Contains(t, err.Error(), "divide by zero")

			_, err = stub.InvokeSign(ctx, "Mul@2_int_int", []any{1, 2}, nil)
			assert.True(t, errors.Is(err, errs.ErrRemote))
			assert.Contains(t, err.Error(), errs.ErrNotFound.Error())
		})
	}
}

func TestServer_Middlewares(t *testing.T) {
	srv := NewServer(newTable(t), ServerWithMiddlewares(middleware.TimeOutMiddleware(50*time.Millisecond)))
	addr := startServer(t, srv, NetworkTCP)
	tr := transport.NewTCPTransport()
	defer tr.Close()
	stub := newStub(t, addr, tr)

	err := consumer.Exec(context.Background(), stub, "Sleep", 200*time.Millisecond)
	assert.True(t, errors.Is(err, errs.ErrRemote))
	assert.Contains(t, err.Error(), "request timed out")
}

func TestServer_BootstrapLifecycle(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	defer reg.Close()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	b := provider.NewBootstrap(meta.NewInstance(addr), provider.BootstrapWithRegistry(reg))
	require.NoError(t, provider.Export[Arith](b, arith{}))
	srv := NewServer(b.Table(), ServerWithBootstrap(b))
	served := make(chan error, 1)
	go func() {
		served <- srv.ServeListener(NetworkTCP, lis)
	}()

	service := meta.ServiceOf[Arith]()
	require.Eventually(t, func() bool {
		ins, _ := reg.ListInstances(context.Background(), service)
		return len(ins) == 1
	}, time.Second, 10*time.Millisecond)

	w, err := consumer.NewWatcher(context.Background(), reg, service)
	require.NoError(t, err)
	defer w.Close()
	tr := transport.NewTCPTransport()
	defer tr.Close()
	stub, err := consumer.NewStubFor[Arith](nil, w, tr)
	require.NoError(t, err)
	sum, err := consumer.Call[int](context.Background(), stub, "Add", Args{A: 1, B: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, sum)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, <-served)
	ins, err := reg.ListInstances(context.Background(), service)
	require.NoError(t, err)
	assert.Empty(t, ins)

	// the watcher has seen the provider leave: the call fails locally
	require.Eventually(t, func() bool {
		return len(w.Instances()) == 0
	}, time.Second, 10*time.Millisecond)
	_, err = consumer.Call[int](context.Background(), stub, "Add", Args{A: 1, B: 2})
	assert.True(t, errors.Is(err, errs.ErrEmptyCandidates))
}

func TestServer_NoRequestsAfterShutdown(t *testing.T) {
	srv := NewServer(newTable(t))
	addr := startServer(t, srv, NetworkTCP)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	// the server has tracked the connection once a request was answered
	h := protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 1}
	require.NoError(t, transport.WriteMessage(conn, h, &message.Request{
		Service: meta.ServiceOf[Arith](), MethodSign: "Add@1_knrpc/server.Args", Args: []any{Args{A: 1, B: 1}},
	}))
	resp := &message.Response{}
	_, err = transport.ReadMessage(conn, resp)
	require.NoError(t, err)
	assert.True(t, resp.Status)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.False(t, srv.beginRequest())

	// open connections are closed, a late request gets no answer
	_ = transport.WriteMessage(conn, h, &message.Request{Service: meta.ServiceOf[Arith](), MethodSign: "Add@1_knrpc/server.Args"})
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = transport.ReadMessage(conn, resp)
	assert.Error(t, err)
}

func TestServer_BeginRequest(t *testing.T) {
	srv := NewServer(newTable(t))
	require.True(t, srv.beginRequest())
	done := make(chan error, 1)
	go func() {
		done <- srv.Shutdown(context.Background())
	}()
	// Shutdown waits for the request counted above
	select {
	case <-done:
		t.Fatal("shutdown returned with a request in flight")
	case <-time.After(50 * time.Millisecond):
	}
	srv.wg.Done()
	require.NoError(t, <-done)
	assert.False(t, srv.beginRequest())
}

func TestServer_UnsupportedNetwork(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = NewServer(newTable(t)).ServeListener("udp", lis)
	assert.EqualError(t, err, `server: unsupported network "udp"`)
}

func TestHTTPHandler(t *testing.T) {
	handler := NewServer(newTable(t)).HTTPHandler()
	sign := "Add@1_knrpc/server.Args"
	testCases := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "success",
			method:     http.MethodPost,
			body:       fmt.Sprintf(`{"service":%q,"methodSign":%q,"args":[{"a":1,"b":2}]}`, meta.ServiceOf[Arith](), sign),
			wantStatus: http.StatusOK,
			wantBody:   `{"status":true,"data":3}`,
		},
		{
			name:       "failure response",
			method:     http.MethodPost,
			body:       `{"service":"nope","methodSign":"x@0","args":[]}`,
			wantStatus: http.StatusOK,
			wantBody:   `"status":false`,
		},
		{
			name:       "malformed",
			method:     http.MethodPost,
			body:       `{"service":`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "bad request",
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantBody:   "method not allowed",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tc.method, "/", bytes.NewBufferString(tc.body)))
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.wantBody)
		})
	}
}

func TestServer_UnencodableResult(t *testing.T) {
	table := provider.NewDispatchTable()
	table.Register("S", &meta.ProviderMeta{
		Service:    "S",
		MethodSign: "Chan@0",
		Invoke: func(ctx context.Context, args []reflect.Value) (any, error) {
			return make(chan int), nil
		},
	})
	addr := startServer(t, NewServer(table), NetworkTCP)
	tr := transport.NewTCPTransport()
	defer tr.Close()

	resp, err := tr.Send(context.Background(), &message.Request{Service: "S", MethodSign: "Chan@0"}, addr)
	require.NoError(t, err)
	assert.False(t, resp.Status)
	assert.Contains(t, resp.Ex, "unsupported type")
}
