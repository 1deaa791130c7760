package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"knrpc/codec"
	"knrpc/internal/logx"
	"knrpc/message"
)

// HTTPPath is where providers mount their HTTP dispatch handler.
const HTTPPath = "/"

// HTTPTransport POSTs the JSON-encoded Request to http://{addr}/ and
// decodes the JSON Response from the reply body.
type HTTPTransport struct {
	client *http.Client
	codec  codec.Codec
	logger *zap.Logger
}

func HTTPWithClient(c *http.Client) option.Option[HTTPTransport] {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

func HTTPWithLogger(l *zap.Logger) option.Option[HTTPTransport] {
	return func(t *HTTPTransport) {
		t.logger = l
	}
}

func NewHTTPTransport(opts ...option.Option[HTTPTransport]) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{Timeout: 5 * time.Second},
		codec:  &codec.JSONCodec{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logx.OrNop(t.logger)
	return t
}

func (t *HTTPTransport) Send(ctx context.Context, req *message.Request, addr string) (*message.Response, error) {
	resp, err := t.send(ctx, req, addr)
	if err != nil {
		t.logger.Debug("http send failed", zap.String("addr", addr),
			zap.String("service", req.Service), zap.Error(err))
		return nil, wrap(addr, err)
	}
	return resp, nil
}

func (t *HTTPTransport) send(ctx context.Context, req *message.Request, addr string) (*message.Response, error) {
	body, err := t.codec.Encode(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+HTTPPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s: %s", httpResp.Status, bytes.TrimSpace(data))
	}
	resp := &message.Response{}
	if err = t.codec.Decode(data, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
