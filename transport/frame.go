package transport

import (
	"fmt"
	"io"

	"knrpc/codec"
	"knrpc/compress"
	"knrpc/protocol"
)

// WriteMessage encodes v with the codec named in h, compresses it with the
// compressor named in h and writes one frame. Callers sharing w must
// serialize calls.
func WriteMessage(w io.Writer, h protocol.Header, v any) error {
	var body []byte
	if v != nil {
		c, err := codec.GetCodec(codec.CodecType(h.CodecType))
		if err != nil {
			return err
		}
		cp, err := compress.Get(h.Compressor)
		if err != nil {
			return err
		}
		if body, err = c.Encode(v); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		if body, err = cp.Compress(body); err != nil {
			return fmt.Errorf("compress: %w", err)
		}
	}
	return protocol.Encode(w, &h, body)
}

// ReadMessage reads one frame from r. Heartbeat frames are returned with v
// left untouched; any other frame body is uncompressed and decoded into v.
func ReadMessage(r io.Reader, v any) (*protocol.Header, error) {
	h, body, err := protocol.Decode(r)
	if err != nil {
		return nil, err
	}
	if h.MsgType == protocol.MsgTypeHeartbeat {
		return h, nil
	}
	return h, DecodeBody(h, body, v)
}

// DecodeBody decodes a frame body that has already been read off the wire.
func DecodeBody(h *protocol.Header, body []byte, v any) error {
	cp, err := compress.Get(h.Compressor)
	if err != nil {
		return err
	}
	c, err := codec.GetCodec(codec.CodecType(h.CodecType))
	if err != nil {
		return err
	}
	data, err := cp.Uncompress(body)
	if err != nil {
		return fmt.Errorf("uncompress: %w", err)
	}
	if err = c.Decode(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
