package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"knrpc/message"
)

var (
	errShortBuffer = errors.New("BinaryCodec: short buffer")
	errTooLong     = errors.New("BinaryCodec: service or method signature longer than 65535 bytes")
)

// BinaryCodec writes the envelope fields as length-prefixed strings and
// keeps only the dynamically typed parts (args, data) as JSON.
//
//	Request:  2B len | service | 2B len | methodSign | 4B len | args JSON
//	Response: 1B status | 2B len | ex | 4B len | data JSON
//
// ex is cut to 65535 bytes; longer service names or signatures are rejected.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		args, err := json.Marshal(msg.Args)
		if err != nil {
			return nil, err
		}
		if len(msg.Service) > math.MaxUint16 || len(msg.MethodSign) > math.MaxUint16 {
			return nil, errTooLong
		}
		buf := make([]byte, 0, 2+len(msg.Service)+2+len(msg.MethodSign)+4+len(args))
		buf = appendString16(buf, msg.Service)
		buf = appendString16(buf, msg.MethodSign)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(args)))
		return append(buf, args...), nil
	case *message.Response:
		var data []byte
		if msg.Data != nil {
			var err error
			if data, err = json.Marshal(msg.Data); err != nil {
				return nil, err
			}
		}
		// a failure description is cut rather than failing the whole answer
		ex := truncate16(msg.Ex)
		buf := make([]byte, 0, 1+2+len(ex)+4+len(data))
		if msg.Status {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendString16(buf, ex)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
		return append(buf, data...), nil
	default:
		return nil, fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &reader{buf: data}
	switch msg := v.(type) {
	case *message.Request:
		msg.Service = r.string16()
		msg.MethodSign = r.string16()
		args := r.bytes32()
		if r.err != nil {
			return r.err
		}
		msg.Args = nil
		if len(args) > 0 {
			return unmarshal(args, &msg.Args)
		}
		return nil
	case *message.Response:
		status := r.byte()
		msg.Status = status == 1
		msg.Ex = r.string16()
		payload := r.bytes32()
		if r.err != nil {
			return r.err
		}
		msg.Data = nil
		if len(payload) > 0 {
			return unmarshal(payload, &msg.Data)
		}
		return nil
	default:
		return fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// truncate16 cuts s to at most math.MaxUint16 bytes without splitting a
// UTF-8 sequence.
func truncate16(s string) string {
	if len(s) <= math.MaxUint16 {
		return s
	}
	cut := math.MaxUint16
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader remembers the first error so that Decode checks once.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) string16() string {
	l := r.next(2)
	if l == nil {
		return ""
	}
	return string(r.next(int(binary.BigEndian.Uint16(l))))
}

func (r *reader) bytes32() []byte {
	l := r.next(4)
	if l == nil {
		return nil
	}
	return r.next(int(binary.BigEndian.Uint32(l)))
}
