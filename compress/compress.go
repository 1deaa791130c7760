// Package compress provides the frame-body compressors negotiated per frame
// through the protocol header.
package compress

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

const (
	CodeNone   byte = 0
	CodeGzip   byte = 1
	CodeLz4    byte = 2
	CodeSnappy byte = 3
)

var errCorrupt = errors.New("compress: corrupt lz4 block")

type Compressor interface {
	Code() byte
	Compress(data []byte) ([]byte, error)
	Uncompress(data []byte) ([]byte, error)
}

// Get returns the compressor registered under code.
func Get(code byte) (Compressor, error) {
	switch code {
	case CodeNone:
		return None{}, nil
	case CodeGzip:
		return Gzip{}, nil
	case CodeLz4:
		return Lz4{}, nil
	case CodeSnappy:
		return Snappy{}, nil
	default:
		return nil, fmt.Errorf("compress: unsupported compressor %d", code)
	}
}

// Parse maps a config name to a compressor.
func Parse(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return None{}, nil
	case "gzip":
		return Gzip{}, nil
	case "lz4":
		return Lz4{}, nil
	case "snappy":
		return Snappy{}, nil
	default:
		return nil, fmt.Errorf("compress: unknown compressor %q", name)
	}
}

// None avoids nil checks on the hot path.
type None struct{}

func (None) Code() byte { return CodeNone }

func (None) Compress(data []byte) ([]byte, error) { return data, nil }

func (None) Uncompress(data []byte) ([]byte, error) { return data, nil }

type Gzip struct{}

func (Gzip) Code() byte { return CodeGzip }

func (Gzip) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	// Close flushes the footer, it cannot be deferred.
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Gzip) Uncompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type Snappy struct{}

func (Snappy) Code() byte { return CodeSnappy }

func (Snappy) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (Snappy) Uncompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// Lz4 uses the block format. The uncompressed size is written in front of
// the block since a block does not record it.
type Lz4 struct{}

func (Lz4) Code() byte { return CodeLz4 }

func (Lz4) Compress(data []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf[4:])
	if err != nil {
		return nil, err
	}
	if n == 0 && len(data) > 0 {
		// incompressible: store the raw bytes
		copy(buf[4:], data)
		binary.BigEndian.PutUint32(buf, uint32(len(data))|1<<31)
		return buf[:4+len(data)], nil
	}
	return buf[:4+n], nil
}

func (Lz4) Uncompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errCorrupt
	}
	size := binary.BigEndian.Uint32(data)
	if size&(1<<31) != 0 {
		raw := data[4:]
		if uint32(len(raw)) != size&^(1<<31) {
			return nil, errCorrupt
		}
		return raw, nil
	}
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, err
	}
	if uint32(n) != size {
		return nil, errCorrupt
	}
	return out, nil
}
