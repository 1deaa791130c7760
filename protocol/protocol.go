// Package protocol implements the binary frame used by the TCP transport.
//
// A fixed 15-byte header is followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that
// many bytes, which keeps frame boundaries intact on a byte stream.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│cp│mt│   seq   │ bodyLen │    body ...    │
//	│ knr  │01│  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// ct is the codec of the body, cp the compressor applied after encoding.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x6b // 'k'
	MagicByte2  byte = 0x6e // 'n'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 15 // 3 (magic) + 1 (version) + 1 (codec) + 1 (compressor) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupt length cannot make the
	// reader allocate arbitrary memory.
	MaxBodyLen uint32 = 64 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Consumer → Provider
	MsgTypeResponse  MsgType = 1 // Provider → Consumer
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Codec and compressor bounds, mirrored from the codec and compress
// packages to keep this package dependency free.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	maxCompressor   byte = 3
)

// Header is the fixed frame header.
type Header struct {
	CodecType  byte
	Compressor byte
	MsgType    MsgType
	Seq        uint32 // matches a response to its request on a multiplexed connection
	BodyLen    uint32
}

// Encode writes a complete frame (header + body) to w. Callers sharing a
// writer must serialize calls, otherwise frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = h.Compressor
	buf[6] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(body)))
	// one Write per frame
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r and validates the
// magic number, version, codec, compressor and message type.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	if headerBuf[5] > maxCompressor {
		return nil, nil, fmt.Errorf("unsupported compressor: %d", headerBuf[5])
	}
	msgType := headerBuf[6]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[7:11])
	bodyLen := binary.BigEndian.Uint32(headerBuf[11:15])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType:  headerBuf[4],
		Compressor: headerBuf[5],
		MsgType:    MsgType(msgType),
		Seq:        seq,
		BodyLen:    bodyLen,
	}, body, nil
}
