package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec encodes the whole envelope as a JSON object with the fields
// service, methodSign, args / status, data, ex.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode keeps numbers as json.Number so that 64-bit integers survive.
func (c *JSONCodec) Decode(data []byte, v any) error {
	return unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
