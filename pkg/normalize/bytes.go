package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Bytes is a byte buffer that crosses textual transports as a numeric sequence.
//
// Under JSON it marshals to an array of numbers and unmarshals from any shape accepted by
// ToBytes. Binary codecs such as CBOR see a plain byte string.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, 2+4*len(b))
	buf = append(buf, '[')
	for i, x := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(x), 10)
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = nil
		return nil
	}
	var decoded any
	if err := decodeJSON(data, &decoded); err != nil {
		return err
	}
	out, err := ToBytes(decoded)
	if err != nil {
		return err
	}
	if out == nil {
		out = []byte{}
	}
	*b = out
	return nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
