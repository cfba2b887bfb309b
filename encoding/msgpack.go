package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

type msgpackMarshaler struct{}

// NewMsgPackMarshaler returns the msgpack codec. Struct fields use their msgpack tags,
// falling back to json tags.
func NewMsgPackMarshaler() Marshaler {
	return msgpackMarshaler{}
}

func (msgpackMarshaler) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackMarshaler) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
