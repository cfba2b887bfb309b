package encoding

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var mapStringAnyType = reflect.TypeOf(map[string]any(nil))

type cborMarshaler struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORMarshaler returns a CBOR codec using core deterministic encoding. Struct
// fields fall back to their json tags.
func NewCBORMarshaler() Marshaler {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: mapStringAnyType,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborMarshaler{enc: enc, dec: dec}
}

func (m cborMarshaler) Marshal(v any) ([]byte, error) {
	return m.enc.Marshal(v)
}

func (m cborMarshaler) Unmarshal(data []byte, v any) error {
	return m.dec.Unmarshal(data, v)
}
