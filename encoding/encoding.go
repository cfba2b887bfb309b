// Package encoding holds the codecs used for object state and cache payloads.
package encoding

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// Codec names.
const (
	JSON    = "json"
	MsgPack = "msgpack"
	CBOR    = "cbor"
)

// DefaultMarshaler encodes object state when no codec is configured.
var DefaultMarshaler Marshaler = NewMsgPackMarshaler()

type jsonMarshaler struct{}

// NewJSONMarshaler returns a Marshaler over encoding/json.
func NewJSONMarshaler() Marshaler {
	return jsonMarshaler{}
}

func (jsonMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var (
	registryLock sync.RWMutex
	registry     = map[string]func() Marshaler{
		JSON:    NewJSONMarshaler,
		MsgPack: NewMsgPackMarshaler,
		CBOR:    NewCBORMarshaler,
	}
)

// Register adds a codec constructor under name, replacing any previous one.
func Register(name string, ctor func() Marshaler) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = ctor
}

// Get returns a new Marshaler for the codec name.
func Get(name string) (Marshaler, error) {
	registryLock.RLock()
	ctor, ok := registry[name]
	registryLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	return ctor(), nil
}

// Names lists the registered codecs.
func Names() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes v with m, passing byte slices through untouched.
func Marshal(m Marshaler, v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		return *t, nil
	}
	return m.Marshal(v)
}

// Unmarshal decodes data into v with m; a *[]byte target receives data as is.
func Unmarshal(m Marshaler, data []byte, v any) error {
	if ba, ok := v.(*[]byte); ok {
		*ba = data
		return nil
	}
	return m.Unmarshal(data, v)
}
