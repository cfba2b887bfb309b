package objects

import (
	"fmt"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/encoding"
)

// Partitioned objects choose the partition hint of their row.
type Partitioned interface {
	Partition() int64
}

type writer struct {
	obj   Stateful
	codec encoding.Marshaler
}

// NewWriterFactory returns a WriterFactory encoding state with codec.
func NewWriterFactory(codec encoding.Marshaler) guillotina.WriterFactory {
	return func(obj guillotina.Object) (guillotina.Writer, error) {
		s, ok := obj.(Stateful)
		if !ok {
			return nil, fmt.Errorf("%T cannot be serialized", obj)
		}
		return &writer{obj: s, codec: codec}, nil
	}
}

func (w *writer) Serialize() ([]byte, error) {
	return w.obj.MarshalState(w.codec)
}

// JSON returns the catalog projection, nil for objects without one.
func (w *writer) JSON() (map[string]any, error) {
	if p, ok := w.obj.(JSONProjector); ok {
		return p.JSONProjection(), nil
	}
	return nil, nil
}

func (w *writer) Resource() bool   { return w.obj.IsResource() }
func (w *writer) Of() string       { return w.obj.OfOID() }
func (w *writer) ParentID() string { return w.obj.ParentOID() }
func (w *writer) ID() string       { return w.obj.Name() }
func (w *writer) Type() string     { return w.obj.TypeName() }

func (w *writer) Part() int64 {
	if p, ok := w.obj.(Partitioned); ok {
		return p.Partition()
	}
	return 0
}
