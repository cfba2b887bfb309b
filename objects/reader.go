package objects

import (
	"fmt"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/encoding"
)

// Reader rebuilds objects from records through a TypeRegistry.
type Reader struct {
	types *TypeRegistry
	codec encoding.Marshaler
}

// NewReader returns a Reader decoding state with codec.
func NewReader(types *TypeRegistry, codec encoding.Marshaler) *Reader {
	return &Reader{types: types, codec: codec}
}

// Read materializes rec, stamped with its oid, tid, id, parent and owner oids.
func (r *Reader) Read(rec *guillotina.ObjectRecord) (guillotina.Object, error) {
	obj := r.types.New(rec.Type)
	if err := obj.UnmarshalState(r.codec, rec.State); err != nil {
		return nil, fmt.Errorf("decoding %s (%s): %w", rec.OID, rec.Type, err)
	}
	obj.SetOID(rec.OID)
	obj.SetSerial(rec.TID)
	obj.SetName(rec.ID)
	obj.SetParentOID(rec.ParentID)
	obj.SetOfOID(rec.Of)
	return obj, nil
}
