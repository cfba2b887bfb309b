// Package objects provides the concrete persistent types, the default Writer and the
// Reader that turns storage records back into objects.
package objects

import (
	"maps"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/blob"
	"github.com/plone/guillotina-sub001/encoding"
)

// AnnotationType is the type name stored for annotation rows.
const AnnotationType = "AnnotationData"

// Stateful objects can encode their payload with a codec.
type Stateful interface {
	guillotina.Object
	MarshalState(m encoding.Marshaler) ([]byte, error)
	UnmarshalState(m encoding.Marshaler, data []byte) error
}

// JSONProjector objects supply the catalog projection stored in the json column.
type JSONProjector interface {
	JSONProjection() map[string]any
}

// Resource is a traversable content object.
type Resource struct {
	guillotina.Persistent

	PortalType string
	Title      string
	Attrs      map[string]any
	Files      map[string]*blob.Blob
}

type resourceState struct {
	Title string                `json:"title,omitempty"`
	Attrs map[string]any        `json:"attrs,omitempty"`
	Files map[string]*blob.Blob `json:"files,omitempty"`
}

// NewResource returns a resource of portalType named id under parent. The oid is
// assigned when it is registered with a transaction.
func NewResource(portalType, id string, parent guillotina.Object) *Resource {
	r := &Resource{PortalType: portalType}
	r.SetName(id)
	if parent != nil {
		r.SetParent(parent)
	}
	return r
}

func (r *Resource) TypeName() string { return r.PortalType }
func (r *Resource) IsResource() bool { return true }

// Set stores an attribute.
func (r *Resource) Set(key string, value any) {
	if r.Attrs == nil {
		r.Attrs = make(map[string]any)
	}
	r.Attrs[key] = value
}

// Get returns an attribute.
func (r *Resource) Get(key string) (any, bool) {
	v, ok := r.Attrs[key]
	return v, ok
}

// File returns the blob stored in field, creating it on first use. The resource must
// already have an oid, i.e. be registered with a transaction.
func (r *Resource) File(field string) *blob.Blob {
	if b, ok := r.Files[field]; ok {
		return b
	}
	if r.Files == nil {
		r.Files = make(map[string]*blob.Blob)
	}
	b := blob.New(r.OID())
	r.Files[field] = b
	return b
}

// ClearFile detaches field and returns the blob that held it, nil when unset.
func (r *Resource) ClearFile(field string) *blob.Blob {
	b := r.Files[field]
	delete(r.Files, field)
	return b
}

func (r *Resource) MarshalState(m encoding.Marshaler) ([]byte, error) {
	return m.Marshal(resourceState{Title: r.Title, Attrs: r.Attrs, Files: r.Files})
}

func (r *Resource) UnmarshalState(m encoding.Marshaler, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var st resourceState
	if err := m.Unmarshal(data, &st); err != nil {
		return err
	}
	r.Title, r.Attrs, r.Files = st.Title, st.Attrs, st.Files
	return nil
}

// JSONProjection is the default catalog projection of a resource.
func (r *Resource) JSONProjection() map[string]any {
	p := map[string]any{
		"type_name":   r.PortalType,
		"id":          r.Name(),
		"uuid":        r.OID(),
		"parent_uuid": r.ParentOID(),
	}
	if r.Title != "" {
		p["title"] = r.Title
	}
	return p
}

// Annotation is non traversable data attached to a resource under a key.
type Annotation struct {
	guillotina.Persistent

	Data map[string]any
}

// NewAnnotation returns an annotation named id of owner.
func NewAnnotation(owner guillotina.Object, id string) *Annotation {
	a := &Annotation{Data: make(map[string]any)}
	a.SetName(id)
	a.SetOf(owner)
	return a
}

func (a *Annotation) TypeName() string { return AnnotationType }
func (a *Annotation) IsResource() bool { return false }

func (a *Annotation) MarshalState(m encoding.Marshaler) ([]byte, error) {
	return m.Marshal(a.Data)
}

func (a *Annotation) UnmarshalState(m encoding.Marshaler, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	d := make(map[string]any)
	if err := m.Unmarshal(data, &d); err != nil {
		return err
	}
	a.Data = d
	return nil
}

// Clone copies the annotation data.
func (a *Annotation) Clone() map[string]any {
	return maps.Clone(a.Data)
}
