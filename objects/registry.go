package objects

import (
	"sort"
	"sync"

	"github.com/plone/guillotina-sub001"
)

// Constructor returns a zero object of one type.
type Constructor func() Stateful

// TypeRegistry maps type names to constructors.
type TypeRegistry struct {
	lock  sync.RWMutex
	types map[string]Constructor
}

// NewTypeRegistry returns a registry knowing the annotation type.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[string]Constructor)}
	r.Register(AnnotationType, func() Stateful { return &Annotation{} })
	return r
}

// Register sets the constructor for typeName.
func (r *TypeRegistry) Register(typeName string, ctor Constructor) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.types[typeName] = ctor
}

// New builds an object of typeName. Unknown types, blob stubs included, come back as
// a Resource carrying the type name.
func (r *TypeRegistry) New(typeName string) Stateful {
	r.lock.RLock()
	ctor, ok := r.types[typeName]
	r.lock.RUnlock()
	if ok {
		return ctor()
	}
	return &Resource{PortalType: typeName}
}

// Names lists the registered type names.
func (r *TypeRegistry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var _ guillotina.Object = (*Resource)(nil)
