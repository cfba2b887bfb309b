package transaction

import "github.com/plone/guillotina-sub001"

// objectSet keeps objects by oid in insertion order.
type objectSet struct {
	order []string
	items map[string]guillotina.Object
}

func newObjectSet() *objectSet {
	return &objectSet{items: make(map[string]guillotina.Object)}
}

// add inserts obj, or replaces it in place when oid is already present.
func (s *objectSet) add(oid string, obj guillotina.Object) {
	if _, ok := s.items[oid]; !ok {
		s.order = append(s.order, oid)
	}
	s.items[oid] = obj
}

func (s *objectSet) get(oid string) (guillotina.Object, bool) {
	obj, ok := s.items[oid]
	return obj, ok
}

func (s *objectSet) remove(oid string) {
	if _, ok := s.items[oid]; !ok {
		return
	}
	delete(s.items, oid)
	for i, o := range s.order {
		if o == oid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *objectSet) len() int {
	return len(s.items)
}

func (s *objectSet) oids() []string {
	return append([]string(nil), s.order...)
}

func (s *objectSet) objects() []guillotina.Object {
	objs := make([]guillotina.Object, 0, len(s.order))
	for _, oid := range s.order {
		objs = append(objs, s.items[oid])
	}
	return objs
}

// find returns the first object matching fn, in insertion order.
func (s *objectSet) find(fn func(guillotina.Object) bool) (guillotina.Object, bool) {
	for _, oid := range s.order {
		if obj := s.items[oid]; fn(obj) {
			return obj, true
		}
	}
	return nil, false
}

func (s *objectSet) clear() {
	s.order = nil
	clear(s.items)
}
