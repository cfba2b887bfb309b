package cache

import (
	"reflect"
	"testing"
)

func TestMRU_EvictsLeastRecentlyUsed(t *testing.T) {
	m := NewMRU[string, int](3)
	var evicted []string
	m.OnEvict(func(k string, _ int) { evicted = append(evicted, k) })

	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)
	if _, ok := m.Get("a"); !ok {
		t.Fatal("a missing")
	}
	m.Set("d", 4)

	if _, ok := m.Peek("b"); ok {
		t.Error("b should have been evicted")
	}
	if !reflect.DeepEqual(evicted, []string{"b"}) {
		t.Errorf("evicted = %v", evicted)
	}
	if got := m.Keys(); !reflect.DeepEqual(got, []string{"d", "a", "c"}) {
		t.Errorf("keys = %v", got)
	}
}

func TestMRU_SetReplacesAndDelete(t *testing.T) {
	m := NewMRU[int, string](2)
	m.Set(1, "x")
	m.Set(1, "y")
	if v, _ := m.Get(1); v != "y" {
		t.Errorf("got %q, want y", v)
	}
	if m.Len() != 1 {
		t.Errorf("len = %d", m.Len())
	}
	m.Set(2, "z")
	if !m.IsFull() {
		t.Error("expected full")
	}
	m.Delete(1, 3)
	if m.Len() != 1 {
		t.Errorf("len after delete = %d", m.Len())
	}
	m.Clear()
	if m.Len() != 0 || len(m.Keys()) != 0 {
		t.Error("clear left entries")
	}
}
