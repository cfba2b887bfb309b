package guillotina

import (
	"strings"
	"testing"
)

type testObject struct {
	Persistent
}

func (*testObject) TypeName() string { return "Test" }
func (*testObject) IsResource() bool { return true }

func newTestObject(parent Object) *testObject {
	o := &testObject{}
	o.SetParent(parent)
	o.SetOID(GenerateOID(o))
	return o
}

func TestGenerateOID_Root(t *testing.T) {
	root := &testObject{}
	oid := GenerateOID(root)
	if len(oid) != 32 {
		t.Errorf("root oid %q has length %d, want 32", oid, len(oid))
	}
	if strings.Contains(oid, OIDDelimiter) {
		t.Errorf("root oid %q should carry no delimiter", oid)
	}
}

func TestGenerateOID_ChildOfRootHasNoPrefix(t *testing.T) {
	root := &testObject{}
	root.SetOID(RootOID)
	child := newTestObject(root)
	if len(child.OID()) != 32 {
		t.Errorf("child of root oid %q, want bare suffix", child.OID())
	}
}

func TestGenerateOID_Locality(t *testing.T) {
	root := &testObject{}
	root.SetOID(RootOID)
	container := newTestObject(root)
	item := newTestObject(container)
	sub := newTestObject(item)

	want := container.OID()[:3] + OIDDelimiter
	if !strings.HasPrefix(item.OID(), want) {
		t.Errorf("item oid %q not prefixed by %q", item.OID(), want)
	}
	want = container.OID()[:3] + OIDDelimiter + item.OID()[:3] + OIDDelimiter
	if !strings.HasPrefix(sub.OID(), want) {
		t.Errorf("sub oid %q not prefixed by %q", sub.OID(), want)
	}
}

func TestGenerateOID_UniqueAmongSiblings(t *testing.T) {
	root := &testObject{}
	root.SetOID(RootOID)
	parent := newTestObject(root)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		oid := GenerateOID(newTestObject(parent))
		if seen[oid] {
			t.Fatalf("duplicate oid %q", oid)
		}
		seen[oid] = true
	}
}

func TestGenerateOID_Annotation(t *testing.T) {
	root := &testObject{}
	root.SetOID(RootOID)
	res := newTestObject(root)
	ann := &testObject{}
	ann.SetOf(res)
	oid := GenerateOID(ann)
	if !strings.HasPrefix(oid, res.OID()[:3]+OIDDelimiter) {
		t.Errorf("annotation oid %q not prefixed by owner", oid)
	}
	if len(oid) != 36 {
		t.Errorf("annotation oid length %d, want 36", len(oid))
	}
}

func TestGenerateOID_DepthTruncation(t *testing.T) {
	root := &testObject{}
	root.SetOID(RootOID)
	var parent Object = root
	for depth := 0; depth < 25; depth++ {
		child := &testObject{}
		child.SetParent(parent)
		oid := GenerateOID(child)
		if len(oid) > MaxOIDLength {
			t.Fatalf("depth %d: oid length %d exceeds %d", depth, len(oid), MaxOIDLength)
		}
		suffix := oid[len(oid)-32:]
		if strings.Contains(suffix, OIDDelimiter) {
			t.Fatalf("depth %d: suffix %q is not the random component", depth, suffix)
		}
		if depth > 0 && oid[len(oid)-33:len(oid)-32] != OIDDelimiter {
			t.Fatalf("depth %d: delimiter missing before suffix in %q", depth, oid)
		}
		child.SetOID(oid)
		parent = child
	}
}

func TestGenerateOID_LoadedParentKnownByOID(t *testing.T) {
	container := &testObject{}
	container.SetOID(NewUUID().Hex())
	container.SetParentOID(RootOID)
	item := newTestObject(container)
	if !strings.HasPrefix(item.OID(), container.OID()[:3]+OIDDelimiter) {
		t.Errorf("item oid %q not prefixed by loaded container", item.OID())
	}
}

func TestGenerateOID_SkipsAncestorsWithoutOID(t *testing.T) {
	root := &testObject{}
	root.SetOID(RootOID)
	folder := newTestObject(root)
	pending := &testObject{}
	pending.SetParent(folder)
	leaf := &testObject{}
	leaf.SetParent(pending)

	oid := GenerateOID(leaf)
	if strings.Contains(oid, OIDDelimiter+OIDDelimiter) || strings.HasPrefix(oid, OIDDelimiter) {
		t.Fatalf("oid %q carries an empty locality prefix", oid)
	}
	if want := folder.OID()[:3] + OIDDelimiter; !strings.HasPrefix(oid, want) {
		t.Errorf("oid %q not prefixed by %q", oid, want)
	}
}
