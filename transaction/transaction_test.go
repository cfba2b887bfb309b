package transaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/cache"
	"github.com/plone/guillotina-sub001/objects"
)

func TestCommitAssignsSerials(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	m := newTestManager(t, st)

	txn, err := m.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	root := objects.NewResource("Container", "", nil)
	if err := txn.Register(root); err != nil {
		t.Fatal(err)
	}
	if len(root.OID()) != 32 {
		t.Errorf("root oid %q, want 32 hex characters", root.OID())
	}
	if root.Jar() != guillotina.Jar(txn) {
		t.Error("registered object does not point at its transaction")
	}
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if txn.Status() != Committed {
		t.Errorf("status = %s, want committed", txn.Status())
	}
	if root.Serial() == 0 || root.Serial() != txn.TID() {
		t.Errorf("serial = %d, tid = %d", root.Serial(), txn.TID())
	}
	if root.Jar() != nil {
		t.Error("jar still set after commit")
	}
	if m.Current() != nil {
		t.Error("manager still has a current transaction")
	}
}

func TestReadOnlyTransactionHasNoTID(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	m := newTestManager(t, st)
	rootOID, _ := createTree(t, m)
	before, _ := st.LastTID(ctx)

	txn, err := m.Begin(ctx, ReadOnly())
	if err != nil {
		t.Fatal(err)
	}
	root := getResource(t, ctx, txn, rootOID)
	root.Title = "changed"
	err = txn.Register(root)
	if !errors.Is(err, guillotina.ErrReadOnly) || !errors.Is(err, guillotina.ErrUnauthorized) {
		t.Fatalf("Register in read-only txn = %v, want ErrUnauthorized and ErrReadOnly", err)
	}
	if err := m.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if txn.TID() != 0 {
		t.Errorf("read-only txn got tid %d", txn.TID())
	}

	// A read/write transaction that only reads draws no tid either.
	err = m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		_, err := txn.Get(ctx, rootOID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if after, _ := st.LastTID(ctx); after != before {
		t.Errorf("tid sequence moved from %d to %d without writes", before, after)
	}
}

func TestWriteAtomicity(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	rootOID, _ := createTree(t, m)

	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		root := getResource(t, ctx, txn, rootOID)
		if err := txn.Register(objects.NewResource("Item", "fresh", root)); err != nil {
			return err
		}
		return txn.Register(objects.NewResource("Item", "folder", root))
	})
	if !errors.Is(err, guillotina.ErrConflictIDOnContainer) {
		t.Fatalf("commit = %v, want ErrConflictIDOnContainer", err)
	}

	txn, _ := m.Begin(ctx)
	defer m.Abort(ctx)
	root := getResource(t, ctx, txn, rootOID)
	if ok, _ := txn.Contains(ctx, root, "fresh"); ok {
		t.Error("partial commit: sibling of the failed object was persisted")
	}
}

func TestDeleteHidesObject(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	rootOID, folderOID := createTree(t, m)

	txn, _ := m.Begin(ctx)
	root := getResource(t, ctx, txn, rootOID)
	folder, err := txn.GetChild(ctx, root, "folder")
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Delete(folder); err != nil {
		t.Fatal(err)
	}
	if _, err := txn.GetChild(ctx, root, "folder"); !errors.Is(err, guillotina.ErrNotFound) {
		t.Errorf("GetChild of pending delete = %v, want ErrNotFound", err)
	}
	if _, err := txn.Get(ctx, folderOID); !errors.Is(err, guillotina.ErrNotFound) {
		t.Errorf("Get of pending delete = %v, want ErrNotFound", err)
	}
	if err := m.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	txn, _ = m.Begin(ctx)
	defer m.Abort(ctx)
	var notFound *guillotina.KeyNotFoundError
	if _, err := txn.Get(ctx, folderOID); !errors.As(err, &notFound) || notFound.Key != folderOID {
		t.Errorf("Get after delete = %v, want KeyNotFoundError", err)
	}
}

func TestReadsSeePendingWork(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	rootOID, _ := createTree(t, m)

	txn, _ := m.Begin(ctx)
	defer m.Abort(ctx)
	root := getResource(t, ctx, txn, rootOID)
	item := objects.NewResource("Item", "pending", root)
	if err := txn.Register(item); err != nil {
		t.Fatal(err)
	}
	got, err := txn.GetChild(ctx, root, "pending")
	if err != nil || got != guillotina.Object(item) {
		t.Fatalf("GetChild(pending) = %v, %v; want the registered instance", got, err)
	}
	if ok, _ := txn.Contains(ctx, root, "pending"); !ok {
		t.Error("Contains(pending) = false")
	}
	// Loading twice yields the same instance.
	again := getResource(t, ctx, txn, rootOID)
	if again != root {
		t.Error("second Get returned a different instance")
	}

	ann := objects.NewAnnotation(root, "behavior")
	ann.Data["key"] = "value"
	if err := txn.Register(ann); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ann.OID(), rootOID[:3]+guillotina.OIDDelimiter) {
		t.Errorf("annotation oid %q lacks its owner's prefix", ann.OID())
	}
	if got, err := txn.GetAnnotation(ctx, root, "behavior"); err != nil || got != guillotina.Object(ann) {
		t.Errorf("GetAnnotation = %v, %v", got, err)
	}
}

func TestTreeNavigation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	rootOID, _ := createTree(t, m)

	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		root := getResource(t, ctx, txn, rootOID)
		for _, id := range []string{"c", "a", "b"} {
			if err := txn.Register(objects.NewResource("Item", id, root)); err != nil {
				return err
			}
		}
		ann := objects.NewAnnotation(root, "settings")
		ann.Data["depth"] = 1
		return txn.Register(ann)
	})
	if err != nil {
		t.Fatal(err)
	}

	txn, _ := m.Begin(ctx, ReadOnly())
	defer m.Abort(ctx)
	root := getResource(t, ctx, txn, rootOID)

	keys, err := txn.Keys(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(keys, ",") != "a,b,c,folder" {
		t.Errorf("Keys = %v", keys)
	}
	if n, _ := txn.Len(ctx, root); n != 4 {
		t.Errorf("Len = %d, want 4", n)
	}
	page, _ := txn.PageOfKeys(ctx, root, 2, 3)
	if strings.Join(page, ",") != "folder" {
		t.Errorf("PageOfKeys = %v", page)
	}
	children, _ := txn.GetChildren(ctx, root, []string{"c", "missing", "a"})
	if len(children) != 2 || children[0].Name() != "c" || children[1].Name() != "a" {
		t.Errorf("GetChildren returned %d objects", len(children))
	}

	var seen []string
	err = txn.Items(ctx, root, 3, func(obj guillotina.Object) error {
		if obj.Parent() != guillotina.Object(root) {
			t.Errorf("%s has no parent link", obj.Name())
		}
		seen = append(seen, obj.Name())
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(seen, ",") != "a,b,c,folder" {
		t.Errorf("Items visited %v", seen)
	}

	ann, err := txn.GetAnnotation(ctx, root, "settings")
	if err != nil {
		t.Fatal(err)
	}
	if ann.(*objects.Annotation).Data["depth"] == nil {
		t.Error("annotation data lost")
	}
	if keys, _ := txn.GetAnnotationKeys(ctx, root); len(keys) != 1 || keys[0] != "settings" {
		t.Errorf("GetAnnotationKeys = %v", keys)
	}
}

func TestRegisterForeignObject(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	m1 := newTestManager(t, st)
	m2 := newTestManager(t, st)
	rootOID, _ := createTree(t, m1)

	t1, _ := m1.Begin(ctx)
	defer m1.Abort(ctx)
	t2, _ := m2.Begin(ctx)
	defer m2.Abort(ctx)

	root := getResource(t, ctx, t1, rootOID)
	if err := t2.Register(root); !errors.Is(err, guillotina.ErrInvalidTransactionReference) {
		t.Errorf("Register of foreign object = %v, want ErrInvalidTransactionReference", err)
	}
}

func TestClosedTransactionRefusesWork(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	txn, _ := m.Begin(ctx)
	if err := m.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	if err := txn.Register(objects.NewResource("Item", "x", nil)); !errors.Is(err, guillotina.ErrTransactionClosed) {
		t.Errorf("Register after abort = %v", err)
	}
	if _, err := txn.Get(ctx, guillotina.RootOID); !errors.Is(err, guillotina.ErrTransactionClosed) {
		t.Errorf("Get after abort = %v", err)
	}
	if err := txn.Commit(ctx); !errors.Is(err, guillotina.ErrTransactionClosed) {
		t.Errorf("Commit after abort = %v", err)
	}
	if err := txn.Abort(ctx); err != nil {
		t.Errorf("second Abort = %v, want nil", err)
	}
}

func TestCommitHooks(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	rootOID, _ := createTree(t, m)

	var outcomes []bool
	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		root := getResource(t, ctx, txn, rootOID)
		txn.AddBeforeCommitHook(func(ctx context.Context, txn *Transaction) error {
			return txn.Register(objects.NewResource("Item", "from-hook", root))
		})
		txn.AddAfterCommitHook(func(ctx context.Context, success bool) error {
			panic("hook exploded")
		})
		txn.AddAfterCommitHook(func(ctx context.Context, success bool) error {
			return errors.New("hook failed")
		})
		txn.AddAfterCommitHook(func(ctx context.Context, success bool) error {
			outcomes = append(outcomes, success)
			return nil
		})
		return nil
	})
	if err != nil {
		t.Fatalf("after commit hook failures leaked into commit: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0] {
		t.Errorf("after commit outcomes = %v, want [true]", outcomes)
	}

	txn, _ := m.Begin(ctx)
	defer m.Abort(ctx)
	root := getResource(t, ctx, txn, rootOID)
	if ok, _ := txn.Contains(ctx, root, "from-hook"); !ok {
		t.Error("object registered by a before commit hook was not stored")
	}
}

func TestBeforeCommitHookErrorAborts(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	boom := errors.New("boom")

	txn, _ := m.Begin(ctx)
	var success *bool
	txn.AddBeforeCommitHook(func(ctx context.Context, txn *Transaction) error { return boom })
	txn.AddAfterCommitHook(func(ctx context.Context, ok bool) error {
		success = &ok
		return nil
	})
	if err := txn.Register(objects.NewResource("Container", "", nil)); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx); !errors.Is(err, boom) {
		t.Fatalf("Commit = %v, want the hook error", err)
	}
	if txn.Status() != Aborted {
		t.Errorf("status = %s, want aborted", txn.Status())
	}
	if success == nil || *success {
		t.Error("after commit hooks did not observe the failure")
	}
	if n, _ := m.Storage().TotalObjects(ctx); n != 0 {
		t.Errorf("TotalObjects = %d after aborted commit", n)
	}
}

func TestRefreshDropsPendingChanges(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	m := newTestManager(t, st)
	other := newTestManager(t, st)
	rootOID, folderOID := createTree(t, m)

	txn, _ := m.Begin(ctx)
	defer m.Abort(ctx)
	folder := getResource(t, ctx, txn, folderOID)
	folder.Title = "local"
	txn.Register(folder)
	retitle(t, other, folderOID, "remote")

	fresh, err := txn.Refresh(ctx, folder)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.(*objects.Resource).Title != "remote" {
		t.Errorf("Refresh title = %q", fresh.(*objects.Resource).Title)
	}
	if fresh.ParentOID() != rootOID {
		t.Errorf("Refresh lost the parent: %q", fresh.ParentOID())
	}
	if !txn.IsEmpty() {
		t.Error("Refresh left the stale object registered")
	}
}

// addItem commits a new Item named id under parentOID and returns its oid.
func addItem(t *testing.T, m *Manager, parentOID, id string) string {
	t.Helper()
	var oid string
	err := m.RunInTransaction(context.Background(), func(ctx context.Context, txn *Transaction) error {
		item := objects.NewResource("Item", id, getResource(t, ctx, txn, parentOID))
		if err := txn.Register(item); err != nil {
			return err
		}
		oid = item.OID()
		return nil
	})
	if err != nil {
		t.Fatalf("adding %s failed: %v", id, err)
	}
	return oid
}

// warmChild reads the child id of parentOID so the object cache holds it.
func warmChild(t *testing.T, m *Manager, parentOID, id string) {
	t.Helper()
	ctx := context.Background()
	txn, _ := m.Begin(ctx, ReadOnly())
	defer m.Abort(ctx)
	if _, err := txn.GetChild(ctx, getResource(t, ctx, txn, parentOID), id); err != nil {
		t.Fatalf("GetChild(%s) failed: %v", id, err)
	}
	if _, ok := m.Cache().Get(ctx, cache.ChildKey(parentOID, id)); !ok {
		t.Fatalf("GetChild(%s) did not populate the cache", id)
	}
}

func TestRenameForgetsOldLocation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	_, folderOID := createTree(t, m)
	itemOID := addItem(t, m, folderOID, "a")
	warmChild(t, m, folderOID, "a")

	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		item, err := txn.GetChild(ctx, getResource(t, ctx, txn, folderOID), "a")
		if err != nil {
			return err
		}
		item.SetName("b")
		return txn.Register(item)
	})
	if err != nil {
		t.Fatal(err)
	}

	txn, _ := m.Begin(ctx, ReadOnly())
	defer m.Abort(ctx)
	folder := getResource(t, ctx, txn, folderOID)
	if obj, err := txn.GetChild(ctx, folder, "a"); !errors.Is(err, guillotina.ErrNotFound) {
		t.Errorf("GetChild(a) after rename = %v, %v; want ErrNotFound", obj, err)
	}
	if obj, err := txn.GetChild(ctx, folder, "b"); err != nil || obj.OID() != itemOID {
		t.Errorf("GetChild(b) after rename = %v, %v", obj, err)
	}
}

func TestMoveForgetsOldLocation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	rootOID, folderOID := createTree(t, m)
	otherOID := addItem(t, m, rootOID, "other")
	itemOID := addItem(t, m, folderOID, "a")
	warmChild(t, m, folderOID, "a")

	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		item, err := txn.GetChild(ctx, getResource(t, ctx, txn, folderOID), "a")
		if err != nil {
			return err
		}
		item.SetParent(getResource(t, ctx, txn, otherOID))
		return txn.Register(item)
	})
	if err != nil {
		t.Fatal(err)
	}

	txn, _ := m.Begin(ctx, ReadOnly())
	defer m.Abort(ctx)
	if obj, err := txn.GetChild(ctx, getResource(t, ctx, txn, folderOID), "a"); !errors.Is(err, guillotina.ErrNotFound) {
		t.Errorf("GetChild on the old parent after move = %v, %v; want ErrNotFound", obj, err)
	}
	if obj, err := txn.GetChild(ctx, getResource(t, ctx, txn, otherOID), "a"); err != nil || obj.OID() != itemOID {
		t.Errorf("GetChild on the new parent after move = %v, %v", obj, err)
	}
}

func TestDeleteForgetsCachedDescendants(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	m := newTestManager(t, st)
	_, folderOID := createTree(t, m)
	itemOID := addItem(t, m, folderOID, "i")
	subOID := addItem(t, m, itemOID, "s")
	var annOID string
	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		ann := objects.NewAnnotation(getResource(t, ctx, txn, subOID), "settings")
		if err := txn.Register(ann); err != nil {
			return err
		}
		annOID = ann.OID()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	txn, _ := m.Begin(ctx, ReadOnly())
	sub := getResource(t, ctx, txn, subOID)
	if _, err := txn.GetAnnotation(ctx, sub, "settings"); err != nil {
		t.Fatal(err)
	}
	getResource(t, ctx, txn, itemOID)
	m.Abort(ctx)

	err = m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		return txn.Delete(getResource(t, ctx, txn, itemOID))
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := st.Load(ctx, nil, subOID); !errors.Is(err, guillotina.ErrNotFound) {
		t.Fatalf("storage still has the descendant: %v", err)
	}
	txn, _ = m.Begin(ctx, ReadOnly())
	defer m.Abort(ctx)
	for _, oid := range []string{subOID, annOID} {
		if obj, err := txn.Get(ctx, oid); !errors.Is(err, guillotina.ErrNotFound) {
			t.Errorf("Get(%s) after deleting its ancestor = %v, %v; want ErrNotFound", oid, obj, err)
		}
	}
	if obj, err := txn.GetChild(ctx, getResource(t, ctx, txn, folderOID), "i"); !errors.Is(err, guillotina.ErrNotFound) {
		t.Errorf("GetChild(i) after delete = %v, %v; want ErrNotFound", obj, err)
	}
}

func TestRegisterChildBeforeParent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	_, folderOID := createTree(t, m)

	attempts := 0
	var midOID, leafOID string
	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		attempts++
		mid := objects.NewResource("Folder", "mid", getResource(t, ctx, txn, folderOID))
		leaf := objects.NewResource("Item", "leaf", mid)
		if err := txn.Register(leaf); err != nil {
			return err
		}
		if err := txn.Register(mid); err != nil {
			return err
		}
		midOID, leafOID = mid.OID(), leaf.OID()
		return nil
	})
	if err != nil || attempts != 1 {
		t.Fatalf("commit = %v after %d attempts", err, attempts)
	}
	if strings.Contains(leafOID, guillotina.OIDDelimiter+guillotina.OIDDelimiter) {
		t.Errorf("leaf oid %q carries an empty locality prefix", leafOID)
	}
	want := folderOID[:3] + guillotina.OIDDelimiter + midOID[:3] + guillotina.OIDDelimiter
	if !strings.HasPrefix(leafOID, want) {
		t.Errorf("leaf oid %q not prefixed by %q", leafOID, want)
	}

	txn, _ := m.Begin(ctx, ReadOnly())
	defer m.Abort(ctx)
	if leaf := getResource(t, ctx, txn, leafOID); leaf.ParentOID() != midOID {
		t.Errorf("leaf parent = %q, want %q", leaf.ParentOID(), midOID)
	}
}

func TestParentStoredBeforeChildren(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestStorage(t))
	_, folderOID := createTree(t, m)

	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *Transaction) error {
		mid := objects.NewResource("Folder", "mid", getResource(t, ctx, txn, folderOID))
		mid.SetOID(guillotina.NewUUID().Hex())
		leaf := objects.NewResource("Item", "leaf", mid)
		ann := objects.NewAnnotation(mid, "settings")
		for _, obj := range []guillotina.Object{leaf, ann, mid} {
			if err := txn.Register(obj); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("registering children ahead of a parent with an oid: %v", err)
	}
}
