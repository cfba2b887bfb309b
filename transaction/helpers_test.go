package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/objects"
	"github.com/plone/guillotina-sub001/storage/memory"
)

func testConfig() *guillotina.Config {
	cfg := guillotina.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func newTestStorage(t *testing.T) *memory.Storage {
	t.Helper()
	st := memory.NewStorage(testConfig().Storage)
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { st.Finalize(context.Background()) })
	return st
}

func newReadOnlyStorage(t *testing.T, cfg *guillotina.Config) *memory.Storage {
	t.Helper()
	st := memory.NewStorage(cfg.Storage)
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return st
}

func newTestManager(t *testing.T, st guillotina.Storage, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithMetrics(NewMetrics())}, opts...)
	m, err := NewManager(st, testConfig(), opts...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

// createTree commits a root container holding one folder and returns their oids.
func createTree(t *testing.T, m *Manager) (rootOID, folderOID string) {
	t.Helper()
	err := m.RunInTransaction(context.Background(), func(ctx context.Context, txn *Transaction) error {
		root := objects.NewResource("Container", "", nil)
		root.SetOID(guillotina.RootOID)
		if err := txn.Register(root); err != nil {
			return err
		}
		folder := objects.NewResource("Folder", "folder", root)
		folder.Title = "Folder"
		if err := txn.Register(folder); err != nil {
			return err
		}
		rootOID, folderOID = root.OID(), folder.OID()
		return nil
	})
	if err != nil {
		t.Fatalf("creating tree failed: %v", err)
	}
	return rootOID, folderOID
}

// retitle commits a new title for oid through m, outside any caller transaction.
func retitle(t *testing.T, m *Manager, oid, title string) {
	t.Helper()
	err := m.RunInTransaction(context.Background(), func(ctx context.Context, txn *Transaction) error {
		obj, err := txn.Get(ctx, oid)
		if err != nil {
			return err
		}
		obj.(*objects.Resource).Title = title
		return txn.Register(obj)
	})
	if err != nil {
		t.Fatalf("retitle %s failed: %v", oid, err)
	}
}

func getResource(t *testing.T, ctx context.Context, txn *Transaction, oid string) *objects.Resource {
	t.Helper()
	obj, err := txn.Get(ctx, oid)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", oid, err)
	}
	r, ok := obj.(*objects.Resource)
	if !ok {
		t.Fatalf("Get(%s) returned %T", oid, obj)
	}
	return r
}
