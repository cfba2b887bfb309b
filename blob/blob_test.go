package blob_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/blob"
	"github.com/plone/guillotina-sub001/objects"
	"github.com/plone/guillotina-sub001/storage/memory"
	"github.com/plone/guillotina-sub001/transaction"
)

func newManager(t *testing.T) *transaction.Manager {
	t.Helper()
	cfg := guillotina.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	st := memory.NewStorage(cfg.Storage)
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	m, err := transaction.NewManager(st, cfg, transaction.WithMetrics(transaction.NewMetrics()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m.Close(context.Background())
		st.Finalize(context.Background())
	})
	return m
}

// writeFile creates a file resource holding payload and returns its oid.
func writeFile(t *testing.T, m *transaction.Manager, payload []byte, chunkSize int) (oid string, b *blob.Blob) {
	t.Helper()
	err := m.RunInTransaction(context.Background(), func(ctx context.Context, txn *transaction.Transaction) error {
		root := objects.NewResource("Container", "", nil)
		root.SetOID(guillotina.RootOID)
		if err := txn.Register(root); err != nil {
			return err
		}
		file := objects.NewResource("File", "doc", root)
		if err := txn.Register(file); err != nil {
			return err
		}
		f, err := file.File("data").Open(txn, blob.ModeWrite)
		if err != nil {
			return err
		}
		if err := f.Write(ctx, payload, chunkSize); err != nil {
			return err
		}
		oid, b = file.OID(), f.Blob()
		return nil
	})
	if err != nil {
		t.Fatalf("writing file failed: %v", err)
	}
	return oid, b
}

func readFile(t *testing.T, m *transaction.Manager, oid string) ([]byte, *blob.Blob) {
	t.Helper()
	var data []byte
	var b *blob.Blob
	err := m.RunInTransaction(context.Background(), func(ctx context.Context, txn *transaction.Transaction) error {
		obj, err := txn.Get(ctx, oid)
		if err != nil {
			return err
		}
		b = obj.(*objects.Resource).Files["data"]
		if b == nil {
			return errors.New("blob handle not persisted")
		}
		f, err := b.Open(txn, blob.ModeRead)
		if err != nil {
			return err
		}
		data, err = f.Read(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("reading file failed: %v", err)
	}
	return data, b
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := newManager(t)
	payload := []byte("0123456789")
	oid, written := writeFile(t, m, payload, 4)
	if written.Chunks != 3 || written.Size != 10 {
		t.Errorf("chunks = %d, size = %d; want 3, 10", written.Chunks, written.Size)
	}
	if written.ResourceUID != oid {
		t.Errorf("blob owned by %q, want %q", written.ResourceUID, oid)
	}

	data, b := readFile(t, m, oid)
	if !bytes.Equal(data, payload) {
		t.Errorf("read %q, want %q", data, payload)
	}
	if b.BID != written.BID || b.Chunks != 3 {
		t.Errorf("persisted handle %+v differs from %+v", b, written)
	}
}

func TestRewriteReplacesChunks(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	oid, _ := writeFile(t, m, []byte("foobar"), 0)

	large := bytes.Repeat([]byte("x"), 2*guillotina.DefaultBlobChunkSize+10)
	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *transaction.Transaction) error {
		obj, err := txn.Get(ctx, oid)
		if err != nil {
			return err
		}
		file := obj.(*objects.Resource)
		f, err := file.File("data").Open(txn, blob.ModeWrite)
		if err != nil {
			return err
		}
		if err := f.Write(ctx, large, 0); err != nil {
			return err
		}
		return txn.Register(file)
	})
	if err != nil {
		t.Fatal(err)
	}

	data, b := readFile(t, m, oid)
	if b.Chunks != 3 || b.Size != int64(len(large)) {
		t.Errorf("chunks = %d, size = %d", b.Chunks, b.Size)
	}
	if !bytes.Equal(data, large) {
		t.Errorf("read %d bytes, want the %d byte rewrite", len(data), len(large))
	}
}

func TestAppendKeepsExistingChunks(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	oid, _ := writeFile(t, m, []byte("foo"), 0)

	err := m.RunInTransaction(ctx, func(ctx context.Context, txn *transaction.Transaction) error {
		obj, err := txn.Get(ctx, oid)
		if err != nil {
			return err
		}
		file := obj.(*objects.Resource)
		f, err := file.File("data").Open(txn, blob.ModeAppend)
		if err != nil {
			return err
		}
		if err := f.WriteChunk(ctx, []byte("bar")); err != nil {
			return err
		}
		return txn.Register(file)
	})
	if err != nil {
		t.Fatal(err)
	}
	if data, _ := readFile(t, m, oid); string(data) != "foobar" {
		t.Errorf("read %q, want foobar", data)
	}
}

func TestMissingChunk(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	oid, _ := writeFile(t, m, []byte("abc"), 0)

	txn, _ := m.Begin(ctx, transaction.ReadOnly())
	defer m.Abort(ctx)
	obj, err := txn.Get(ctx, oid)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := obj.(*objects.Resource).Files["data"].Open(txn, blob.ModeRead)
	_, err = f.ReadChunk(ctx, 5)
	var missing *guillotina.BlobChunkNotFoundError
	if !errors.As(err, &missing) || missing.Index != 5 || !errors.Is(err, guillotina.ErrBlobChunkNotFound) {
		t.Errorf("ReadChunk(5) = %v, want BlobChunkNotFoundError", err)
	}
}

func TestModes(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	oid, _ := writeFile(t, m, []byte("abc"), 0)

	txn, _ := m.Begin(ctx, transaction.ReadOnly())
	defer m.Abort(ctx)
	obj, _ := txn.Get(ctx, oid)
	b := obj.(*objects.Resource).Files["data"]

	if _, err := b.Open(txn, blob.ModeWrite); !errors.Is(err, guillotina.ErrReadOnly) {
		t.Errorf("Open for writing in a read-only txn = %v", err)
	}
	if _, err := b.Open(txn, "x"); err == nil {
		t.Error("Open with an unknown mode succeeded")
	}
	f, err := b.Open(txn, blob.ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.WriteChunk(ctx, []byte("no")); !errors.Is(err, blob.ErrWrongMode) {
		t.Errorf("WriteChunk in read mode = %v", err)
	}
	if err := f.Delete(ctx); !errors.Is(err, blob.ErrWrongMode) {
		t.Errorf("Delete in read mode = %v", err)
	}
}

func TestWriteWithoutOwner(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	txn, _ := m.Begin(ctx)
	defer m.Abort(ctx)
	f, _ := blob.New("").Open(txn, blob.ModeWrite)
	if err := f.WriteChunk(ctx, []byte("x")); err == nil {
		t.Error("chunk written for a blob without owner")
	}
}
