// Package blob stores large binary fields as ordered chunks through the owning
// transaction's storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/plone/guillotina-sub001"
)

// Modes a File can be opened in.
const (
	// ModeRead allows reads only.
	ModeRead = "r"
	// ModeWrite replaces existing chunks on the first write of the session.
	ModeWrite = "w"
	// ModeAppend adds chunks after the existing ones.
	ModeAppend = "a"
)

// ErrWrongMode is returned for writes through a File opened for reading.
var ErrWrongMode = errors.New("blob file not opened for writing")

// Transaction is what blob I/O needs from a transaction.
type Transaction interface {
	guillotina.Txn
	Storage() guillotina.Storage
	// EnsureTID allocates the transaction id if not done yet. Chunk writes may create a
	// stub row which needs one.
	EnsureTID(ctx context.Context) (uint64, error)
}

// Blob is the persisted handle of a large binary field. It is stored inside its
// owner's state; the chunks live in the blobs table.
type Blob struct {
	BID         string `json:"bid" msgpack:"bid"`
	ResourceUID string `json:"resource_uid" msgpack:"resource_uid"`
	Size        int64  `json:"size" msgpack:"size"`
	Chunks      int    `json:"chunks" msgpack:"chunks"`
}

// New creates an empty blob owned by the object with oid resourceUID.
func New(resourceUID string) *Blob {
	return &Blob{
		BID:         guillotina.NewUUID().Hex(),
		ResourceUID: resourceUID,
	}
}

// Open starts a read or write session on b.
func (b *Blob) Open(txn Transaction, mode string) (*File, error) {
	switch mode {
	case ModeRead, ModeWrite, ModeAppend:
	default:
		return nil, fmt.Errorf("invalid blob mode %q", mode)
	}
	if mode != ModeRead && txn.ReadOnly() {
		return nil, guillotina.ErrReadOnly
	}
	return &File{blob: b, txn: txn, mode: mode}, nil
}

// File is one open session on a Blob. It is not safe for concurrent use.
type File struct {
	blob           *Blob
	txn            Transaction
	mode           string
	startedWriting bool
}

// Blob returns the handle this session reads or writes.
func (f *File) Blob() *Blob {
	return f.blob
}

// WriteChunk appends data as the next chunk. In write mode the first call of the
// session drops the chunks written by earlier sessions.
func (f *File) WriteChunk(ctx context.Context, data []byte) error {
	if f.mode == ModeRead {
		return ErrWrongMode
	}
	if f.blob.ResourceUID == "" {
		return fmt.Errorf("blob %s has no owning object", f.blob.BID)
	}
	if _, err := f.txn.EnsureTID(ctx); err != nil {
		return err
	}
	store := f.txn.Storage()
	if f.mode == ModeWrite && !f.startedWriting && f.blob.Chunks > 0 {
		log.Debug("blob: truncating", "bid", f.blob.BID, "chunks", f.blob.Chunks)
		if err := store.DelBlob(ctx, f.txn, f.blob.BID); err != nil {
			return err
		}
		f.blob.Chunks = 0
		f.blob.Size = 0
	}
	f.startedWriting = true

	if err := store.WriteBlobChunk(ctx, f.txn, f.blob.BID, f.blob.ResourceUID, f.blob.Chunks, data); err != nil {
		return err
	}
	f.blob.Chunks++
	f.blob.Size += int64(len(data))
	return nil
}

// Write splits data into chunks of at most chunkSize bytes and writes them in order.
// A chunkSize of zero or less means guillotina.DefaultBlobChunkSize.
func (f *File) Write(ctx context.Context, data []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = guillotina.DefaultBlobChunkSize
	}
	if len(data) == 0 {
		if f.mode == ModeWrite && !f.startedWriting {
			return f.truncate(ctx)
		}
		return nil
	}
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		if err := f.WriteChunk(ctx, data[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) truncate(ctx context.Context) error {
	f.startedWriting = true
	if f.blob.Chunks == 0 {
		return nil
	}
	if err := f.txn.Storage().DelBlob(ctx, f.txn, f.blob.BID); err != nil {
		return err
	}
	f.blob.Chunks = 0
	f.blob.Size = 0
	return nil
}

// ReadChunk returns chunk index. A missing chunk yields a BlobChunkNotFoundError.
func (f *File) ReadChunk(ctx context.Context, index int) ([]byte, error) {
	return f.txn.Storage().ReadBlobChunk(ctx, f.txn, f.blob.BID, index)
}

// IterChunks calls fn with every chunk in index order.
func (f *File) IterChunks(ctx context.Context, fn func(data []byte) error) error {
	return f.txn.Storage().ReadBlobChunks(ctx, f.txn, f.blob.BID, func(_ int, data []byte) error {
		return fn(data)
	})
}

// Read returns the whole payload.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 0, f.blob.Size)
	err := f.IterChunks(ctx, func(data []byte) error {
		buf = append(buf, data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Delete removes every chunk of the blob.
func (f *File) Delete(ctx context.Context) error {
	if f.mode == ModeRead {
		return ErrWrongMode
	}
	if err := f.txn.Storage().DelBlob(ctx, f.txn, f.blob.BID); err != nil {
		return err
	}
	f.blob.Chunks = 0
	f.blob.Size = 0
	return nil
}
