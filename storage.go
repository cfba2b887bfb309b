package guillotina

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Conn is a connection leased from a Storage pool. A Transaction owns its Conn
// exclusively, native transaction handle included, until it is returned with Close.
type Conn interface {
	// ID identifies the physical connection, stable across leases.
	ID() int64
}

// Txn is the view of a transaction that a Storage needs.
type Txn interface {
	// TID is the transaction id, 0 until the first write allocates one.
	TID() uint64
	Conn() Conn
	ReadOnly() bool
	// ModifiedOIDs lists the oids written by this transaction so far.
	ModifiedOIDs() []string
	// Modified returns the pending object written under oid, if any.
	Modified(oid string) (Object, bool)
}

// ObjectStore covers object row persistence.
type ObjectStore interface {
	// Load fetches the current record for oid. A missing or trashed row yields a
	// KeyNotFoundError.
	Load(ctx context.Context, txn Txn, oid string) (*ObjectRecord, error)
	// Store upserts the row for oid. The update only applies while the row's tid still
	// equals oldSerial, otherwise ErrTIDConflict is returned.
	Store(ctx context.Context, txn Txn, oid string, oldSerial uint64, writer Writer, obj Object) (tid uint64, size int, err error)
	Delete(ctx context.Context, txn Txn, oid string) error
}

// TwoPhaseCommitter is the begin, vote, finish protocol over a native transaction.
type TwoPhaseCommitter interface {
	TPCBegin(ctx context.Context, txn Txn, conn Conn) error
	// TPCVote returns false when a concurrent commit touched an object this
	// transaction modified and the conflict could not be resolved.
	TPCVote(ctx context.Context, txn Txn) (bool, error)
	TPCFinish(ctx context.Context, txn Txn) (uint64, error)
	Abort(ctx context.Context, txn Txn) error
}

// TreeReader navigates children and annotations without loading whole subtrees.
type TreeReader interface {
	Keys(ctx context.Context, txn Txn, parentOID string) ([]string, error)
	GetChild(ctx context.Context, txn Txn, parentOID, id string) (*ObjectRecord, error)
	GetChildren(ctx context.Context, txn Txn, parentOID string, ids []string) ([]*ObjectRecord, error)
	HasKey(ctx context.Context, txn Txn, parentOID, id string) (bool, error)
	Len(ctx context.Context, txn Txn, parentOID string) (int, error)
	// Items returns up to limit children ordered by id, starting after afterID.
	Items(ctx context.Context, txn Txn, parentOID, afterID string, limit int) ([]*ObjectRecord, error)
	GetPageOfKeys(ctx context.Context, txn Txn, parentOID string, page, pageSize int) ([]string, error)
	GetAnnotation(ctx context.Context, txn Txn, ofOID, id string) (*ObjectRecord, error)
	GetAnnotationKeys(ctx context.Context, txn Txn, ofOID string) ([]string, error)
}

// BlobChunkStore stores blob payloads as ordered chunks.
type BlobChunkStore interface {
	// WriteBlobChunk inserts one chunk. When oid has no row yet a stub row is
	// created first so blobs can hang off objects that are not committed.
	WriteBlobChunk(ctx context.Context, txn Txn, bid, oid string, index int, data []byte) error
	ReadBlobChunk(ctx context.Context, txn Txn, bid string, index int) ([]byte, error)
	// ReadBlobChunks calls fn for every chunk of bid in index order.
	ReadBlobChunks(ctx context.Context, txn Txn, bid string, fn func(index int, data []byte) error) error
	DelBlob(ctx context.Context, txn Txn, bid string) error
}

// Storage is a pluggable backend.
type Storage interface {
	ObjectStore
	TwoPhaseCommitter
	TreeReader
	BlobChunkStore

	// Initialize creates the schema when missing and opens the pool. It is idempotent.
	Initialize(ctx context.Context) error
	// Finalize releases the pool and the read connection.
	Finalize(ctx context.Context) error
	Open(ctx context.Context) (Conn, error)
	// Close returns conn to the pool. Cancellation during release is suppressed.
	Close(ctx context.Context, conn Conn) error

	// NextTID advances the shared tid sequence.
	NextTID(ctx context.Context) (uint64, error)
	// LastTID is the last value handed out by the tid sequence.
	LastTID(ctx context.Context) (uint64, error)
	// CurrentTID is the highest tid committed to the objects table.
	CurrentTID(ctx context.Context) (uint64, error)

	ReadOnly() bool
	// Vacuum purges trashed subtrees.
	Vacuum(ctx context.Context) error
	TotalObjects(ctx context.Context) (int64, error)
	TotalResourcesOfType(ctx context.Context, typeName string) (int64, error)
}

// StorageFactory creates a Storage from its configuration.
type StorageFactory func(cfg *Config) (Storage, error)

// StorageRegistry maps storage type names to factories. Build one at startup and
// pass it where storages get created.
type StorageRegistry struct {
	lock      sync.RWMutex
	factories map[string]StorageFactory
}

// NewStorageRegistry returns an empty registry.
func NewStorageRegistry() *StorageRegistry {
	return &StorageRegistry{factories: make(map[string]StorageFactory)}
}

// Register adds factory under name. Registering a name twice is an error.
func (r *StorageRegistry) Register(name string, factory StorageFactory) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("storage type %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Names lists registered storage types.
func (r *StorageRegistry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New creates the storage named by cfg.Storage.Type.
func (r *StorageRegistry) New(cfg *Config) (Storage, error) {
	r.lock.RLock()
	factory, ok := r.factories[cfg.Storage.Type]
	r.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStorageType, cfg.Storage.Type)
	}
	return factory(cfg)
}
