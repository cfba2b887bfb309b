// Package memory is an in-process guillotina.Storage. It follows the semantics of the
// SQL storages (conditional stores, vote time conflict detection, stub rows for
// blobs, cascading deletes) so tests and single process deployments behave like
// production. Set Config.Storage.Path to keep a bbolt snapshot across restarts.
package memory

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/plone/guillotina-sub001"
)

// TypeName is the storage type registered by Register.
const TypeName = "memory"

type chunk struct {
	ZOID string `msgpack:"zoid"`
	Data []byte `msgpack:"data"`
}

// overlay is the uncommitted state of one native transaction.
type overlay struct {
	// rows holds written records; a nil value is a deletion.
	rows map[string]*guillotina.ObjectRecord
	// blobs holds chunks written in this transaction, by bid then index.
	blobs map[string]map[int]chunk
	// dropped marks bids deleted in this transaction.
	dropped map[string]bool
	voted   bool
}

func newOverlay() *overlay {
	return &overlay{
		rows:    make(map[string]*guillotina.ObjectRecord),
		blobs:   make(map[string]map[int]chunk),
		dropped: make(map[string]bool),
	}
}

type conn struct {
	id int64
}

func (c *conn) ID() int64 { return c.id }

// Storage keeps committed rows in maps guarded by a RWMutex. Each leased connection
// carries an overlay with the writes of its open transaction.
type Storage struct {
	cfg      guillotina.StorageConfig
	readOnly bool

	mu       sync.RWMutex
	rows     map[string]*guillotina.ObjectRecord
	blobs    map[string]map[int]chunk
	overlays map[int64]*overlay
	lastTID  uint64
	// commitLock is held from a successful vote to finish or abort.
	commitLock sync.Mutex

	pool   *semaphore.Weighted
	nextID atomic.Int64
	snap   *snapshot
	ready  bool
}

var _ guillotina.Storage = (*Storage)(nil)

// New creates a memory storage from cfg. Call Initialize before use.
func New(cfg *guillotina.Config) (guillotina.Storage, error) {
	return NewStorage(cfg.Storage), nil
}

// NewStorage creates a memory storage.
func NewStorage(cfg guillotina.StorageConfig) *Storage {
	size := int64(cfg.PoolSize)
	if size <= 0 {
		size = 13
	}
	return &Storage{
		cfg:      cfg,
		readOnly: cfg.ReadOnly,
		rows:     make(map[string]*guillotina.ObjectRecord),
		blobs:    make(map[string]map[int]chunk),
		overlays: make(map[int64]*overlay),
		pool:     semaphore.NewWeighted(size),
	}
}

// Register adds the memory storage to reg.
func Register(reg *guillotina.StorageRegistry) error {
	return reg.Register(TypeName, New)
}

func (s *Storage) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if s.cfg.Path != "" {
		snap, err := openSnapshot(s.cfg.Path)
		if err != nil {
			return guillotina.Error{Code: guillotina.StorageUnavailable, Err: err}
		}
		if err := snap.load(s); err != nil {
			snap.close()
			return guillotina.Error{Code: guillotina.StorageUnavailable, Err: err}
		}
		s.snap = snap
		log.Info("memory storage: snapshot loaded", "path", s.cfg.Path, "objects", len(s.rows), "last_tid", s.lastTID)
	}
	s.ready = true
	return nil
}

func (s *Storage) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	if s.snap == nil {
		return nil
	}
	err := s.snap.close()
	s.snap = nil
	return err
}

func (s *Storage) ReadOnly() bool {
	return s.readOnly
}

// Open leases a connection, waiting at most ConnectTimeout for a free slot.
func (s *Storage) Open(ctx context.Context) (guillotina.Conn, error) {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return nil, guillotina.Error{Code: guillotina.StorageUnavailable, Err: fmt.Errorf("leasing connection: %w", err)}
	}
	return &conn{id: s.nextID.Add(1)}, nil
}

// Close returns c to the pool, dropping whatever its transaction left behind.
func (s *Storage) Close(ctx context.Context, c guillotina.Conn) error {
	s.mu.Lock()
	ov, ok := s.overlays[c.ID()]
	delete(s.overlays, c.ID())
	s.mu.Unlock()
	if ok && ov.voted {
		s.commitLock.Unlock()
	}
	s.pool.Release(1)
	return nil
}

func (s *Storage) NextTID(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTID++
	return s.lastTID, nil
}

func (s *Storage) LastTID(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTID, nil
}

func (s *Storage) CurrentTID(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var current uint64
	for _, rec := range s.rows {
		current = max(current, rec.TID)
	}
	return current, nil
}

func (s *Storage) TPCBegin(ctx context.Context, txn guillotina.Txn, c guillotina.Conn) error {
	if s.readOnly && !txn.ReadOnly() {
		return guillotina.ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays[c.ID()] = newOverlay()
	return nil
}

// overlayOf returns the overlay of txn's connection. Callers hold s.mu.
func (s *Storage) overlayOf(txn guillotina.Txn) (*overlay, error) {
	if txn == nil || txn.Conn() == nil {
		return nil, nil
	}
	ov, ok := s.overlays[txn.Conn().ID()]
	if !ok {
		return nil, guillotina.ErrTransactionClosed
	}
	return ov, nil
}

// TPCVote takes the commit lock and checks every row written by txn against what got
// committed since it was read.
func (s *Storage) TPCVote(ctx context.Context, txn guillotina.Txn) (bool, error) {
	s.commitLock.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, err := s.overlayOf(txn)
	if err != nil || ov == nil {
		s.commitLock.Unlock()
		if err == nil {
			err = guillotina.ErrNoTransaction
		}
		return false, err
	}
	ov.voted = true

	for _, rec := range ov.rows {
		if rec == nil {
			continue
		}
		if err := s.checkUnique(ov, rec); err != nil {
			return false, err
		}
	}
	if s.cfg.TransactionStrategy != guillotina.StrategyResolve {
		return true, nil
	}
	for _, oid := range sortedKeys(ov.rows) {
		rec := ov.rows[oid]
		if rec == nil {
			continue
		}
		committed, ok := s.rows[oid]
		if !ok || committed.TID == rec.OTID {
			continue
		}
		if obj, pending := txn.Modified(oid); pending {
			if r, can := obj.(guillotina.ConflictResolver); can && r.ResolveConflict(clone(committed)) {
				log.Debug("memory storage: conflict resolved", "oid", oid, "tid", committed.TID)
				rec.OTID = committed.TID
				continue
			}
		}
		log.Debug("memory storage: conflict", "oid", oid, "read", rec.OTID, "committed", committed.TID)
		return false, nil
	}
	return true, nil
}

// TPCFinish applies the overlay and releases the commit lock.
func (s *Storage) TPCFinish(ctx context.Context, txn guillotina.Txn) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, err := s.overlayOf(txn)
	if err != nil {
		return 0, err
	}
	if ov == nil {
		return 0, guillotina.ErrNoTransaction
	}
	if ov.voted {
		defer s.commitLock.Unlock()
	}

	changes := s.apply(ov)
	*ov = *newOverlay()
	if s.snap != nil {
		if err := s.snap.save(changes, s.lastTID); err != nil {
			// The maps are already updated; only the file lags behind.
			log.Error("memory storage: snapshot write failed", "path", s.cfg.Path, "error", err)
			return txn.TID(), guillotina.Error{Code: guillotina.StorageUnavailable, Err: err}
		}
	}
	return txn.TID(), nil
}

func (s *Storage) Abort(ctx context.Context, txn guillotina.Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, err := s.overlayOf(txn)
	if err != nil || ov == nil {
		return nil
	}
	if ov.voted {
		s.commitLock.Unlock()
	}
	*ov = *newOverlay()
	return nil
}

// changeSet lists what apply touched, for the snapshot.
type changeSet struct {
	rows        []*guillotina.ObjectRecord
	deletedRows []string
	blobs       map[string]map[int]chunk
	deletedBIDs []string
}

// apply moves ov into the committed maps. Callers hold s.mu.
func (s *Storage) apply(ov *overlay) changeSet {
	var cs changeSet
	for _, bid := range sortedKeys(ov.dropped) {
		delete(s.blobs, bid)
		cs.deletedBIDs = append(cs.deletedBIDs, bid)
	}
	for _, oid := range sortedKeys(ov.rows) {
		rec := ov.rows[oid]
		if rec != nil {
			s.rows[oid] = rec
			cs.rows = append(cs.rows, rec)
		}
	}
	cs.blobs = make(map[string]map[int]chunk, len(ov.blobs))
	for bid, chunks := range ov.blobs {
		dst, ok := s.blobs[bid]
		if !ok {
			dst = make(map[int]chunk, len(chunks))
			s.blobs[bid] = dst
		}
		for i, c := range chunks {
			dst[i] = c
		}
		cs.blobs[bid] = chunks
	}
	for _, oid := range sortedKeys(ov.rows) {
		if ov.rows[oid] == nil {
			removed, bids := s.cascade(oid)
			cs.deletedRows = append(cs.deletedRows, removed...)
			cs.deletedBIDs = append(cs.deletedBIDs, bids...)
		}
	}
	return cs
}

// cascade hard deletes oid, every row whose parent or owner chain reaches it and
// their blob chunks. Callers hold s.mu.
func (s *Storage) cascade(oid string) (removed, bids []string) {
	doomed := map[string]bool{oid: true}
	for grew := true; grew; {
		grew = false
		for zoid, rec := range s.rows {
			if doomed[zoid] {
				continue
			}
			if doomed[rec.ParentID] || doomed[rec.Of] {
				doomed[zoid] = true
				grew = true
			}
		}
	}
	for zoid := range doomed {
		if _, ok := s.rows[zoid]; ok {
			delete(s.rows, zoid)
			removed = append(removed, zoid)
		}
	}
	for bid, chunks := range s.blobs {
		for _, c := range chunks {
			if doomed[c.ZOID] {
				delete(s.blobs, bid)
				bids = append(bids, bid)
				break
			}
		}
	}
	sort.Strings(removed)
	return removed, bids
}

// Vacuum drops stub rows no blob refers to anymore. Deletes are immediate here, so
// there is no trash to purge.
func (s *Storage) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	referenced := make(map[string]bool)
	for _, chunks := range s.blobs {
		for _, c := range chunks {
			referenced[c.ZOID] = true
		}
	}
	var cs changeSet
	for oid, rec := range s.rows {
		if rec.IsStub() && !referenced[oid] {
			delete(s.rows, oid)
			cs.deletedRows = append(cs.deletedRows, oid)
		}
	}
	log.Info("memory storage: vacuum", "removed_stubs", len(cs.deletedRows))
	if s.snap != nil && len(cs.deletedRows) > 0 {
		return s.snap.save(cs, s.lastTID)
	}
	return nil
}

func (s *Storage) TotalObjects(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.rows {
		if !rec.IsStub() {
			n++
		}
	}
	return n, nil
}

func (s *Storage) TotalResourcesOfType(ctx context.Context, typeName string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.rows {
		if rec.Resource && rec.Type == typeName {
			n++
		}
	}
	return n, nil
}

func clone(rec *guillotina.ObjectRecord) *guillotina.ObjectRecord {
	cp := *rec
	return &cp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var errNoTID = errors.New("write outside a transaction with a tid")
