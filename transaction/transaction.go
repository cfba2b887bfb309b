// Package transaction implements the unit of work over a guillotina.Storage: the
// Transaction state machine and the Manager that begins, commits, nests and retries
// transactions.
package transaction

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/cache"
)

// Status is the state of a Transaction.
type Status int

const (
	// Active is the initial state; objects may be read and registered.
	Active Status = iota
	// Committing is set while stores, vote and finish run.
	Committing
	// Committed is the terminal success state.
	Committed
	// Aborted is the terminal state after Abort or a failed commit.
	Aborted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// BeforeCommitHook runs before anything is stored. It may still register objects.
type BeforeCommitHook func(ctx context.Context, txn *Transaction) error

// AfterCommitHook runs once the transaction reached a terminal state. Its error is
// logged, never returned.
type AfterCommitHook func(ctx context.Context, success bool) error

// Transaction is one unit of work. It exclusively owns its leased connection and
// native database transaction until the Manager releases it.
//
// Calls are serialized by a mutex. The accessors of guillotina.Txn do not take it, the
// storage calls them while an operation holds it.
type Transaction struct {
	mu      sync.Mutex
	manager *Manager
	storage guillotina.Storage
	conn    guillotina.Conn
	tid     atomic.Uint64
	status  Status
	// readOnly transactions can not register or delete.
	readOnly bool
	started  time.Time

	// bk guards the bookkeeping sets for the storage facing accessors.
	bk       sync.RWMutex
	added    *objectSet
	modified *objectSet
	deleted  *objectSet
	loaded   map[string]guillotina.Object
	// origins holds the cache keys each loaded object was read under, so a commit
	// that moves or renames it also forgets its old location.
	origins map[string][]string

	beforeCommit []BeforeCommitHook
	afterCommit  []AfterCommitHook
}

var (
	_ guillotina.Txn = (*Transaction)(nil)
	_ guillotina.Jar = (*Transaction)(nil)
)

func newTransaction(m *Manager, conn guillotina.Conn, readOnly bool) *Transaction {
	return &Transaction{
		manager:  m,
		storage:  m.storage,
		conn:     conn,
		readOnly: readOnly,
		started:  time.Now(),
		added:    newObjectSet(),
		modified: newObjectSet(),
		deleted:  newObjectSet(),
		loaded:   make(map[string]guillotina.Object),
		origins:  make(map[string][]string),
	}
}

// TID is the transaction id, 0 while no write happened.
func (t *Transaction) TID() uint64 {
	return t.tid.Load()
}

// Conn is the leased connection.
func (t *Transaction) Conn() guillotina.Conn {
	return t.conn
}

// ReadOnly reports whether writes are refused.
func (t *Transaction) ReadOnly() bool {
	return t.readOnly
}

// Storage is the backend this transaction writes to.
func (t *Transaction) Storage() guillotina.Storage {
	return t.storage
}

// Status returns the current state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ModifiedOIDs lists every oid written so far: added, then modified, then deleted.
func (t *Transaction) ModifiedOIDs() []string {
	t.bk.RLock()
	defer t.bk.RUnlock()
	oids := make([]string, 0, t.added.len()+t.modified.len()+t.deleted.len())
	oids = append(oids, t.added.oids()...)
	oids = append(oids, t.modified.oids()...)
	return append(oids, t.deleted.oids()...)
}

// Modified returns the pending object registered under oid.
func (t *Transaction) Modified(oid string) (guillotina.Object, bool) {
	t.bk.RLock()
	defer t.bk.RUnlock()
	if obj, ok := t.modified.get(oid); ok {
		return obj, true
	}
	return t.added.get(oid)
}

// Added returns the objects pending insertion, in registration order.
func (t *Transaction) Added() []guillotina.Object {
	t.bk.RLock()
	defer t.bk.RUnlock()
	return t.added.objects()
}

// Deleted returns the oids pending deletion.
func (t *Transaction) Deleted() []string {
	t.bk.RLock()
	defer t.bk.RUnlock()
	return t.deleted.oids()
}

// EnsureTID allocates the transaction id from the storage sequence on first use.
func (t *Transaction) EnsureTID(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != Active && t.status != Committing {
		return 0, guillotina.ErrTransactionClosed
	}
	return t.ensureTID(ctx)
}

func (t *Transaction) ensureTID(ctx context.Context) (uint64, error) {
	if tid := t.tid.Load(); tid != 0 {
		return tid, nil
	}
	tid, err := t.storage.NextTID(ctx)
	if err != nil {
		return 0, err
	}
	t.tid.Store(tid)
	log.Debug("transaction: tid allocated", "tid", tid)
	return tid, nil
}

// AddBeforeCommitHook appends a hook run at the start of Commit.
func (t *Transaction) AddBeforeCommitHook(h BeforeCommitHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beforeCommit = append(t.beforeCommit, h)
}

// AddAfterCommitHook appends a hook run after Commit, successful or not.
func (t *Transaction) AddAfterCommitHook(h AfterCommitHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterCommit = append(t.afterCommit, h)
}

func (t *Transaction) checkWritable(obj guillotina.Object) error {
	if t.status != Active {
		return guillotina.ErrTransactionClosed
	}
	if t.readOnly {
		return fmt.Errorf("%w: %w", guillotina.ErrUnauthorized, guillotina.ErrReadOnly)
	}
	return t.checkJar(obj)
}

func (t *Transaction) checkJar(obj guillotina.Object) error {
	if jar := obj.Jar(); jar != nil && jar != guillotina.Jar(t) {
		return fmt.Errorf("%w: %s", guillotina.ErrInvalidTransactionReference, obj.OID())
	}
	return nil
}

// Register marks obj for writing. An object that was never stored is queued for
// insertion, getting an oid if it has none; anything else is queued as modified.
// Ancestors and owners without an oid are registered first, since obj's oid is
// derived from theirs.
func (t *Transaction) Register(obj guillotina.Object) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritable(obj); err != nil {
		return err
	}

	t.bk.Lock()
	defer t.bk.Unlock()
	return t.register(obj)
}

// register does the work of Register. Callers hold t.mu and t.bk.
func (t *Transaction) register(obj guillotina.Object) error {
	oid := obj.OID()
	if oid == "" {
		for _, up := range []guillotina.Object{obj.Parent(), obj.Of()} {
			if up == nil || up.OID() != "" {
				continue
			}
			if err := t.checkJar(up); err != nil {
				return err
			}
			if err := t.register(up); err != nil {
				return err
			}
		}
		oid = guillotina.GenerateOID(obj)
		obj.SetOID(oid)
	}
	obj.SetJar(t)
	if _, ok := t.added.get(oid); ok {
		return nil
	}
	if obj.Serial() == 0 {
		t.deleted.remove(oid)
		t.added.add(oid, obj)
		return nil
	}
	t.deleted.remove(oid)
	t.modified.add(oid, obj)
	return nil
}

// Delete marks obj for removal.
func (t *Transaction) Delete(obj guillotina.Object) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritable(obj); err != nil {
		return err
	}
	oid := obj.OID()
	if oid == "" {
		return nil
	}

	t.bk.Lock()
	defer t.bk.Unlock()
	obj.SetJar(t)
	t.modified.remove(oid)
	t.added.remove(oid)
	t.deleted.add(oid, obj)
	return nil
}

// Commit runs the before hooks, stores added, modified and deleted objects in that
// order, votes and finishes. A failed vote aborts and returns a ConflictError. After
// hooks run either way and the bookkeeping is cleared either way.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.status != Active {
		t.mu.Unlock()
		return guillotina.ErrTransactionClosed
	}
	hooks := t.beforeCommit
	t.beforeCommit = nil
	t.mu.Unlock()

	for _, h := range hooks {
		if err := h(ctx, t); err != nil {
			return err
		}
	}

	t.mu.Lock()
	if t.status != Active {
		t.mu.Unlock()
		return guillotina.ErrTransactionClosed
	}
	t.status = Committing
	keys, err := t.commit(ctx)
	if err != nil {
		if aerr := t.storage.Abort(ctx, t); aerr != nil {
			log.Warn("transaction: abort after failed commit", "tid", t.TID(), "error", aerr)
		}
		t.status = Aborted
	} else {
		t.status = Committed
	}
	t.clear()
	after := t.afterCommit
	t.afterCommit = nil
	t.mu.Unlock()

	if err == nil {
		t.invalidate(ctx, keys)
	}
	if herr := runAfterCommitHooks(ctx, after, err == nil); herr != nil {
		log.Warn("transaction: after commit hooks failed", "tid", t.TID(), "error", herr)
	}
	return err
}

// commit does the storage side of Commit and returns the cache keys to invalidate.
func (t *Transaction) commit(ctx context.Context) ([]string, error) {
	t.bk.RLock()
	added := t.added.objects()
	modified := t.modified.objects()
	deleted := t.deleted.objects()
	t.bk.RUnlock()

	if len(added)+len(modified)+len(deleted) > 0 {
		if _, err := t.ensureTID(ctx); err != nil {
			return nil, err
		}
	}

	added = parentsFirst(added)
	keys := make([]string, 0, 2*(len(added)+len(modified)+len(deleted)))
	for _, obj := range added {
		if err := t.store(ctx, obj, 0); err != nil {
			return nil, err
		}
		keys = append(keys, objectKeys(obj)...)
	}
	for _, obj := range modified {
		if err := t.store(ctx, obj, obj.Serial()); err != nil {
			return nil, err
		}
		keys = append(keys, objectKeys(obj)...)
		keys = append(keys, t.originKeys(obj.OID())...)
	}
	for _, obj := range deleted {
		if t.manager.cache != nil {
			sub, err := t.subtreeKeys(ctx, obj.OID())
			if err != nil {
				return nil, err
			}
			keys = append(keys, sub...)
		}
		if err := t.storage.Delete(ctx, t, obj.OID()); err != nil {
			return nil, err
		}
		keys = append(keys, objectKeys(obj)...)
		keys = append(keys, t.originKeys(obj.OID())...)
	}

	ok, err := t.storage.TPCVote(ctx, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, guillotina.NewConflictError(guillotina.ErrConflict, t.ModifiedOIDs()...)
	}
	tid, err := t.storage.TPCFinish(ctx, t)
	if err != nil {
		return nil, err
	}
	if tid != 0 {
		for _, obj := range added {
			obj.SetSerial(tid)
		}
		for _, obj := range modified {
			obj.SetSerial(tid)
		}
	}
	log.Debug("transaction: committed", "tid", tid, "added", len(added), "modified", len(modified), "deleted", len(deleted))
	return keys, nil
}

func (t *Transaction) store(ctx context.Context, obj guillotina.Object, oldSerial uint64) error {
	w, err := t.manager.writers(obj)
	if err != nil {
		return err
	}
	if _, _, err := t.storage.Store(ctx, t, obj.OID(), oldSerial, w, obj); err != nil {
		if errors.Is(err, guillotina.ErrConflict) {
			return guillotina.NewConflictError(err, obj.OID())
		}
		return err
	}
	return nil
}

// parentsFirst orders objs so that a parent or owner also being inserted is stored
// before the objects that refer to it. The order is otherwise kept.
func parentsFirst(objs []guillotina.Object) []guillotina.Object {
	byOID := make(map[string]guillotina.Object, len(objs))
	for _, obj := range objs {
		byOID[obj.OID()] = obj
	}
	ordered := make([]guillotina.Object, 0, len(objs))
	done := make(map[string]bool, len(objs))
	var visit func(obj guillotina.Object)
	visit = func(obj guillotina.Object) {
		if done[obj.OID()] {
			return
		}
		done[obj.OID()] = true
		for _, up := range []string{obj.ParentOID(), obj.OfOID()} {
			if dep, ok := byOID[up]; ok {
				visit(dep)
			}
		}
		ordered = append(ordered, obj)
	}
	for _, obj := range objs {
		visit(obj)
	}
	return ordered
}

func (t *Transaction) originKeys(oid string) []string {
	t.bk.RLock()
	defer t.bk.RUnlock()
	return t.origins[oid]
}

// subtreeKeys lists the cache keys of every stored child and annotation below oid,
// at any depth. Deleting oid takes them out of storage too.
func (t *Transaction) subtreeKeys(ctx context.Context, oid string) ([]string, error) {
	var keys []string
	queue := []string{oid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for after := ""; ; {
			recs, err := t.storage.Items(ctx, t, cur, after, subtreePageSize)
			if err != nil {
				return nil, err
			}
			for _, rec := range recs {
				keys = append(keys, cache.RecordKeys(rec)...)
				queue = append(queue, rec.OID)
			}
			if len(recs) < subtreePageSize {
				break
			}
			after = recs[len(recs)-1].ID
		}
		ids, err := t.storage.GetAnnotationKeys(ctx, t, cur)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			rec, err := t.storage.GetAnnotation(ctx, t, cur, id)
			if errors.Is(err, guillotina.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			keys = append(keys, cache.RecordKeys(rec)...)
			queue = append(queue, rec.OID)
		}
	}
	return keys, nil
}

func objectKeys(obj guillotina.Object) []string {
	keys := []string{cache.OIDKey(obj.OID())}
	if p := obj.ParentOID(); p != "" && obj.Name() != "" {
		keys = append(keys, cache.ChildKey(p, obj.Name()))
	}
	if of := obj.OfOID(); of != "" && obj.Name() != "" {
		keys = append(keys, cache.AnnotationKey(of, obj.Name()))
	}
	return keys
}

func (t *Transaction) invalidate(ctx context.Context, keys []string) {
	c := t.manager.cache
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.Invalidate(ctx, keys...); err != nil {
		log.Warn("transaction: cache invalidation failed", "keys", len(keys), "error", err)
	}
}

// runAfterCommitHooks calls every hook even when some fail and returns their errors
// aggregated.
func runAfterCommitHooks(ctx context.Context, hooks []AfterCommitHook, success bool) error {
	var result *multierror.Error
	for i, h := range hooks {
		if err := callAfterCommitHook(ctx, h, success); err != nil {
			log.Error("transaction: after commit hook failed", "hook", i, "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func callAfterCommitHook(ctx context.Context, h AfterCommitHook, success bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("after commit hook panicked: %v", r)
		}
	}()
	return h(ctx, success)
}

// Abort rolls back the native transaction and drops pending work. Aborting a finished
// transaction is a no-op.
func (t *Transaction) Abort(ctx context.Context) error {
	t.mu.Lock()
	if t.status == Committed || t.status == Aborted {
		t.mu.Unlock()
		return nil
	}
	t.status = Aborted
	err := t.storage.Abort(ctx, t)
	t.clear()
	after := t.afterCommit
	t.afterCommit = nil
	t.beforeCommit = nil
	t.mu.Unlock()

	if herr := runAfterCommitHooks(ctx, after, false); herr != nil {
		log.Warn("transaction: after commit hooks failed on abort", "error", herr)
	}
	return err
}

// clear drops the bookkeeping and detaches every object this transaction touched.
func (t *Transaction) clear() {
	t.bk.Lock()
	defer t.bk.Unlock()
	for _, set := range []*objectSet{t.added, t.modified, t.deleted} {
		for _, obj := range set.objects() {
			t.detach(obj)
		}
		set.clear()
	}
	for oid, obj := range t.loaded {
		t.detach(obj)
		delete(t.loaded, oid)
	}
	clear(t.origins)
}

func (t *Transaction) detach(obj guillotina.Object) {
	if obj.Jar() == guillotina.Jar(t) {
		obj.SetJar(nil)
	}
}

// adopt moves child's pending work into t and points the moved objects at t.
func (t *Transaction) adopt(child *Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	child.mu.Lock()
	defer child.mu.Unlock()

	if t.status != Active || child.status != Active {
		return guillotina.ErrTransactionClosed
	}
	child.bk.Lock()
	defer child.bk.Unlock()
	if t.readOnly && child.added.len()+child.modified.len()+child.deleted.len() > 0 {
		return fmt.Errorf("%w: %w", guillotina.ErrUnauthorized, guillotina.ErrReadOnly)
	}

	t.bk.Lock()
	defer t.bk.Unlock()
	for _, oid := range child.added.oids() {
		obj, _ := child.added.get(oid)
		obj.SetJar(t)
		t.added.add(oid, obj)
	}
	for _, oid := range child.modified.oids() {
		obj, _ := child.modified.get(oid)
		obj.SetJar(t)
		if _, ok := t.added.get(oid); ok {
			t.added.add(oid, obj)
			continue
		}
		t.deleted.remove(oid)
		t.modified.add(oid, obj)
	}
	for _, oid := range child.deleted.oids() {
		obj, _ := child.deleted.get(oid)
		obj.SetJar(t)
		t.added.remove(oid)
		t.modified.remove(oid)
		t.deleted.add(oid, obj)
	}
	for oid, obj := range child.loaded {
		if obj.Jar() == guillotina.Jar(child) {
			obj.SetJar(t)
		}
		if _, ok := t.loaded[oid]; !ok {
			t.loaded[oid] = obj
		}
	}
	for oid, keys := range child.origins {
		if _, ok := t.origins[oid]; !ok {
			t.origins[oid] = keys
		}
	}
	t.beforeCommit = append(t.beforeCommit, child.beforeCommit...)
	t.afterCommit = append(t.afterCommit, child.afterCommit...)

	child.added.clear()
	child.modified.clear()
	child.deleted.clear()
	clear(child.loaded)
	clear(child.origins)
	child.beforeCommit = nil
	child.afterCommit = nil
	return nil
}

// IsEmpty reports whether nothing is pending.
func (t *Transaction) IsEmpty() bool {
	t.bk.RLock()
	defer t.bk.RUnlock()
	return t.added.len()+t.modified.len()+t.deleted.len() == 0
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn(tid=%d, status=%s)", t.TID(), t.Status())
}

// subtreePageSize is the number of children read per query when collecting the
// cache keys of a deleted subtree.
const subtreePageSize = 500

var errNoParent = errors.New("no parent transaction to adopt into")
