package transaction

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"
	"github.com/tevino/abool"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/cache"
	"github.com/plone/guillotina-sub001/encoding"
	"github.com/plone/guillotina-sub001/objects"
)

// Manager owns one storage, the current Transaction and a LIFO pool of suspended
// transactions. Close it when its owner goes away; open transactions get aborted.
type Manager struct {
	storage guillotina.Storage
	cfg     *guillotina.Config
	cache   *cache.ObjectCache
	reader  guillotina.Reader
	writers guillotina.WriterFactory
	metrics *Metrics

	mu      sync.Mutex
	current *Transaction
	pool    []*Transaction
	closing abool.AtomicBool
}

// Option customizes a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	reader  guillotina.Reader
	writers guillotina.WriterFactory
	types   *objects.TypeRegistry
	cache   *cache.ObjectCache
	caches  *guillotina.CacheRegistry
	metrics *Metrics
}

// WithReader sets the Reader used to materialize records.
func WithReader(r guillotina.Reader) Option {
	return func(o *managerOptions) { o.reader = r }
}

// WithWriterFactory sets the WriterFactory used to store objects.
func WithWriterFactory(f guillotina.WriterFactory) Option {
	return func(o *managerOptions) { o.writers = f }
}

// WithTypes sets the type registry of the default Reader.
func WithTypes(types *objects.TypeRegistry) Option {
	return func(o *managerOptions) { o.types = types }
}

// WithObjectCache shares an ObjectCache between managers of one process.
func WithObjectCache(c *cache.ObjectCache) Option {
	return func(o *managerOptions) { o.cache = c }
}

// WithCacheRegistry resolves the shared cache level from cfg.Cache through reg.
func WithCacheRegistry(reg *guillotina.CacheRegistry) Option {
	return func(o *managerOptions) { o.caches = reg }
}

// WithMetrics sets where commit metrics are recorded.
func WithMetrics(m *Metrics) Option {
	return func(o *managerOptions) { o.metrics = m }
}

// NewManager creates a Manager over storage. cfg is read, never modified.
func NewManager(storage guillotina.Storage, cfg *guillotina.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = guillotina.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}

	codec, err := encoding.Get(cfg.StateCodec)
	if err != nil {
		return nil, guillotina.Error{Code: guillotina.InvalidConfiguration, Err: err}
	}
	if o.reader == nil {
		types := o.types
		if types == nil {
			types = objects.NewTypeRegistry()
		}
		o.reader = objects.NewReader(types, codec)
	}
	if o.writers == nil {
		o.writers = objects.NewWriterFactory(codec)
	}
	if o.cache == nil && cfg.Cache.Type != guillotina.CacheNone {
		var l2 guillotina.Cache
		if o.caches != nil {
			if l2, err = o.caches.Get(&cfg.Cache); err != nil {
				return nil, err
			}
		}
		o.cache = cache.NewObjectCache(cfg.Cache.Size, cfg.Cache.TTL, l2)
	}
	if o.metrics == nil {
		o.metrics = DefaultMetrics()
	}

	return &Manager{
		storage: storage,
		cfg:     cfg,
		cache:   o.cache,
		reader:  o.reader,
		writers: o.writers,
		metrics: o.metrics,
	}, nil
}

// Storage returns the managed storage.
func (m *Manager) Storage() guillotina.Storage {
	return m.storage
}

// Cache returns the object cache, nil when caching is off.
func (m *Manager) Cache() *cache.ObjectCache {
	return m.cache
}

// BeginOption customizes Begin.
type BeginOption func(*beginOptions)

type beginOptions struct {
	readOnly bool
}

// ReadOnly begins a transaction that refuses writes.
func ReadOnly() BeginOption {
	return func(o *beginOptions) { o.readOnly = true }
}

// Begin leases a connection and starts a transaction on it. An already current
// transaction is pushed onto the pool and comes back when the new one finishes.
func (m *Manager) Begin(ctx context.Context, opts ...BeginOption) (*Transaction, error) {
	if m.closing.IsSet() {
		return nil, guillotina.ErrServerClosing
	}
	var o beginOptions
	for _, opt := range opts {
		opt(&o)
	}
	if m.storage.ReadOnly() {
		o.readOnly = true
	}

	conn, err := m.storage.Open(ctx)
	if err != nil {
		return nil, err
	}
	txn := newTransaction(m, conn, o.readOnly)
	if err := m.storage.TPCBegin(ctx, txn, conn); err != nil {
		if cerr := m.storage.Close(ctx, conn); cerr != nil {
			log.Warn("manager: releasing connection after failed begin", "error", cerr)
		}
		return nil, err
	}

	m.mu.Lock()
	if m.current != nil {
		m.pool = append(m.pool, m.current)
	}
	m.current = txn
	m.mu.Unlock()
	return txn, nil
}

// Current returns the current transaction, nil when none.
func (m *Manager) Current() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// PoolSize is the number of suspended transactions.
func (m *Manager) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// Commit commits the current transaction, releases its connection and restores the
// previously suspended transaction.
func (m *Manager) Commit(ctx context.Context) error {
	txn := m.Current()
	if txn == nil {
		return guillotina.ErrNoTransaction
	}
	return m.commitTxn(ctx, txn)
}

// Abort aborts the current transaction, releases its connection and restores the
// previously suspended transaction.
func (m *Manager) Abort(ctx context.Context) error {
	txn := m.Current()
	if txn == nil {
		return guillotina.ErrNoTransaction
	}
	return m.abortTxn(ctx, txn)
}

func (m *Manager) commitTxn(ctx context.Context, txn *Transaction) error {
	start := time.Now()
	err := txn.Commit(ctx)
	if err != nil && txn.Status() == Active {
		if aerr := txn.Abort(ctx); aerr != nil {
			log.Warn("manager: abort after failed commit", "error", aerr)
		}
	}
	m.release(ctx, txn)
	m.metrics.observeCommit(start, err)
	return err
}

func (m *Manager) abortTxn(ctx context.Context, txn *Transaction) error {
	err := txn.Abort(ctx)
	m.release(ctx, txn)
	m.metrics.aborts.Inc()
	return err
}

// release returns txn's connection and takes it out of the manager.
func (m *Manager) release(ctx context.Context, txn *Transaction) {
	if err := m.storage.Close(ctx, txn.conn); err != nil {
		log.Warn("manager: releasing connection", "error", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == txn {
		m.current = nil
		if n := len(m.pool); n > 0 {
			m.current = m.pool[n-1]
			m.pool = m.pool[:n-1]
		}
		return
	}
	for i, t := range m.pool {
		if t == txn {
			m.pool = append(m.pool[:i], m.pool[i+1:]...)
			return
		}
	}
}

// Adopt merges the current transaction's pending work into the suspended transaction
// below it, then discards the current one. The parent becomes current again and its
// commit will include everything registered in the child.
func (m *Manager) Adopt(ctx context.Context) error {
	m.mu.Lock()
	child := m.current
	var parent *Transaction
	if n := len(m.pool); n > 0 {
		parent = m.pool[n-1]
	}
	m.mu.Unlock()
	if child == nil {
		return guillotina.ErrNoTransaction
	}
	if parent == nil {
		return errNoParent
	}
	if err := parent.adopt(child); err != nil {
		return err
	}
	err := child.Abort(ctx)
	m.release(ctx, child)
	return err
}

// RunNested runs fn in a new transaction on top of the current one. With adopt the
// child's work is merged into the parent, otherwise the child commits on its own.
func (m *Manager) RunNested(ctx context.Context, adopt bool, fn func(ctx context.Context, txn *Transaction) error) error {
	txn, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, txn); err != nil {
		if aerr := m.abortTxn(ctx, txn); aerr != nil {
			log.Warn("manager: aborting nested transaction", "error", aerr)
		}
		return err
	}
	if adopt {
		return m.Adopt(ctx)
	}
	return m.commitTxn(ctx, txn)
}

// RunInTransaction runs fn as one unit of work and commits it. On a conflict the whole
// unit of work is replayed in a fresh transaction, up to ConflictRetryAttempts times
// in total. Exhausted retries yield a ConflictRetriesExhausted error which still
// matches guillotina.ErrConflict.
func (m *Manager) RunInTransaction(ctx context.Context, fn func(ctx context.Context, txn *Transaction) error) error {
	attempts := m.cfg.ConflictRetryAttempts
	backoff := m.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	b := retry.NewExponential(backoff)
	b = retry.WithJitterPercent(25, b)
	b = retry.WithMaxRetries(uint64(attempts-1), b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := m.runOnce(ctx, fn)
		if err == nil || !guillotina.IsConflict(err) {
			return err
		}
		m.metrics.conflicts.Inc()
		m.forgetConflicts(ctx, err)
		if attempt < attempts {
			m.metrics.retries.Inc()
			log.Debug("manager: conflict, replaying unit of work", "attempt", attempt, "error", err)
		}
		return retry.RetryableError(err)
	})
	if err != nil && guillotina.IsConflict(err) {
		log.Warn("manager: conflict retries exhausted", "attempts", attempt, "error", err)
		return guillotina.Error{Code: guillotina.ConflictRetriesExhausted, Err: err, UserData: attempt}
	}
	return err
}

func (m *Manager) runOnce(ctx context.Context, fn func(ctx context.Context, txn *Transaction) error) (err error) {
	txn, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if aerr := m.abortTxn(ctx, txn); aerr != nil {
				log.Warn("manager: aborting panicked unit of work", "error", aerr)
			}
			panic(r)
		}
	}()
	if err := fn(ctx, txn); err != nil {
		if aerr := m.abortTxn(ctx, txn); aerr != nil {
			log.Warn("manager: aborting failed unit of work", "error", aerr)
		}
		return err
	}
	return m.commitTxn(ctx, txn)
}

// forgetConflicts drops the cached records a conflict was about so the replay reads
// what the winning transaction committed.
func (m *Manager) forgetConflicts(ctx context.Context, err error) {
	if m.cache == nil {
		return
	}
	oids := guillotina.ConflictOIDs(err)
	if len(oids) == 0 {
		m.cache.Clear()
		return
	}
	keys := make([]string, len(oids))
	for i, oid := range oids {
		keys[i] = cache.OIDKey(oid)
	}
	if ierr := m.cache.Invalidate(ctx, keys...); ierr != nil {
		log.Warn("manager: invalidating conflicting oids", "error", ierr)
	}
}

// Close aborts the current and every suspended transaction. Later Begin calls fail
// with guillotina.ErrServerClosing.
func (m *Manager) Close(ctx context.Context) error {
	m.closing.Set()
	var result *multierror.Error
	for {
		txn := m.Current()
		if txn == nil {
			break
		}
		if err := m.abortTxn(ctx, txn); err != nil {
			result = multierror.Append(result, fmt.Errorf("aborting %s: %w", txn, err))
		}
	}
	return result.ErrorOrNil()
}

type txnKey struct{}

// WithTransaction returns a context carrying txn, for request scoped code that can not
// thread the transaction through its signatures.
func WithTransaction(ctx context.Context, txn *Transaction) context.Context {
	return context.WithValue(ctx, txnKey{}, txn)
}

// FromContext returns the transaction stored by WithTransaction.
func FromContext(ctx context.Context) (*Transaction, bool) {
	txn, ok := ctx.Value(txnKey{}).(*Transaction)
	return txn, ok
}
