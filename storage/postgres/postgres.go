// Package postgres stores objects and blob chunks in PostgreSQL or CockroachDB through
// pgx. Each leased connection carries one native transaction; a separate long-lived
// connection serves the tid sequence and vote time conflict scans.
package postgres

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/plone/guillotina-sub001"
)

// Registered storage types.
const (
	TypePostgres  = "postgresql"
	TypeCockroach = "cockroach"
)

// indexBuilders bounds the index creation fan-out in Initialize.
const indexBuilders = 2

// dialect captures what differs between the supported engines.
type dialect struct {
	name string
	// softDelete moves deleted rows under the trash parent instead of removing them.
	softDelete bool
	isolation  pgx.TxIsoLevel
}

var dialects = map[string]dialect{
	TypePostgres:  {name: TypePostgres, softDelete: true, isolation: pgx.ReadCommitted},
	TypeCockroach: {name: TypeCockroach, softDelete: false, isolation: pgx.Serializable},
}

// Storage implements guillotina.Storage on a pgxpool.
type Storage struct {
	cfg     guillotina.StorageConfig
	dialect dialect
	sql     *sqlSet

	lock sync.Mutex
	pool *pgxpool.Pool

	// readLock serializes the long-lived read connection.
	readLock sync.Mutex
	readConn *pgx.Conn
	connCfg  *pgx.ConnConfig

	stmtLock sync.Mutex
	prepared map[*pgx.Conn]map[string]bool
}

var _ guillotina.Storage = (*Storage)(nil)

// NewStorage returns a storage for the dialect named by cfg.Type. Call Initialize
// before use.
func NewStorage(cfg guillotina.StorageConfig) (*Storage, error) {
	d, ok := dialects[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", guillotina.ErrInvalidStorageType, cfg.Type)
	}
	if cfg.DSN == "" {
		return nil, guillotina.Error{Code: guillotina.InvalidConfiguration, Err: errors.New("postgres storage needs a dsn")}
	}
	set, err := newSQLSet(cfg.TablePrefix)
	if err != nil {
		return nil, guillotina.Error{Code: guillotina.InvalidConfiguration, Err: err}
	}
	return &Storage{
		cfg:      cfg,
		dialect:  d,
		sql:      set,
		prepared: make(map[*pgx.Conn]map[string]bool),
	}, nil
}

// New is the guillotina.StorageFactory for both dialects.
func New(cfg *guillotina.Config) (guillotina.Storage, error) {
	return NewStorage(cfg.Storage)
}

// Register adds the postgresql and cockroach storage types to reg.
func Register(reg *guillotina.StorageRegistry) error {
	for _, name := range []string{TypePostgres, TypeCockroach} {
		if err := reg.Register(name, New); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) ReadOnly() bool {
	return s.cfg.ReadOnly
}

// Dialect returns the storage type this instance speaks.
func (s *Storage) Dialect() string {
	return s.dialect.name
}

// Initialize opens the pool and the read connection, then creates tables, sequence,
// indexes and the trash row when missing. Transient connection failures are retried.
func (s *Storage) Initialize(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pool != nil {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return guillotina.Error{Code: guillotina.InvalidConfiguration, Err: err}
	}
	if s.cfg.PoolSize > 0 {
		poolCfg.MaxConns = s.cfg.PoolSize
	}
	if s.cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = s.cfg.ConnectTimeout
	}
	poolCfg.BeforeClose = s.forgetConn

	var pool *pgxpool.Pool
	var readConn *pgx.Conn
	connect := func(ctx context.Context) error {
		if pool == nil {
			p, err := pgxpool.NewWithConfig(ctx, poolCfg)
			if err != nil {
				return retryable(err)
			}
			pool = p
		}
		if err := pool.Ping(ctx); err != nil {
			return retryable(err)
		}
		c, err := pgx.ConnectConfig(ctx, poolCfg.ConnConfig.Copy())
		if err != nil {
			return retryable(err)
		}
		readConn = c
		return nil
	}
	if err := guillotina.Retry(ctx, connect, nil); err != nil {
		if pool != nil {
			pool.Close()
		}
		return guillotina.Error{Code: guillotina.StorageUnavailable, Err: mapError(err)}
	}

	if !s.cfg.ReadOnly {
		if err := s.createSchema(ctx, pool); err != nil {
			readConn.Close(context.WithoutCancel(ctx))
			pool.Close()
			return err
		}
	}
	s.pool = pool
	s.readConn = readConn
	s.connCfg = poolCfg.ConnConfig
	log.Info("postgres storage: initialized", "dialect", s.dialect.name, "prefix", s.cfg.TablePrefix, "pool_size", poolCfg.MaxConns)
	return nil
}

func retryable(err error) error {
	if guillotina.ShouldRetry(err) {
		return retry.RetryableError(err)
	}
	return err
}

// createSchema runs the table statements in order, then builds the indexes of the
// objects and blobs tables side by side.
func (s *Storage) createSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range s.sql.schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", mapError(err))
		}
	}
	tr := guillotina.NewTaskRunner(ctx, indexBuilders)
	for _, stmts := range s.sql.indexes {
		tr.Go(func() error {
			for _, stmt := range stmts {
				if _, err := pool.Exec(tr.GetContext(), stmt); err != nil {
					return fmt.Errorf("creating index: %w", mapError(err))
				}
			}
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return err
	}
	if s.dialect.softDelete {
		if _, err := pool.Exec(ctx, s.sql.stmts[stmtInsertTrashItem]); err != nil {
			return fmt.Errorf("creating trash row: %w", mapError(err))
		}
	}
	return nil
}

// Finalize closes the read connection and the pool.
func (s *Storage) Finalize(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pool == nil {
		return nil
	}
	s.readLock.Lock()
	var err error
	if s.readConn != nil {
		err = s.readConn.Close(context.WithoutCancel(ctx))
		s.readConn = nil
	}
	s.readLock.Unlock()
	s.pool.Close()
	s.pool = nil
	return err
}

func (s *Storage) getPool() (*pgxpool.Pool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pool == nil {
		return nil, guillotina.Error{Code: guillotina.StorageUnavailable, Err: errors.New("postgres storage not initialized")}
	}
	return s.pool, nil
}

// withReadConn runs fn on the read connection, reconnecting once when it was lost.
func (s *Storage) withReadConn(ctx context.Context, fn func(c *pgx.Conn) error) error {
	s.readLock.Lock()
	defer s.readLock.Unlock()
	if s.readConn == nil || s.readConn.IsClosed() {
		if s.connCfg == nil {
			return guillotina.Error{Code: guillotina.StorageUnavailable, Err: errors.New("postgres storage not initialized")}
		}
		c, err := pgx.ConnectConfig(ctx, s.connCfg.Copy())
		if err != nil {
			return guillotina.Error{Code: guillotina.StorageUnavailable, Err: err}
		}
		log.Warn("postgres storage: read connection reopened")
		s.readConn = c
	}
	return mapError(fn(s.readConn))
}

func (s *Storage) queryTID(ctx context.Context, name string) (uint64, error) {
	var v int64
	err := s.withReadConn(ctx, func(c *pgx.Conn) error {
		return c.QueryRow(ctx, s.sql.stmts[name]).Scan(&v)
	})
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (s *Storage) NextTID(ctx context.Context) (uint64, error) {
	return s.queryTID(ctx, stmtNextTID)
}

func (s *Storage) LastTID(ctx context.Context) (uint64, error) {
	return s.queryTID(ctx, stmtLastTID)
}

func (s *Storage) CurrentTID(ctx context.Context) (uint64, error) {
	return s.queryTID(ctx, stmtCurrentTID)
}

// Vacuum hard deletes trashed rows; the foreign keys cascade to their subtrees and
// blobs. Stub rows no chunk refers to anymore go too.
func (s *Storage) Vacuum(ctx context.Context) error {
	if s.cfg.ReadOnly {
		return guillotina.ErrReadOnly
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var trashed int64
	if s.dialect.softDelete {
		tag, err := pool.Exec(ctx, s.sql.stmts[stmtVacuumTrashed])
		if err != nil {
			return mapError(err)
		}
		trashed = tag.RowsAffected()
	}
	tag, err := pool.Exec(ctx, s.sql.stmts[stmtVacuumStubs])
	if err != nil {
		return mapError(err)
	}
	log.Info("postgres storage: vacuum", "trashed", trashed, "stubs", tag.RowsAffected())
	return nil
}

func (s *Storage) count(ctx context.Context, name string, args ...any) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := pool.QueryRow(ctx, s.sql.stmts[name], args...).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func (s *Storage) TotalObjects(ctx context.Context) (int64, error) {
	return s.count(ctx, stmtTotalObjects)
}

func (s *Storage) TotalResourcesOfType(ctx context.Context, typeName string) (int64, error) {
	return s.count(ctx, stmtTotalOfType, typeName)
}

var errNoTID = errors.New("write outside a transaction with a tid")
