package postgres

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plone/guillotina-sub001"
)

// conn is a pooled connection and the native transaction running on it.
type conn struct {
	pc *pgxpool.Conn
	tx pgx.Tx
}

// ID is the backend process id, stable for the life of the physical connection.
func (c *conn) ID() int64 {
	return int64(c.pc.Conn().PgConn().PID())
}

// querier is what both pgx.Tx and *pgxpool.Pool offer.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open leases a pooled connection, waiting at most ConnectTimeout.
func (s *Storage) Open(ctx context.Context) (guillotina.Conn, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, guillotina.Error{Code: guillotina.StorageUnavailable, Err: fmt.Errorf("leasing connection: %w", err)}
	}
	return &conn{pc: pc}, nil
}

// Close rolls back whatever transaction is still open on c and returns it to the
// pool. Cancellation of ctx does not stop the release.
func (s *Storage) Close(ctx context.Context, c guillotina.Conn) error {
	cn, ok := c.(*conn)
	if !ok {
		return fmt.Errorf("foreign connection %T", c)
	}
	cn.rollback(ctx)
	cn.pc.Release()
	return nil
}

// rollback ends the native transaction still open on c, even when ctx is done.
func (c *conn) rollback(ctx context.Context) {
	if c.tx == nil {
		return
	}
	if err := c.tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		log.Warn("postgres storage: rollback on release failed", "conn", c.ID(), "error", err)
	}
	c.tx = nil
}

// connOf returns the connection of txn with its native transaction open.
func connOf(txn guillotina.Txn) (*conn, error) {
	if txn == nil || txn.Conn() == nil {
		return nil, guillotina.ErrNoTransaction
	}
	cn, ok := txn.Conn().(*conn)
	if !ok {
		return nil, fmt.Errorf("foreign connection %T", txn.Conn())
	}
	if cn.tx == nil {
		return nil, guillotina.ErrTransactionClosed
	}
	return cn, nil
}

// db returns where statement name should run for txn and the text to send: the
// statement name inside txn's native transaction, or the plain SQL on the pool when
// there is no txn.
func (s *Storage) db(ctx context.Context, txn guillotina.Txn, name string) (querier, string, error) {
	if txn == nil || txn.Conn() == nil {
		pool, err := s.getPool()
		if err != nil {
			return nil, "", err
		}
		return pool, s.sql.stmts[name], nil
	}
	cn, err := connOf(txn)
	if err != nil {
		return nil, "", err
	}
	if err := s.prepare(ctx, cn.pc.Conn(), name); err != nil {
		return nil, "", err
	}
	return cn.tx, name, nil
}

// prepare creates statement name on c the first time c needs it.
func (s *Storage) prepare(ctx context.Context, c *pgx.Conn, name string) error {
	s.stmtLock.Lock()
	done := s.prepared[c][name]
	s.stmtLock.Unlock()
	if done {
		return nil
	}
	if _, err := c.Prepare(ctx, name, s.sql.stmts[name]); err != nil {
		return fmt.Errorf("preparing %s: %w", name, mapError(err))
	}
	s.stmtLock.Lock()
	defer s.stmtLock.Unlock()
	if s.prepared[c] == nil {
		s.prepared[c] = make(map[string]bool)
	}
	s.prepared[c][name] = true
	return nil
}

// forgetConn drops the statement bookkeeping of a connection leaving the pool.
func (s *Storage) forgetConn(c *pgx.Conn) {
	s.stmtLock.Lock()
	delete(s.prepared, c)
	s.stmtLock.Unlock()
}

// TPCBegin starts the native transaction on c. Read-only transactions open a read
// only native transaction.
func (s *Storage) TPCBegin(ctx context.Context, txn guillotina.Txn, c guillotina.Conn) error {
	if s.cfg.ReadOnly && !txn.ReadOnly() {
		return guillotina.ErrReadOnly
	}
	cn, ok := c.(*conn)
	if !ok {
		return fmt.Errorf("foreign connection %T", c)
	}
	opts := pgx.TxOptions{IsoLevel: s.dialect.isolation}
	if txn.ReadOnly() {
		opts.AccessMode = pgx.ReadOnly
	}
	tx, err := cn.pc.BeginTx(ctx, opts)
	if err != nil {
		return mapError(err)
	}
	cn.tx = tx
	return nil
}

// voteScanLimit is the number of modified oids above which the vote scans every row
// newer than the transaction instead of listing the oids.
const voteScanLimit = 1000

// TPCVote looks for rows committed by others with a tid above txn's among the oids
// txn modified. Objects implementing guillotina.ConflictResolver get a chance to
// accept the committed version. Strategies other than resolve always pass.
func (s *Storage) TPCVote(ctx context.Context, txn guillotina.Txn) (bool, error) {
	if _, err := connOf(txn); err != nil {
		return false, err
	}
	if txn.ReadOnly() || s.cfg.TransactionStrategy != guillotina.StrategyResolve {
		return true, nil
	}
	oids := txn.ModifiedOIDs()
	if len(oids) == 0 {
		return true, nil
	}
	tid := int64(txn.TID())
	var newer []*guillotina.ObjectRecord
	err := s.withReadConn(ctx, func(c *pgx.Conn) error {
		var rows pgx.Rows
		var err error
		if len(oids) > voteScanLimit {
			rows, err = c.Query(ctx, s.sql.stmts[stmtVoteAll], tid)
		} else {
			rows, err = c.Query(ctx, s.sql.stmts[stmtVoteOIDs], oids, tid)
		}
		if err != nil {
			return err
		}
		newer, err = collectRecords(rows)
		return err
	})
	if err != nil {
		return false, err
	}
	for _, rec := range newer {
		obj, pending := txn.Modified(rec.OID)
		if !pending {
			continue
		}
		if r, ok := obj.(guillotina.ConflictResolver); ok && r.ResolveConflict(rec) {
			log.Debug("postgres storage: conflict resolved", "oid", rec.OID, "tid", rec.TID)
			continue
		}
		log.Debug("postgres storage: conflict", "oid", rec.OID, "committed", rec.TID, "txn", tid)
		return false, nil
	}
	return true, nil
}

// TPCFinish commits the native transaction. This is the durability point.
func (s *Storage) TPCFinish(ctx context.Context, txn guillotina.Txn) (uint64, error) {
	cn, err := connOf(txn)
	if err != nil {
		return 0, err
	}
	err = cn.tx.Commit(ctx)
	cn.tx = nil
	if err != nil {
		return 0, mapError(err)
	}
	return txn.TID(), nil
}

// Abort rolls the native transaction back. Aborting twice is fine.
func (s *Storage) Abort(ctx context.Context, txn guillotina.Txn) error {
	if txn == nil || txn.Conn() == nil {
		return nil
	}
	cn, ok := txn.Conn().(*conn)
	if !ok || cn.tx == nil {
		return nil
	}
	err := cn.tx.Rollback(context.WithoutCancel(ctx))
	cn.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return mapError(err)
	}
	return nil
}
