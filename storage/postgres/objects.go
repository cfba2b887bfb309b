package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/plone/guillotina-sub001"
)

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row selected with recordColumns.
func scanRecord(row scanner) (*guillotina.ObjectRecord, error) {
	var rec guillotina.ObjectRecord
	var tid, otid int64
	err := row.Scan(&rec.OID, &tid, &rec.StateSize, &rec.Part, &rec.Resource, &rec.Of, &otid,
		&rec.ParentID, &rec.ID, &rec.Type, &rec.JSON, &rec.State)
	if err != nil {
		return nil, err
	}
	rec.TID, rec.OTID = uint64(tid), uint64(otid)
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*guillotina.ObjectRecord, error) {
	defer rows.Close()
	var recs []*guillotina.ObjectRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// queryRecord runs a single row statement; no row is a KeyNotFoundError for key.
func (s *Storage) queryRecord(ctx context.Context, txn guillotina.Txn, name, key string, args ...any) (*guillotina.ObjectRecord, error) {
	q, sql, err := s.db(ctx, txn, name)
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &guillotina.KeyNotFoundError{Key: key}
	}
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

func (s *Storage) queryRecords(ctx context.Context, txn guillotina.Txn, name string, args ...any) ([]*guillotina.ObjectRecord, error) {
	q, sql, err := s.db(ctx, txn, name)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	recs, err := collectRecords(rows)
	return recs, mapError(err)
}

func (s *Storage) queryKeys(ctx context.Context, txn guillotina.Txn, name string, args ...any) ([]string, error) {
	q, sql, err := s.db(ctx, txn, name)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return keys, mapError(err)
}

func (s *Storage) Load(ctx context.Context, txn guillotina.Txn, oid string) (*guillotina.ObjectRecord, error) {
	return s.queryRecord(ctx, txn, stmtLoad, oid, oid)
}

// Store upserts the row of oid inside txn's native transaction. Unless the strategy is
// simple the update only applies while the stored tid equals oldSerial (or txn's own
// tid, for stub rows); otherwise no row comes back and ErrTIDConflict is returned.
func (s *Storage) Store(ctx context.Context, txn guillotina.Txn, oid string, oldSerial uint64, writer guillotina.Writer, obj guillotina.Object) (uint64, int, error) {
	if s.cfg.ReadOnly {
		return 0, 0, guillotina.ErrReadOnly
	}
	tid := txn.TID()
	if tid == 0 {
		return 0, 0, errNoTID
	}
	state, err := writer.Serialize()
	if err != nil {
		return 0, 0, fmt.Errorf("serializing %s: %w", oid, err)
	}
	js, err := writer.JSON()
	if err != nil {
		return 0, 0, fmt.Errorf("projecting %s: %w", oid, err)
	}
	var jsonArg any
	if js != nil {
		jsonArg = js
	}

	name := stmtStore
	if s.cfg.TransactionStrategy == guillotina.StrategySimple {
		name = stmtStoreSimple
	}
	q, sql, err := s.db(ctx, txn, name)
	if err != nil {
		return 0, 0, err
	}
	var stored int64
	err = q.QueryRow(ctx, sql,
		oid, int64(tid), int64(len(state)), writer.Part(), writer.Resource(), nullable(writer.Of()),
		int64(oldSerial), nullable(writer.ParentID()), nullable(writer.ID()), writer.Type(), jsonArg, state,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s changed since tid %d", guillotina.ErrTIDConflict, oid, oldSerial)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("storing %s: %w", oid, mapError(err))
	}
	return uint64(stored), len(state), nil
}

// Delete trashes oid on postgresql, leaving the purge to Vacuum. On cockroach the row
// is removed and the foreign keys cascade.
func (s *Storage) Delete(ctx context.Context, txn guillotina.Txn, oid string) error {
	if s.cfg.ReadOnly {
		return guillotina.ErrReadOnly
	}
	if !s.dialect.softDelete {
		q, sql, err := s.db(ctx, txn, stmtDelete)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, sql, oid)
		return mapError(err)
	}
	tid := txn.TID()
	if tid == 0 {
		return errNoTID
	}
	q, sql, err := s.db(ctx, txn, stmtTrash)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, sql, oid, int64(tid))
	return mapError(err)
}

func (s *Storage) Keys(ctx context.Context, txn guillotina.Txn, parentOID string) ([]string, error) {
	return s.queryKeys(ctx, txn, stmtKeys, parentOID)
}

func (s *Storage) GetChild(ctx context.Context, txn guillotina.Txn, parentOID, id string) (*guillotina.ObjectRecord, error) {
	return s.queryRecord(ctx, txn, stmtGetChild, parentOID+"/"+id, parentOID, id)
}

func (s *Storage) GetChildren(ctx context.Context, txn guillotina.Txn, parentOID string, ids []string) ([]*guillotina.ObjectRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryRecords(ctx, txn, stmtGetChildren, parentOID, ids)
}

func (s *Storage) HasKey(ctx context.Context, txn guillotina.Txn, parentOID, id string) (bool, error) {
	q, sql, err := s.db(ctx, txn, stmtHasKey)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := q.QueryRow(ctx, sql, parentOID, id).Scan(&ok); err != nil {
		return false, mapError(err)
	}
	return ok, nil
}

func (s *Storage) Len(ctx context.Context, txn guillotina.Txn, parentOID string) (int, error) {
	q, sql, err := s.db(ctx, txn, stmtLen)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.QueryRow(ctx, sql, parentOID).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return int(n), nil
}

func (s *Storage) Items(ctx context.Context, txn guillotina.Txn, parentOID, afterID string, limit int) ([]*guillotina.ObjectRecord, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	return s.queryRecords(ctx, txn, stmtItems, parentOID, afterID, limitArg)
}

func (s *Storage) GetPageOfKeys(ctx context.Context, txn guillotina.Txn, parentOID string, page, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		return nil, nil
	}
	page = max(page, 1)
	return s.queryKeys(ctx, txn, stmtPageOfKeys, parentOID, pageSize, (page-1)*pageSize)
}

func (s *Storage) GetAnnotation(ctx context.Context, txn guillotina.Txn, ofOID, id string) (*guillotina.ObjectRecord, error) {
	return s.queryRecord(ctx, txn, stmtGetAnnotation, ofOID+"@"+id, ofOID, id)
}

func (s *Storage) GetAnnotationKeys(ctx context.Context, txn guillotina.Txn, ofOID string) ([]string, error) {
	return s.queryKeys(ctx, txn, stmtAnnotationKeys, ofOID)
}
