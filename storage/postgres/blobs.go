package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/plone/guillotina-sub001"
)

// WriteBlobChunk inserts one chunk of bid. The owner gets a stub row at txn's tid
// first when it has no row yet, which the owner's own store later replaces.
func (s *Storage) WriteBlobChunk(ctx context.Context, txn guillotina.Txn, bid, oid string, index int, data []byte) error {
	if s.cfg.ReadOnly {
		return guillotina.ErrReadOnly
	}
	tid := txn.TID()
	if tid == 0 {
		return errNoTID
	}
	q, sql, err := s.db(ctx, txn, stmtCreateStub)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, sql, oid, int64(tid)); err != nil {
		return fmt.Errorf("stub for %s: %w", oid, mapError(err))
	}
	q, sql, err = s.db(ctx, txn, stmtWriteChunk)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, sql, bid, oid, index, data); err != nil {
		return fmt.Errorf("blob %s chunk %d: %w", bid, index, mapError(err))
	}
	return nil
}

func (s *Storage) ReadBlobChunk(ctx context.Context, txn guillotina.Txn, bid string, index int) ([]byte, error) {
	q, sql, err := s.db(ctx, txn, stmtReadChunk)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = q.QueryRow(ctx, sql, bid, index).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &guillotina.BlobChunkNotFoundError{BID: bid, Index: index}
	}
	if err != nil {
		return nil, mapError(err)
	}
	return data, nil
}

// ReadBlobChunks lists the chunk indexes of bid, then fetches one chunk at a time so
// fn may use the connection and a large blob never sits in memory whole.
func (s *Storage) ReadBlobChunks(ctx context.Context, txn guillotina.Txn, bid string, fn func(index int, data []byte) error) error {
	q, sql, err := s.db(ctx, txn, stmtChunkIndexes)
	if err != nil {
		return err
	}
	rows, err := q.Query(ctx, sql, bid)
	if err != nil {
		return mapError(err)
	}
	indexes, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return mapError(err)
	}
	for _, i := range indexes {
		data, err := s.ReadBlobChunk(ctx, txn, bid, int(i))
		if err != nil {
			return err
		}
		if err := fn(int(i), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) DelBlob(ctx context.Context, txn guillotina.Txn, bid string) error {
	if s.cfg.ReadOnly {
		return guillotina.ErrReadOnly
	}
	q, sql, err := s.db(ctx, txn, stmtDelBlob)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, sql, bid)
	return mapError(err)
}
