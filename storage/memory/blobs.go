package memory

import (
	"context"
	"sort"

	"github.com/plone/guillotina-sub001"
)

// WriteBlobChunk stores one chunk of bid. An owner without a row gets a stub row at
// the transaction's tid so the chunk has something to hang off.
func (s *Storage) WriteBlobChunk(ctx context.Context, txn guillotina.Txn, bid, oid string, index int, data []byte) error {
	if s.readOnly {
		return guillotina.ErrReadOnly
	}
	tid := txn.TID()
	if tid == 0 {
		return errNoTID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, err := s.overlayOf(txn)
	if err != nil {
		return err
	}
	if ov == nil {
		return guillotina.ErrNoTransaction
	}
	if _, ok := s.lookup(ov, oid); !ok {
		ov.rows[oid] = &guillotina.ObjectRecord{OID: oid, TID: tid, Type: guillotina.StubType}
	}
	chunks, ok := ov.blobs[bid]
	if !ok {
		chunks = make(map[int]chunk)
		ov.blobs[bid] = chunks
	}
	chunks[index] = chunk{ZOID: oid, Data: append([]byte(nil), data...)}
	return nil
}

// chunksOf returns the chunks of bid as txn sees them. Callers hold s.mu.
func (s *Storage) chunksOf(txn guillotina.Txn, bid string) (map[int]chunk, error) {
	ov, err := s.overlayOf(txn)
	if err != nil {
		return nil, err
	}
	if ov == nil {
		return s.blobs[bid], nil
	}
	pending, written := ov.blobs[bid]
	if ov.dropped[bid] {
		return pending, nil
	}
	if !written {
		return s.blobs[bid], nil
	}
	merged := make(map[int]chunk, len(s.blobs[bid])+len(pending))
	for i, c := range s.blobs[bid] {
		merged[i] = c
	}
	for i, c := range pending {
		merged[i] = c
	}
	return merged, nil
}

func (s *Storage) ReadBlobChunk(ctx context.Context, txn guillotina.Txn, bid string, index int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks, err := s.chunksOf(txn, bid)
	if err != nil {
		return nil, err
	}
	c, ok := chunks[index]
	if !ok {
		return nil, &guillotina.BlobChunkNotFoundError{BID: bid, Index: index}
	}
	return c.Data, nil
}

// ReadBlobChunks calls fn for each chunk in index order. fn runs without the storage
// lock held.
func (s *Storage) ReadBlobChunks(ctx context.Context, txn guillotina.Txn, bid string, fn func(index int, data []byte) error) error {
	s.mu.RLock()
	chunks, err := s.chunksOf(txn, bid)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	indexes := make([]int, 0, len(chunks))
	data := make(map[int][]byte, len(chunks))
	for i, c := range chunks {
		indexes = append(indexes, i)
		data[i] = c.Data
	}
	s.mu.RUnlock()

	sort.Ints(indexes)
	for _, i := range indexes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i, data[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) DelBlob(ctx context.Context, txn guillotina.Txn, bid string) error {
	if s.readOnly {
		return guillotina.ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, err := s.overlayOf(txn)
	if err != nil {
		return err
	}
	if ov == nil {
		return guillotina.ErrNoTransaction
	}
	delete(ov.blobs, bid)
	ov.dropped[bid] = true
	return nil
}
