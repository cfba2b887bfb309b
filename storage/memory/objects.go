package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/plone/guillotina-sub001"
)

// lookup returns the row of oid as txn sees it. Callers hold s.mu.
func (s *Storage) lookup(ov *overlay, oid string) (*guillotina.ObjectRecord, bool) {
	if ov != nil {
		if rec, ok := ov.rows[oid]; ok {
			return rec, rec != nil
		}
	}
	rec, ok := s.rows[oid]
	return rec, ok
}

// each calls fn for every row visible through ov. Callers hold s.mu.
func (s *Storage) each(ov *overlay, fn func(rec *guillotina.ObjectRecord)) {
	for oid, rec := range s.rows {
		if ov != nil {
			if _, shadowed := ov.rows[oid]; shadowed {
				continue
			}
		}
		fn(rec)
	}
	if ov == nil {
		return
	}
	for _, rec := range ov.rows {
		if rec != nil {
			fn(rec)
		}
	}
}

func (s *Storage) Load(ctx context.Context, txn guillotina.Txn, oid string) (*guillotina.ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ov, err := s.overlayOf(txn)
	if err != nil {
		return nil, err
	}
	rec, ok := s.lookup(ov, oid)
	if !ok {
		return nil, &guillotina.KeyNotFoundError{Key: oid}
	}
	return clone(rec), nil
}

// Store writes obj as a row of txn. Unless the strategy is simple, an existing row
// is only replaced while its tid still equals oldSerial. A stub row created by the
// same transaction may always be replaced.
func (s *Storage) Store(ctx context.Context, txn guillotina.Txn, oid string, oldSerial uint64, writer guillotina.Writer, obj guillotina.Object) (uint64, int, error) {
	if s.readOnly {
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
	rec := &guillotina.ObjectRecord{
		OID:       oid,
		TID:       tid,
		StateSize: int64(len(state)),
		Part:      writer.Part(),
		Resource:  writer.Resource(),
		Of:        writer.Of(),
		OTID:      oldSerial,
		ParentID:  writer.ParentID(),
		ID:        writer.ID(),
		Type:      writer.Type(),
		JSON:      js,
		State:     state,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ov, err := s.overlayOf(txn)
	if err != nil {
		return 0, 0, err
	}
	if ov == nil {
		return 0, 0, guillotina.ErrNoTransaction
	}
	if current, ok := s.lookup(ov, oid); ok && s.cfg.TransactionStrategy != guillotina.StrategySimple {
		switch {
		case current.TID == oldSerial:
		case current.TID == tid:
			// Written earlier by this transaction: a stub or a repeated store.
			rec.OTID = current.OTID
		default:
			return 0, 0, fmt.Errorf("%w: %s is at tid %d, expected %d", guillotina.ErrTIDConflict, oid, current.TID, oldSerial)
		}
	}
	for _, ref := range []string{rec.ParentID, rec.Of} {
		if ref == "" {
			continue
		}
		if _, ok := s.lookup(ov, ref); !ok {
			return 0, 0, fmt.Errorf("%w: %s refers to missing object %s", guillotina.ErrTIDConflict, oid, ref)
		}
	}
	if err := s.checkUnique(ov, rec); err != nil {
		return 0, 0, err
	}
	ov.rows[oid] = rec
	return tid, len(state), nil
}

// checkUnique rejects a second child with the same id under one parent, and a second
// annotation with the same id on one owner. Callers hold s.mu.
func (s *Storage) checkUnique(ov *overlay, rec *guillotina.ObjectRecord) error {
	if rec.ID == "" {
		return nil
	}
	var clash *guillotina.ObjectRecord
	s.each(ov, func(other *guillotina.ObjectRecord) {
		if clash != nil || other.OID == rec.OID || other.ID != rec.ID {
			return
		}
		if rec.ParentID != "" && rec.ParentID != guillotina.TrashedOID && other.ParentID == rec.ParentID {
			clash = other
		}
		if rec.Of != "" && other.Of == rec.Of {
			clash = other
		}
	})
	if clash != nil {
		return fmt.Errorf("%w: %q already used by %s", guillotina.ErrConflictIDOnContainer, rec.ID, clash.OID)
	}
	return nil
}

// Delete removes oid when txn finishes, together with its children, annotations and
// blobs.
func (s *Storage) Delete(ctx context.Context, txn guillotina.Txn, oid string) error {
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
	ov.rows[oid] = nil
	return nil
}

// children returns the visible children of parentOID sorted by id.
func (s *Storage) children(txn guillotina.Txn, parentOID string) ([]*guillotina.ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ov, err := s.overlayOf(txn)
	if err != nil {
		return nil, err
	}
	var recs []*guillotina.ObjectRecord
	s.each(ov, func(rec *guillotina.ObjectRecord) {
		if rec.ParentID == parentOID && !rec.IsStub() {
			recs = append(recs, rec)
		}
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

func (s *Storage) Keys(ctx context.Context, txn guillotina.Txn, parentOID string) ([]string, error) {
	recs, err := s.children(txn, parentOID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(recs))
	for i, rec := range recs {
		keys[i] = rec.ID
	}
	return keys, nil
}

func (s *Storage) GetChild(ctx context.Context, txn guillotina.Txn, parentOID, id string) (*guillotina.ObjectRecord, error) {
	recs, err := s.children(txn, parentOID)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(recs), func(i int) bool { return recs[i].ID >= id })
	if i == len(recs) || recs[i].ID != id {
		return nil, &guillotina.KeyNotFoundError{Key: parentOID + "/" + id}
	}
	return clone(recs[i]), nil
}

func (s *Storage) GetChildren(ctx context.Context, txn guillotina.Txn, parentOID string, ids []string) ([]*guillotina.ObjectRecord, error) {
	recs, err := s.children(txn, parentOID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var found []*guillotina.ObjectRecord
	for _, rec := range recs {
		if wanted[rec.ID] {
			found = append(found, clone(rec))
		}
	}
	return found, nil
}

func (s *Storage) HasKey(ctx context.Context, txn guillotina.Txn, parentOID, id string) (bool, error) {
	_, err := s.GetChild(ctx, txn, parentOID, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, guillotina.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Storage) Len(ctx context.Context, txn guillotina.Txn, parentOID string) (int, error) {
	recs, err := s.children(txn, parentOID)
	return len(recs), err
}

func (s *Storage) Items(ctx context.Context, txn guillotina.Txn, parentOID, afterID string, limit int) ([]*guillotina.ObjectRecord, error) {
	recs, err := s.children(txn, parentOID)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(recs), func(i int) bool { return recs[i].ID > afterID })
	recs = recs[i:]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]*guillotina.ObjectRecord, len(recs))
	for i, rec := range recs {
		out[i] = clone(rec)
	}
	return out, nil
}

func (s *Storage) GetPageOfKeys(ctx context.Context, txn guillotina.Txn, parentOID string, page, pageSize int) ([]string, error) {
	keys, err := s.Keys(ctx, txn, parentOID)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if pageSize <= 0 || start >= len(keys) {
		return nil, nil
	}
	return keys[start:min(start+pageSize, len(keys))], nil
}

func (s *Storage) GetAnnotation(ctx context.Context, txn guillotina.Txn, ofOID, id string) (*guillotina.ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ov, err := s.overlayOf(txn)
	if err != nil {
		return nil, err
	}
	var found *guillotina.ObjectRecord
	s.each(ov, func(rec *guillotina.ObjectRecord) {
		if rec.Of == ofOID && rec.ID == id {
			found = rec
		}
	})
	if found == nil {
		return nil, &guillotina.KeyNotFoundError{Key: ofOID + "@" + id}
	}
	return clone(found), nil
}

func (s *Storage) GetAnnotationKeys(ctx context.Context, txn guillotina.Txn, ofOID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ov, err := s.overlayOf(txn)
	if err != nil {
		return nil, err
	}
	var keys []string
	s.each(ov, func(rec *guillotina.ObjectRecord) {
		if rec.Of == ofOID {
			keys = append(keys, rec.ID)
		}
	})
	sort.Strings(keys)
	return keys, nil
}
