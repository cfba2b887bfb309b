package transaction

import (
	"context"
	log "log/slog"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/cache"
)

func (t *Transaction) checkReadable() error {
	if t.status != Active {
		return guillotina.ErrTransactionClosed
	}
	return nil
}

// local returns the instance this transaction already holds for oid. deleted is true
// when oid is queued for deletion.
func (t *Transaction) local(oid string) (obj guillotina.Object, found, deleted bool) {
	t.bk.RLock()
	defer t.bk.RUnlock()
	if _, ok := t.deleted.get(oid); ok {
		return nil, false, true
	}
	if obj, ok := t.modified.get(oid); ok {
		return obj, true, false
	}
	if obj, ok := t.added.get(oid); ok {
		return obj, true, false
	}
	if obj, ok := t.loaded[oid]; ok {
		return obj, true, false
	}
	return nil, false, false
}

// pendingWhere finds an added or modified object matching fn.
func (t *Transaction) pendingWhere(fn func(guillotina.Object) bool) (guillotina.Object, bool) {
	t.bk.RLock()
	defer t.bk.RUnlock()
	if obj, ok := t.added.find(fn); ok {
		return obj, true
	}
	return t.modified.find(fn)
}

// fetch returns the record under key from the object cache, falling back to load.
// Records written by this transaction itself are never cached.
func (t *Transaction) fetch(ctx context.Context, key string, load func() (*guillotina.ObjectRecord, error)) (*guillotina.ObjectRecord, error) {
	c := t.manager.cache
	if c != nil {
		if rec, ok := c.Get(ctx, key); ok {
			return rec, nil
		}
	}
	rec, err := load()
	if err != nil {
		return nil, err
	}
	if c != nil && (rec.TID != t.TID() || rec.TID == 0) {
		c.Set(ctx, key, rec)
	}
	return rec, nil
}

// materialize turns rec into an object owned by this transaction, reusing the
// instance already loaded under the same oid.
func (t *Transaction) materialize(rec *guillotina.ObjectRecord) (guillotina.Object, error) {
	if obj, found, _ := t.local(rec.OID); found {
		return obj, nil
	}
	obj, err := t.manager.reader.Read(rec)
	if err != nil {
		return nil, err
	}
	obj.SetJar(t)

	t.bk.Lock()
	defer t.bk.Unlock()
	if rec.ParentID != "" {
		if parent, ok := t.loaded[rec.ParentID]; ok {
			obj.SetParent(parent)
		}
	}
	if rec.Of != "" {
		if owner, ok := t.loaded[rec.Of]; ok {
			obj.SetOf(owner)
		}
	}
	t.loaded[rec.OID] = obj
	t.origins[rec.OID] = cache.RecordKeys(rec)
	return obj, nil
}

// stillAt reports whether obj still sits at (parentOID, id) from this transaction's
// point of view; pending moves and renames are honoured.
func stillAt(obj guillotina.Object, parentOID, id string) bool {
	return obj.ParentOID() == parentOID && obj.Name() == id
}

// Get returns the object with oid.
func (t *Transaction) Get(ctx context.Context, oid string) (guillotina.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	obj, found, deleted := t.local(oid)
	if deleted {
		return nil, &guillotina.KeyNotFoundError{Key: oid}
	}
	if found {
		return obj, nil
	}
	rec, err := t.fetch(ctx, cache.OIDKey(oid), func() (*guillotina.ObjectRecord, error) {
		return t.storage.Load(ctx, t, oid)
	})
	if err != nil {
		return nil, err
	}
	return t.materialize(rec)
}

// GetChild returns the child of parent named id.
func (t *Transaction) GetChild(ctx context.Context, parent guillotina.Object, id string) (guillotina.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	return t.getChild(ctx, parent, id)
}

func (t *Transaction) getChild(ctx context.Context, parent guillotina.Object, id string) (guillotina.Object, error) {
	pOID := parent.OID()
	if obj, ok := t.pendingWhere(func(o guillotina.Object) bool { return stillAt(o, pOID, id) }); ok {
		return obj, nil
	}
	rec, err := t.fetch(ctx, cache.ChildKey(pOID, id), func() (*guillotina.ObjectRecord, error) {
		return t.storage.GetChild(ctx, t, pOID, id)
	})
	if err != nil {
		return nil, err
	}
	obj, found, deleted := t.local(rec.OID)
	if deleted || (found && !stillAt(obj, pOID, id)) {
		return nil, &guillotina.KeyNotFoundError{Key: pOID + "/" + id}
	}
	if obj, err = t.materialize(rec); err != nil {
		return nil, err
	}
	if obj.Parent() == nil {
		obj.SetParent(parent)
	}
	return obj, nil
}

// GetChildren returns the children of parent named by ids, skipping missing ones.
// The order follows ids.
func (t *Transaction) GetChildren(ctx context.Context, parent guillotina.Object, ids []string) ([]guillotina.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	pOID := parent.OID()
	found := make(map[string]guillotina.Object, len(ids))
	var missing []string
	for _, id := range ids {
		if obj, ok := t.pendingWhere(func(o guillotina.Object) bool { return stillAt(o, pOID, id) }); ok {
			found[id] = obj
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		recs, err := t.storage.GetChildren(ctx, t, pOID, missing)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if obj, ok, deleted := t.local(rec.OID); deleted || (ok && !stillAt(obj, pOID, rec.ID)) {
				continue
			}
			obj, err := t.materialize(rec)
			if err != nil {
				return nil, err
			}
			if obj.Parent() == nil {
				obj.SetParent(parent)
			}
			found[rec.ID] = obj
		}
	}
	objs := make([]guillotina.Object, 0, len(found))
	for _, id := range ids {
		if obj, ok := found[id]; ok {
			objs = append(objs, obj)
		}
	}
	return objs, nil
}

// Contains reports whether parent has a child named id.
func (t *Transaction) Contains(ctx context.Context, parent guillotina.Object, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return false, err
	}
	pOID := parent.OID()
	if _, ok := t.pendingWhere(func(o guillotina.Object) bool { return stillAt(o, pOID, id) }); ok {
		return true, nil
	}
	return t.storage.HasKey(ctx, t, pOID, id)
}

// Len counts the committed children of parent.
func (t *Transaction) Len(ctx context.Context, parent guillotina.Object) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return 0, err
	}
	return t.storage.Len(ctx, t, parent.OID())
}

// Keys lists the committed child ids of parent.
func (t *Transaction) Keys(ctx context.Context, parent guillotina.Object) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	return t.storage.Keys(ctx, t, parent.OID())
}

// PageOfKeys returns one page of child ids, pages counted from 1.
func (t *Transaction) PageOfKeys(ctx context.Context, parent guillotina.Object, page, pageSize int) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	return t.storage.GetPageOfKeys(ctx, t, parent.OID(), page, pageSize)
}

// Items calls fn for each committed child of parent in id order, fetching pageSize
// records at a time. fn runs without the transaction lock and may use the transaction.
func (t *Transaction) Items(ctx context.Context, parent guillotina.Object, pageSize int, fn func(guillotina.Object) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	after := ""
	for {
		page, last, err := t.itemsPage(ctx, parent, after, pageSize)
		if err != nil {
			return err
		}
		for _, obj := range page {
			if err := fn(obj); err != nil {
				return err
			}
		}
		if last == "" {
			return nil
		}
		after = last
	}
}

// itemsPage returns one page of children and the id to continue after, empty when
// the page was the last.
func (t *Transaction) itemsPage(ctx context.Context, parent guillotina.Object, after string, pageSize int) ([]guillotina.Object, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return nil, "", err
	}
	pOID := parent.OID()
	recs, err := t.storage.Items(ctx, t, pOID, after, pageSize)
	if err != nil {
		return nil, "", err
	}
	objs := make([]guillotina.Object, 0, len(recs))
	for _, rec := range recs {
		if obj, ok, deleted := t.local(rec.OID); deleted || (ok && !stillAt(obj, pOID, rec.ID)) {
			continue
		}
		obj, err := t.materialize(rec)
		if err != nil {
			return nil, "", err
		}
		if obj.Parent() == nil {
			obj.SetParent(parent)
		}
		objs = append(objs, obj)
	}
	last := ""
	if len(recs) == pageSize {
		last = recs[len(recs)-1].ID
	}
	return objs, last, nil
}

// GetAnnotation returns the annotation id of owner.
func (t *Transaction) GetAnnotation(ctx context.Context, owner guillotina.Object, id string) (guillotina.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	ofOID := owner.OID()
	isAnnotation := func(o guillotina.Object) bool { return o.OfOID() == ofOID && o.Name() == id }
	if obj, ok := t.pendingWhere(isAnnotation); ok {
		return obj, nil
	}
	rec, err := t.fetch(ctx, cache.AnnotationKey(ofOID, id), func() (*guillotina.ObjectRecord, error) {
		return t.storage.GetAnnotation(ctx, t, ofOID, id)
	})
	if err != nil {
		return nil, err
	}
	if _, _, deleted := t.local(rec.OID); deleted {
		return nil, &guillotina.KeyNotFoundError{Key: ofOID + "@" + id}
	}
	obj, err := t.materialize(rec)
	if err != nil {
		return nil, err
	}
	if obj.Of() == nil {
		obj.SetOf(owner)
	}
	return obj, nil
}

// GetAnnotationKeys lists the committed annotation ids of owner.
func (t *Transaction) GetAnnotationKeys(ctx context.Context, owner guillotina.Object) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	return t.storage.GetAnnotationKeys(ctx, t, owner.OID())
}

// Refresh reloads obj from storage, bypassing the cache, and returns the new instance.
// Pending changes to obj in this transaction are dropped.
func (t *Transaction) Refresh(ctx context.Context, obj guillotina.Object) (guillotina.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	oid := obj.OID()
	t.bk.Lock()
	t.modified.remove(oid)
	delete(t.loaded, oid)
	delete(t.origins, oid)
	t.bk.Unlock()
	t.detach(obj)
	if c := t.manager.cache; c != nil {
		if err := c.Invalidate(ctx, cache.OIDKey(oid)); err != nil {
			log.Warn("transaction: cache invalidation on refresh failed", "oid", oid, "error", err)
		}
	}

	rec, err := t.storage.Load(ctx, t, oid)
	if err != nil {
		return nil, err
	}
	fresh, err := t.materialize(rec)
	if err != nil {
		return nil, err
	}
	if p := obj.Parent(); p != nil && fresh.Parent() == nil {
		fresh.SetParent(p)
	}
	return fresh, nil
}
