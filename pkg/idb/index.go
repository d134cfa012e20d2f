package idb

import (
	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idbengine"
	"github.com/cuemby/idb/internal/idberr"
	"github.com/cuemby/idb/internal/idbkey"
	"github.com/cuemby/idb/internal/idbvalue"
)

// Index is a transaction-scoped handle to one secondary index.
type Index struct {
	tx    *Transaction
	store idbbackend.StoreMeta
	meta  idbbackend.IndexMeta
}

func (ix *Index) Name() string       { return ix.meta.Name }
func (ix *Index) KeyPath() []string  { return ix.meta.KeyPath }
func (ix *Index) Unique() bool       { return ix.meta.Unique }
func (ix *Index) MultiEntry() bool   { return ix.meta.MultiEntry }

// Get returns the first record whose index key falls in r.
func (ix *Index) Get(r KeyRange) (*Request, error) {
	req := ix.tx.tx.NewRequest(ix)
	storeName, indexName := ix.store.Name, ix.meta.Name
	ix.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		rec, ok, err := ix.tx.tx.Backend().IndexGet(storeName, indexName, r.r)
		if err != nil || !ok {
			return nil, err
		}
		return idbvalue.Decode(rec.Value)
	})
	return newRequest(req), nil
}

// GetAll returns up to limit records whose index key falls in r.
func (ix *Index) GetAll(r KeyRange, limit int) (*Request, error) {
	req := ix.tx.tx.NewRequest(ix)
	storeName, indexName := ix.store.Name, ix.meta.Name
	ix.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		recs, err := ix.tx.tx.Backend().IndexGetAll(storeName, indexName, r.r, limit)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(recs))
		for i, rec := range recs {
			v, err := idbvalue.Decode(rec.Value)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	})
	return newRequest(req), nil
}

// GetAllKeys returns up to limit primary keys whose index key falls in r.
func (ix *Index) GetAllKeys(r KeyRange, limit int) (*Request, error) {
	req := ix.tx.tx.NewRequest(ix)
	storeName, indexName := ix.store.Name, ix.meta.Name
	ix.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		raw, err := ix.tx.tx.Backend().IndexGetAllKeys(storeName, indexName, r.r, limit)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(raw))
		for i, b := range raw {
			k, err := idbkey.Decode(b)
			if err != nil {
				return nil, err
			}
			out[i] = keyToGo(k)
		}
		return out, nil
	})
	return newRequest(req), nil
}

// GetKey returns the primary key of the first record whose index key
// falls in r, or nil when no entry matches.
func (ix *Index) GetKey(r KeyRange) (*Request, error) {
	req := ix.tx.tx.NewRequest(ix)
	storeName, indexName := ix.store.Name, ix.meta.Name
	ix.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		raw, err := ix.tx.tx.Backend().IndexGetAllKeys(storeName, indexName, r.r, 1)
		if err != nil || len(raw) == 0 {
			return nil, err
		}
		k, err := idbkey.Decode(raw[0])
		if err != nil {
			return nil, err
		}
		return keyToGo(k), nil
	})
	return newRequest(req), nil
}

// Rename changes this index's name; valid only inside a versionchange
// transaction.
func (ix *Index) Rename(newName string) error {
	if ix.tx.Mode() != VersionChange {
		return idberr.New(idberr.InvalidState, "renaming an index requires a versionchange transaction")
	}
	newKey := ix.store.Name + "\x00" + newName
	if _, exists := ix.tx.meta.Indexes[newKey]; exists {
		return idberr.Newf(idberr.Constraint, "index %q already exists on %q", newName, ix.store.Name)
	}
	oldName := ix.meta.Name
	if err := ix.tx.tx.Backend().RenameIndex(ix.store.Name, oldName, newName); err != nil {
		return err
	}
	ix.meta.Name = newName
	delete(ix.tx.meta.Indexes, ix.store.Name+"\x00"+oldName)
	ix.tx.meta.Indexes[newKey] = ix.meta
	return nil
}

// Count counts every record whose index key falls in r.
func (ix *Index) Count(r KeyRange) (*Request, error) {
	req := ix.tx.tx.NewRequest(ix)
	storeName, indexName := ix.store.Name, ix.meta.Name
	ix.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		return ix.tx.tx.Backend().IndexCount(storeName, indexName, r.r)
	})
	return newRequest(req), nil
}

// OpenCursor opens a value cursor over the index.
func (ix *Index) OpenCursor(r KeyRange, dir idbbackend.Direction) (*Request, error) {
	return ix.openCursor(r, dir, false)
}

// OpenKeyCursor opens a key-only cursor over the index.
func (ix *Index) OpenKeyCursor(r KeyRange, dir idbbackend.Direction) (*Request, error) {
	return ix.openCursor(r, dir, true)
}

func (ix *Index) openCursor(r KeyRange, dir idbbackend.Direction, keyOnly bool) (*Request, error) {
	req := ix.tx.tx.NewRequest(ix)
	storeName, indexName := ix.store.Name, ix.meta.Name
	ix.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		var bc idbbackend.Cursor
		var err error
		if keyOnly {
			bc, err = ix.tx.tx.Backend().OpenIndexKeyCursor(storeName, indexName, r.r, dir)
		} else {
			bc, err = ix.tx.tx.Backend().OpenIndexCursor(storeName, indexName, r.r, dir)
		}
		if err != nil {
			return nil, err
		}
		if !bc.Valid() {
			return nil, nil
		}
		return newCursor(idbengine.NewCursor(ix.tx.tx, bc, dir, storeName, indexName, keyOnly, true)), nil
	})
	return newRequest(req), nil
}
