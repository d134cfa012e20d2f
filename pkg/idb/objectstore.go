package idb

import (
	"time"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idberr"
	"github.com/cuemby/idb/internal/idbengine"
	"github.com/cuemby/idb/internal/idbkey"
	"github.com/cuemby/idb/internal/idbvalue"
)

// ObjectStore is a transaction-scoped handle to one object store.
type ObjectStore struct {
	tx   *Transaction
	meta idbbackend.StoreMeta
}

func (os *ObjectStore) Name() string          { return os.meta.Name }
func (os *ObjectStore) KeyPath() []string      { return os.meta.KeyPath }
func (os *ObjectStore) AutoIncrement() bool    { return os.meta.AutoIncrement }

// Add inserts value, failing with ConstraintError if a record already
// exists at the resolved key.
func (os *ObjectStore) Add(value interface{}, key interface{}) (*Request, error) {
	return os.put(value, key, false)
}

// Put inserts or overwrites value at the resolved key.
func (os *ObjectStore) Put(value interface{}, key interface{}) (*Request, error) {
	return os.put(value, key, true)
}

func (os *ObjectStore) put(value interface{}, key interface{}, overwrite bool) (*Request, error) {
	if os.tx.Mode() == ReadOnly {
		return nil, idberr.New(idberr.ReadOnly, "add/put on a readonly transaction")
	}

	var keyBytes []byte
	var generated bool
	var generatedNum float64

	if len(os.meta.KeyPath) > 0 {
		if key != nil {
			return nil, idberr.New(idberr.Data, "a key parameter was provided but the object store uses in-line keys")
		}
		getter := func(p string) (interface{}, bool) { return idbvalue.Get(value, p) }
		k, ok, err := idbkey.ExtractFromValue(getter, os.meta.KeyPath)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := idbkey.Validate(k); err != nil {
				return nil, err
			}
			keyBytes = idbkey.Encode(k)
		} else if os.meta.AutoIncrement {
			generated = true
		} else {
			return nil, idberr.New(idberr.Data, "value does not contain the store's key path")
		}
	} else {
		if key == nil {
			if !os.meta.AutoIncrement {
				return nil, idberr.New(idberr.Data, "a key must be provided for a store without a key path")
			}
			generated = true
		} else {
			k, err := idbkey.FromGo(key)
			if err != nil {
				return nil, err
			}
			if err := idbkey.Validate(k); err != nil {
				return nil, err
			}
			keyBytes = idbkey.Encode(k)
		}
	}

	req := os.tx.tx.NewRequest(os)
	storeName := os.meta.Name
	hasInlinePath := len(os.meta.KeyPath) > 0

	os.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		backend := os.tx.tx.Backend()
		v := value
		if generated {
			num, err := backend.NextAutoIncrementKey(storeName)
			if err != nil {
				return nil, err
			}
			generatedNum = num
			keyBytes = idbkey.Encode(idbkey.Number(num))
			if hasInlinePath {
				injected, err := injectKey(v, os.meta.KeyPath, num)
				if err != nil {
					return nil, err
				}
				v = injected
			}
		} else if os.meta.AutoIncrement {
			k, err := idbkey.Decode(keyBytes)
			if err != nil {
				return nil, err
			}
			if k.Kind == idbkey.KindNumber {
				if err := backend.MaybeUpdateKeyGenerator(storeName, k.Num); err != nil {
					return nil, err
				}
			}
		}

		encoded, err := idbvalue.Encode(v)
		if err != nil {
			return nil, err
		}

		if err := backend.Put(storeName, keyBytes, encoded, overwrite); err != nil {
			return nil, err
		}
		if generated {
			return generatedNum, nil
		}
		dk, err := idbkey.Decode(keyBytes)
		if err != nil {
			return nil, err
		}
		return keyToGo(dk), nil
	})
	return newRequest(req), nil
}

// injectKey writes a generated numeric auto-increment key back into a
// map-shaped value at a single-segment key path, the one case the spec
// actually needs (composite in-line auto-increment key paths are not a
// supported combination).
func injectKey(value interface{}, path []string, num float64) (interface{}, error) {
	if len(path) != 1 {
		return nil, idberr.New(idberr.Data, "auto-increment key injection supports only a single-segment key path")
	}
	m, ok := value.(map[string]interface{})
	if !ok {
		return nil, idberr.New(idberr.Data, "auto-increment key injection requires a map[string]interface{} value")
	}
	m[path[0]] = num
	return m, nil
}

func keyToGo(k idbkey.Key) interface{} {
	switch k.Kind {
	case idbkey.KindNumber:
		return k.Num
	case idbkey.KindDate:
		return time.UnixMilli(int64(k.Num)).UTC()
	case idbkey.KindString:
		return k.Str
	case idbkey.KindBinary:
		return k.Bin
	case idbkey.KindArray:
		out := make([]interface{}, len(k.Arr))
		for i, e := range k.Arr {
			out[i] = keyToGo(e)
		}
		return out
	default:
		return nil
	}
}

// Get returns the first record in r.
func (os *ObjectStore) Get(r KeyRange) (*Request, error) {
	req := os.tx.tx.NewRequest(os)
	storeName := os.meta.Name
	os.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		rec, ok, err := os.tx.tx.Backend().Get(storeName, r.r)
		if err != nil || !ok {
			return nil, err
		}
		return idbvalue.Decode(rec.Value)
	})
	return newRequest(req), nil
}

// GetAll returns up to limit records in r (0 means unbounded).
func (os *ObjectStore) GetAll(r KeyRange, limit int) (*Request, error) {
	req := os.tx.tx.NewRequest(os)
	storeName := os.meta.Name
	os.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		recs, err := os.tx.tx.Backend().GetAll(storeName, r.r, limit)
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

// GetAllKeys returns up to limit keys in r.
func (os *ObjectStore) GetAllKeys(r KeyRange, limit int) (*Request, error) {
	req := os.tx.tx.NewRequest(os)
	storeName := os.meta.Name
	os.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		raw, err := os.tx.tx.Backend().GetAllKeys(storeName, r.r, limit)
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

// GetKey returns the key of the first record in r, or nil when no record
// matches.
func (os *ObjectStore) GetKey(r KeyRange) (*Request, error) {
	req := os.tx.tx.NewRequest(os)
	storeName := os.meta.Name
	os.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		raw, err := os.tx.tx.Backend().GetAllKeys(storeName, r.r, 1)
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

// Delete removes every record matching r.
func (os *ObjectStore) Delete(r KeyRange) (*Request, error) {
	if os.tx.Mode() == ReadOnly {
		return nil, idberr.New(idberr.ReadOnly, "delete on a readonly transaction")
	}
	req := os.tx.tx.NewRequest(os)
	storeName := os.meta.Name
	os.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		return nil, os.tx.tx.Backend().Delete(storeName, r.r)
	})
	return newRequest(req), nil
}

// Clear removes every record in the store.
func (os *ObjectStore) Clear() (*Request, error) {
	if os.tx.Mode() == ReadOnly {
		return nil, idberr.New(idberr.ReadOnly, "clear on a readonly transaction")
	}
	req := os.tx.tx.NewRequest(os)
	storeName := os.meta.Name
	os.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		return nil, os.tx.tx.Backend().Clear(storeName)
	})
	return newRequest(req), nil
}

// Count counts every record matching r.
func (os *ObjectStore) Count(r KeyRange) (*Request, error) {
	req := os.tx.tx.NewRequest(os)
	storeName := os.meta.Name
	os.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		return os.tx.tx.Backend().Count(storeName, r.r)
	})
	return newRequest(req), nil
}

// CreateIndex creates a new index on this store; valid only inside a
// versionchange transaction.
func (os *ObjectStore) CreateIndex(name string, opts IndexOptions) (*Index, error) {
	if os.tx.Mode() != VersionChange {
		return nil, idberr.New(idberr.InvalidState, "createIndex requires a versionchange transaction")
	}
	indexKey := os.meta.Name + "\x00" + name
	if _, exists := os.tx.meta.Indexes[indexKey]; exists {
		return nil, idberr.Newf(idberr.Constraint, "index %q already exists on %q", name, os.meta.Name)
	}
	im := idbbackend.IndexMeta{Name: name, StoreName: os.meta.Name, KeyPath: opts.KeyPath, Unique: opts.Unique, MultiEntry: opts.MultiEntry}
	if err := os.tx.tx.Backend().CreateIndex(im); err != nil {
		return nil, err
	}
	os.tx.meta.Indexes[indexKey] = im
	return &Index{tx: os.tx, store: os.meta, meta: im}, nil
}

// DeleteIndex removes an index from this store; valid only inside a
// versionchange transaction.
func (os *ObjectStore) DeleteIndex(name string) error {
	if os.tx.Mode() != VersionChange {
		return idberr.New(idberr.InvalidState, "deleteIndex requires a versionchange transaction")
	}
	indexKey := os.meta.Name + "\x00" + name
	if _, exists := os.tx.meta.Indexes[indexKey]; !exists {
		return idberr.Newf(idberr.NotFound, "index %q does not exist on %q", name, os.meta.Name)
	}
	if err := os.tx.tx.Backend().DeleteIndex(os.meta.Name, name); err != nil {
		return err
	}
	delete(os.tx.meta.Indexes, indexKey)
	return nil
}

// Rename changes this store's name; valid only inside a versionchange
// transaction. Indexes referencing the store follow it.
func (os *ObjectStore) Rename(newName string) error {
	if os.tx.Mode() != VersionChange {
		return idberr.New(idberr.InvalidState, "renaming a store requires a versionchange transaction")
	}
	if _, exists := os.tx.meta.Stores[newName]; exists {
		return idberr.Newf(idberr.Constraint, "object store %q already exists", newName)
	}
	oldName := os.meta.Name
	if err := os.tx.tx.Backend().RenameObjectStore(oldName, newName); err != nil {
		return err
	}
	os.meta.Name = newName
	delete(os.tx.meta.Stores, oldName)
	os.tx.meta.Stores[newName] = os.meta
	for key, im := range os.tx.meta.Indexes {
		if im.StoreName == oldName {
			im.StoreName = newName
			delete(os.tx.meta.Indexes, key)
			os.tx.meta.Indexes[newName+"\x00"+im.Name] = im
		}
	}
	return nil
}

// Index returns a handle to the named index.
func (os *ObjectStore) Index(name string) (*Index, error) {
	im, ok := os.tx.meta.Indexes[os.meta.Name+"\x00"+name]
	if !ok {
		return nil, idberr.Newf(idberr.NotFound, "index %q does not exist on %q", name, os.meta.Name)
	}
	return &Index{tx: os.tx, store: os.meta, meta: im}, nil
}

// OpenCursor opens a value cursor over r in dir.
func (os *ObjectStore) OpenCursor(r KeyRange, dir idbbackend.Direction) (*Request, error) {
	return os.openCursor(r, dir, false)
}

// OpenKeyCursor opens a key-only cursor over r in dir.
func (os *ObjectStore) OpenKeyCursor(r KeyRange, dir idbbackend.Direction) (*Request, error) {
	return os.openCursor(r, dir, true)
}

func (os *ObjectStore) openCursor(r KeyRange, dir idbbackend.Direction, keyOnly bool) (*Request, error) {
	req := os.tx.tx.NewRequest(os)
	storeName := os.meta.Name
	os.tx.tx.ExecuteRequest(req, func() (interface{}, error) {
		var bc idbbackend.Cursor
		var err error
		if keyOnly {
			bc, err = os.tx.tx.Backend().OpenKeyCursor(storeName, r.r, dir)
		} else {
			bc, err = os.tx.tx.Backend().OpenCursor(storeName, r.r, dir)
		}
		if err != nil {
			return nil, err
		}
		if !bc.Valid() {
			return nil, nil
		}
		return newCursor(idbengine.NewCursor(os.tx.tx, bc, dir, storeName, "", keyOnly, false)), nil
	})
	return newRequest(req), nil
}
