package idbengine

import (
	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idberr"
	"github.com/cuemby/idb/internal/idbkey"
	"github.com/cuemby/idb/internal/idbvalue"
	"github.com/cuemby/idb/pkg/idbmetrics"
)

// Cursor wraps a backend cursor with the request-based advance API and
// the "got value" snapshot discipline the spec requires: once Continue
// (or Advance, or ContinuePrimaryKey) is requested, the cursor's current
// key/primaryKey/value must keep reading as the position it was *at*
// until the request resolves, even though the backend cursor itself may
// already have moved on a re-query.
type Cursor struct {
	core    *Core
	tx      *Transaction
	backend idbbackend.Cursor
	dir     idbbackend.Direction

	storeName, indexName string
	sourceIsIndex         bool
	keyOnly               bool

	gotValue bool
	snapKey  []byte
	snapPK   []byte
	snapVal  []byte
}

// NewCursor wraps an already-positioned backend cursor.
func NewCursor(tx *Transaction, backend idbbackend.Cursor, dir idbbackend.Direction, storeName, indexName string, keyOnly, sourceIsIndex bool) *Cursor {
	return &Cursor{
		core:          tx.core,
		tx:            tx,
		backend:       backend,
		dir:           dir,
		storeName:     storeName,
		indexName:     indexName,
		sourceIsIndex: sourceIsIndex,
		keyOnly:       keyOnly,
		gotValue:      backend != nil && backend.Valid(),
	}
}

func (c *Cursor) Direction() idbbackend.Direction { return c.dir }
func (c *Cursor) GotValue() bool                  { return c.gotValue }
func (c *Cursor) StoreName() string               { return c.storeName }
func (c *Cursor) IndexName() string               { return c.indexName }

// Key returns the cursor's current encoded key, falling back to the
// pre-advance snapshot while a Continue request is outstanding.
func (c *Cursor) Key() []byte {
	if !c.gotValue && c.snapKey != nil {
		return c.snapKey
	}
	if !c.backend.Valid() {
		return nil
	}
	return c.backend.Key()
}

func (c *Cursor) PrimaryKey() []byte {
	if !c.gotValue && c.snapPK != nil {
		return c.snapPK
	}
	if !c.backend.Valid() {
		return nil
	}
	return c.backend.PrimaryKey()
}

func (c *Cursor) Value() []byte {
	if c.keyOnly {
		return nil
	}
	if !c.gotValue && c.snapVal != nil {
		return c.snapVal
	}
	if !c.backend.Valid() {
		return nil
	}
	return c.backend.Value()
}

// Continue requests the next record, optionally constrained to a target
// key the cursor must land on or pass. A target that is not strictly
// ahead of (behind of, for Prev directions) the current key is a
// synchronous DataError, not a failed request: the spec treats this as
// caller error detectable without touching the backend.
func (c *Cursor) Continue(targetKey []byte) (*Request, error) {
	if !c.gotValue {
		return nil, idberr.New(idberr.InvalidState, "cursor has no current value")
	}
	if targetKey != nil {
		cmp := idbkey.CompareEncoded(targetKey, c.backend.Key())
		if c.dir.Forward() && cmp <= 0 {
			return nil, idberr.New(idberr.Data, "continue target key must be strictly ahead of the current key")
		}
		if !c.dir.Forward() && cmp >= 0 {
			return nil, idberr.New(idberr.Data, "continue target key must be strictly behind the current key")
		}
	}
	return c.advance(targetKey, nil), nil
}

// ContinuePrimaryKey is only meaningful on a non-unique index cursor: it
// steps forward (or backward) to the first record at or past
// (targetKey, targetPrimaryKey) in iteration order.
func (c *Cursor) ContinuePrimaryKey(targetKey, targetPrimaryKey []byte) (*Request, error) {
	if !c.sourceIsIndex || c.dir.Unique() {
		return nil, idberr.New(idberr.InvalidAccess, "continuePrimaryKey requires a non-unique index cursor")
	}
	if !c.gotValue {
		return nil, idberr.New(idberr.InvalidState, "cursor has no current value")
	}
	cmpKey := idbkey.CompareEncoded(targetKey, c.backend.Key())
	ok := false
	if c.dir.Forward() {
		if cmpKey > 0 || (cmpKey == 0 && idbkey.CompareEncoded(targetPrimaryKey, c.backend.PrimaryKey()) > 0) {
			ok = true
		}
	} else {
		if cmpKey < 0 || (cmpKey == 0 && idbkey.CompareEncoded(targetPrimaryKey, c.backend.PrimaryKey()) < 0) {
			ok = true
		}
	}
	if !ok {
		return nil, idberr.New(idberr.Data, "continuePrimaryKey target must be strictly in direction from the current position")
	}
	return c.advance(targetKey, targetPrimaryKey), nil
}

// Advance steps forward n records without a target key.
func (c *Cursor) Advance(n int) (*Request, error) {
	if n <= 0 {
		return nil, idberr.New(idberr.Data, "advance count must be positive")
	}
	if !c.gotValue {
		return nil, idberr.New(idberr.InvalidState, "cursor has no current value")
	}
	req := c.tx.NewRequest(c)
	c.snapshot()
	c.gotValue = false
	c.tx.ExecuteRequest(req, func() (interface{}, error) {
		var found bool
		var err error
		for i := 0; i < n; i++ {
			found, err = c.backend.Continue(nil, nil)
			idbmetrics.CursorStepsTotal.Inc()
			if err != nil || !found {
				break
			}
		}
		return c.resolve(found, err)
	})
	return req, nil
}

func (c *Cursor) advance(targetKey, targetPK []byte) *Request {
	req := c.tx.NewRequest(c)
	c.snapshot()
	c.gotValue = false
	c.tx.ExecuteRequest(req, func() (interface{}, error) {
		found, err := c.backend.Continue(targetKey, targetPK)
		idbmetrics.CursorStepsTotal.Inc()
		return c.resolve(found, err)
	})
	return req
}

func (c *Cursor) resolve(found bool, err error) (interface{}, error) {
	c.snapKey, c.snapPK, c.snapVal = nil, nil, nil
	if err != nil {
		return nil, err
	}
	c.gotValue = found
	if !found {
		return nil, nil
	}
	return c, nil
}

func (c *Cursor) snapshot() {
	if !c.gotValue {
		return
	}
	c.snapKey = c.backend.Key()
	c.snapPK = c.backend.PrimaryKey()
	if !c.keyOnly {
		c.snapVal = c.backend.Value()
	}
}

// Delete removes the record at the cursor's current primary key.
func (c *Cursor) Delete() (*Request, error) {
	if c.tx.mode == idbbackend.ReadOnly {
		return nil, idberr.New(idberr.ReadOnly, "delete on a readonly transaction")
	}
	if !c.gotValue {
		return nil, idberr.New(idberr.InvalidState, "cursor has no current value")
	}
	pk := append([]byte(nil), c.backend.PrimaryKey()...)
	req := c.tx.NewRequest(c)
	c.tx.ExecuteRequest(req, func() (interface{}, error) {
		return nil, c.tx.backend.Delete(c.storeName, idbbackend.Only(pk))
	})
	return req, nil
}

// Update replaces the value at the cursor's current primary key. If
// keyPath is non-empty, the encoded value's in-line key must match the
// cursor's existing primary key.
func (c *Cursor) Update(value []byte, keyPath []string) (*Request, error) {
	if c.tx.mode == idbbackend.ReadOnly {
		return nil, idberr.New(idberr.ReadOnly, "update on a readonly transaction")
	}
	if !c.gotValue {
		return nil, idberr.New(idberr.InvalidState, "cursor has no current value")
	}
	pk := append([]byte(nil), c.backend.PrimaryKey()...)
	if len(keyPath) > 0 {
		decoded, err := idbvalue.Decode(value)
		if err != nil {
			return nil, err
		}
		getter := func(p string) (interface{}, bool) { return idbvalue.Get(decoded, p) }
		inlineKey, ok, err := idbkey.ExtractFromValue(getter, keyPath)
		if err != nil {
			return nil, err
		}
		pkKey, derr := idbkey.Decode(pk)
		if derr != nil {
			return nil, derr
		}
		if !ok || !idbkey.Equal(inlineKey, pkKey) {
			return nil, idberr.New(idberr.Data, "update value's in-line key does not match the cursor's primary key")
		}
	}
	req := c.tx.NewRequest(c)
	c.tx.ExecuteRequest(req, func() (interface{}, error) {
		return nil, c.tx.backend.Put(c.storeName, pk, value, true)
	})
	return req, nil
}
