package idb

import (
	"bytes"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idbengine"
	"github.com/cuemby/idb/internal/idbkey"
	"github.com/cuemby/idb/internal/idbvalue"
)

// Cursor iterates records (or keys) over an object store or index in a
// fixed direction. Decoded keys and values are cached per position, so
// repeated reads of the same logical position return the same decoded
// object rather than a fresh copy each call.
type Cursor struct {
	c *idbengine.Cursor

	keyRaw, pkRaw, valRaw []byte
	keyVal, pkVal, valVal interface{}
}

func newCursor(c *idbengine.Cursor) *Cursor { return &Cursor{c: c} }

func (c *Cursor) Direction() idbbackend.Direction { return c.c.Direction() }

// Key returns the cursor's current key.
func (c *Cursor) Key() (interface{}, error) {
	raw := c.c.Key()
	if raw == nil {
		return nil, nil
	}
	if c.keyRaw != nil && bytes.Equal(c.keyRaw, raw) {
		return c.keyVal, nil
	}
	k, err := idbkey.Decode(raw)
	if err != nil {
		return nil, err
	}
	c.keyRaw, c.keyVal = raw, keyToGo(k)
	return c.keyVal, nil
}

// PrimaryKey returns the cursor's current primary key (equal to Key for
// an object-store cursor; the underlying record's key for an index
// cursor).
func (c *Cursor) PrimaryKey() (interface{}, error) {
	raw := c.c.PrimaryKey()
	if raw == nil {
		return nil, nil
	}
	if c.pkRaw != nil && bytes.Equal(c.pkRaw, raw) {
		return c.pkVal, nil
	}
	k, err := idbkey.Decode(raw)
	if err != nil {
		return nil, err
	}
	c.pkRaw, c.pkVal = raw, keyToGo(k)
	return c.pkVal, nil
}

// Value decodes and returns the cursor's current record value. Returns
// nil for a key-only cursor.
func (c *Cursor) Value() (interface{}, error) {
	raw := c.c.Value()
	if raw == nil {
		return nil, nil
	}
	if c.valRaw != nil && bytes.Equal(c.valRaw, raw) {
		return c.valVal, nil
	}
	v, err := idbvalue.Decode(raw)
	if err != nil {
		return nil, err
	}
	c.valRaw, c.valVal = raw, v
	return c.valVal, nil
}

// Continue advances to the next matching record, optionally constrained
// to land on or past targetKey.
func (c *Cursor) Continue(targetKey interface{}) (*Request, error) {
	var tk []byte
	if targetKey != nil {
		b, err := encodeKey(targetKey)
		if err != nil {
			return nil, err
		}
		tk = b
	}
	req, err := c.c.Continue(tk)
	if err != nil {
		return nil, err
	}
	return newRequest(req), nil
}

// ContinuePrimaryKey advances a non-unique index cursor to the first
// record at or past (key, primaryKey).
func (c *Cursor) ContinuePrimaryKey(key, primaryKey interface{}) (*Request, error) {
	kb, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	pkb, err := encodeKey(primaryKey)
	if err != nil {
		return nil, err
	}
	req, err := c.c.ContinuePrimaryKey(kb, pkb)
	if err != nil {
		return nil, err
	}
	return newRequest(req), nil
}

// Advance steps forward n records.
func (c *Cursor) Advance(n int) (*Request, error) {
	req, err := c.c.Advance(n)
	if err != nil {
		return nil, err
	}
	return newRequest(req), nil
}

// Delete removes the record at the cursor's current primary key.
func (c *Cursor) Delete() (*Request, error) {
	req, err := c.c.Delete()
	if err != nil {
		return nil, err
	}
	return newRequest(req), nil
}

// Update replaces the value at the cursor's current primary key.
func (c *Cursor) Update(value interface{}, keyPath []string) (*Request, error) {
	encoded, err := idbvalue.Encode(value)
	if err != nil {
		return nil, err
	}
	req, err := c.c.Update(encoded, keyPath)
	if err != nil {
		return nil, err
	}
	return newRequest(req), nil
}
