package idb

import (
	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idbkey"
)

// KeyRange is a (possibly open-ended, possibly open-bounded) interval
// over key values.
type KeyRange struct {
	r idbbackend.KeyRange
}

func encodeKey(v interface{}) ([]byte, error) {
	k, err := idbkey.FromGo(v)
	if err != nil {
		return nil, err
	}
	if err := idbkey.Validate(k); err != nil {
		return nil, err
	}
	return idbkey.Encode(k), nil
}

// AllKeys matches every key.
func AllKeys() KeyRange { return KeyRange{r: idbbackend.Unbounded()} }

// OnlyKey matches exactly one key.
func OnlyKey(v interface{}) (KeyRange, error) {
	b, err := encodeKey(v)
	if err != nil {
		return KeyRange{}, err
	}
	return KeyRange{r: idbbackend.Only(b)}, nil
}

// LowerBoundKey matches keys >= v (or > v if open).
func LowerBoundKey(v interface{}, open bool) (KeyRange, error) {
	b, err := encodeKey(v)
	if err != nil {
		return KeyRange{}, err
	}
	return KeyRange{r: idbbackend.LowerBound(b, open)}, nil
}

// UpperBoundKey matches keys <= v (or < v if open).
func UpperBoundKey(v interface{}, open bool) (KeyRange, error) {
	b, err := encodeKey(v)
	if err != nil {
		return KeyRange{}, err
	}
	return KeyRange{r: idbbackend.UpperBound(b, open)}, nil
}

// BoundKeys matches keys between lo and hi.
func BoundKeys(lo, hi interface{}, loOpen, hiOpen bool) (KeyRange, error) {
	lb, err := encodeKey(lo)
	if err != nil {
		return KeyRange{}, err
	}
	hb, err := encodeKey(hi)
	if err != nil {
		return KeyRange{}, err
	}
	return KeyRange{r: idbbackend.Bound(lb, hb, loOpen, hiOpen)}, nil
}

// Includes reports whether v falls inside the range.
func (kr KeyRange) Includes(v interface{}) (bool, error) {
	b, err := encodeKey(v)
	if err != nil {
		return false, err
	}
	return kr.r.Includes(b), nil
}
