/*
Package idbvalue implements a structured-clone-equivalent value codec:
encode/decode of arbitrary cloneable Go values to an opaque byte string,
preserving cycles by reference identity. The facade layer (pkg/idb)
decodes them for callers; the backends and the engine cursor's Update
also decode them, to extract index and primary keys from stored values.

# Wire format

A small self-describing tag stream, similar in spirit to the structured
clone algorithm: a one-byte type tag followed by a type-specific payload.
Composite types (array, object, map, set) are preceded by a reference
slot so later back-references can restore the same Go value by identity
instead of a deep copy, which is what lets cyclic structures round-trip.
*/
package idbvalue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
	"regexp"
	"sort"
	"time"

	"github.com/cuemby/idb/internal/idberr"
)

const (
	tagNull byte = iota
	tagUndefined
	tagBool
	tagNumber
	tagString
	tagBinary
	tagDate
	tagRegExp
	tagArray
	tagObject
	tagMap
	tagSet
	tagRef // back-reference to an already-decoded composite, by index
	tagPlainMap
)

// RegExp is the clonable regular expression value. Source/Flags are kept
// separate from the compiled form so an unsupported flag combination
// doesn't prevent decoding.
type RegExp struct {
	Source string
	Flags  string
}

// OrderedMap preserves Map insertion order, the way IndexedDB's Map
// does, unlike a plain Go map.
type OrderedMap struct {
	Keys   []interface{}
	Values []interface{}
}

// Set preserves Set insertion order.
type Set struct {
	Values []interface{}
}

// Object is a plain ordered key/value object, distinct from a Map for
// round-trip fidelity (an {} literal decodes back to Object, not Map).
type Object struct {
	Keys   []string
	Values []interface{}
}

// Get implements dotted key-path lookup for the key codec: path
// "a.b.c" walks nested Objects/Maps/arrays.
func Get(v interface{}, path string) (interface{}, bool) {
	segs := splitPath(path)
	cur := v
	for _, seg := range segs {
		switch t := cur.(type) {
		case *Object:
			idx := indexOf(t.Keys, seg)
			if idx < 0 {
				return nil, false
			}
			cur = t.Values[idx]
		case map[string]interface{}:
			val, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case []interface{}:
			i, err := parseIndex(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

func indexOf(keys []string, k string) int {
	for i, key := range keys {
		if key == k {
			return i
		}
	}
	return -1
}

func parseIndex(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty index")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a digit index")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// encoder tracks reference identity of composite values so cycles and
// shared references encode once and decode back to the same object.
type encoder struct {
	buf  bytes.Buffer
	seen map[interface{}]int
}

// Encode clones v into an opaque byte string. Functions, symbols, and
// any type not in the clonable list produce a DataError.
func Encode(v interface{}) ([]byte, error) {
	enc := &encoder{seen: make(map[interface{}]int)}
	if err := enc.write(v); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

func (e *encoder) refSlot(ptr interface{}) (int, bool) {
	if idx, ok := e.seen[ptr]; ok {
		return idx, true
	}
	idx := len(e.seen)
	e.seen[ptr] = idx
	return idx, false
}

func (e *encoder) write(v interface{}) error {
	switch t := v.(type) {
	case nil:
		e.buf.WriteByte(tagNull)
	case bool:
		e.buf.WriteByte(tagBool)
		if t {
			e.buf.WriteByte(1)
		} else {
			e.buf.WriteByte(0)
		}
	case float64:
		e.buf.WriteByte(tagNumber)
		e.writeFloat(t)
	case int:
		e.buf.WriteByte(tagNumber)
		e.writeFloat(float64(t))
	case int64:
		e.buf.WriteByte(tagNumber)
		e.writeFloat(float64(t))
	case string:
		e.buf.WriteByte(tagString)
		e.writeString(t)
	case []byte:
		e.buf.WriteByte(tagBinary)
		e.writeBytes(t)
	case time.Time:
		e.buf.WriteByte(tagDate)
		e.writeFloat(float64(t.UnixMilli()))
	case *RegExp:
		e.buf.WriteByte(tagRegExp)
		e.writeString(t.Source)
		e.writeString(t.Flags)
	case []interface{}:
		return e.writeComposite(sliceIdentity(t), tagArray, func() error {
			e.writeUvarint(uint64(len(t)))
			for _, elem := range t {
				if err := e.write(elem); err != nil {
					return err
				}
			}
			return nil
		})
	case map[string]interface{}:
		// Go maps have no iteration order; sorting the keys makes the
		// encoding deterministic. Identity comes from the map header, so
		// shared and cyclic maps still collapse to one slot.
		return e.writeComposite(reflect.ValueOf(t).Pointer(), tagPlainMap, func() error {
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			e.writeUvarint(uint64(len(keys)))
			for _, k := range keys {
				e.writeString(k)
				if err := e.write(t[k]); err != nil {
					return err
				}
			}
			return nil
		})
	case *Object:
		return e.writeComposite(t, tagObject, func() error {
			e.writeUvarint(uint64(len(t.Keys)))
			for i, k := range t.Keys {
				e.writeString(k)
				if err := e.write(t.Values[i]); err != nil {
					return err
				}
			}
			return nil
		})
	case *OrderedMap:
		return e.writeComposite(t, tagMap, func() error {
			e.writeUvarint(uint64(len(t.Keys)))
			for i := range t.Keys {
				if err := e.write(t.Keys[i]); err != nil {
					return err
				}
				if err := e.write(t.Values[i]); err != nil {
					return err
				}
			}
			return nil
		})
	case *Set:
		return e.writeComposite(t, tagSet, func() error {
			e.writeUvarint(uint64(len(t.Values)))
			for _, val := range t.Values {
				if err := e.write(val); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return idberr.Newf(idberr.Data, "value of type %T is not cloneable", v)
	}
	return nil
}

// sliceID identifies a []interface{} by its backing array and length.
// Slices can't be map keys and taking the address of the local copy a
// type switch produces would mint a fresh identity per visit, so the
// header's data pointer is the only stable identity a shared or
// self-referencing slice has.
type sliceID struct {
	data uintptr
	len  int
}

func sliceIdentity(s []interface{}) interface{} {
	if len(s) == 0 {
		// Empty slices may share a backing pointer without sharing
		// identity; give each its own slot.
		return new(struct{})
	}
	return sliceID{data: reflect.ValueOf(s).Pointer(), len: len(s)}
}

// writeComposite handles the reference-table bookkeeping shared by every
// composite kind: if ptr was already seen, emit a back-reference instead
// of re-encoding, which is what preserves cycles and shared identity.
func (e *encoder) writeComposite(ptr interface{}, tag byte, body func() error) error {
	idx, seen := e.refSlot(ptr)
	if seen {
		e.buf.WriteByte(tagRef)
		e.writeUvarint(uint64(idx))
		return nil
	}
	e.buf.WriteByte(tag)
	e.writeUvarint(uint64(idx))
	return body()
}

func (e *encoder) writeFloat(v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	e.buf.Write(b[:])
}

func (e *encoder) writeUvarint(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	e.buf.Write(b[:n])
}

func (e *encoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) writeBytes(b []byte) {
	e.writeUvarint(uint64(len(b)))
	e.buf.Write(b)
}

// decoder mirrors encoder: a handle table lets back-references resolve
// to the same Go value instead of a fresh copy.
type decoder struct {
	r       *bytes.Reader
	handles map[int]interface{}
}

// Decode is the inverse of Encode.
func Decode(b []byte) (interface{}, error) {
	dec := &decoder{r: bytes.NewReader(b), handles: make(map[int]interface{})}
	return dec.read()
}

func (d *decoder) read() (interface{}, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		return nil, idberr.Wrap(idberr.Data, "truncated encoded value", err)
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagBool:
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, idberr.Wrap(idberr.Data, "truncated bool", err)
		}
		return b != 0, nil
	case tagNumber:
		return d.readFloat()
	case tagString:
		return d.readString()
	case tagBinary:
		return d.readBytes()
	case tagDate:
		ms, err := d.readFloat()
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	case tagRegExp:
		src, err := d.readString()
		if err != nil {
			return nil, err
		}
		flags, err := d.readString()
		if err != nil {
			return nil, err
		}
		if _, err := regexp.Compile(src); err != nil {
			return nil, idberr.Wrap(idberr.Data, "invalid regular expression source", err)
		}
		return &RegExp{Source: src, Flags: flags}, nil
	case tagArray:
		idx, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		arr := make([]interface{}, n)
		d.handles[int(idx)] = arr
		for i := range arr {
			v, err := d.read()
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	case tagObject:
		idx, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		obj := &Object{}
		d.handles[int(idx)] = obj
		for i := uint64(0); i < n; i++ {
			k, err := d.readString()
			if err != nil {
				return nil, err
			}
			v, err := d.read()
			if err != nil {
				return nil, err
			}
			obj.Keys = append(obj.Keys, k)
			obj.Values = append(obj.Values, v)
		}
		return obj, nil
	case tagMap:
		idx, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		m := &OrderedMap{}
		d.handles[int(idx)] = m
		for i := uint64(0); i < n; i++ {
			k, err := d.read()
			if err != nil {
				return nil, err
			}
			v, err := d.read()
			if err != nil {
				return nil, err
			}
			m.Keys = append(m.Keys, k)
			m.Values = append(m.Values, v)
		}
		return m, nil
	case tagSet:
		idx, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		s := &Set{}
		d.handles[int(idx)] = s
		for i := uint64(0); i < n; i++ {
			v, err := d.read()
			if err != nil {
				return nil, err
			}
			s.Values = append(s.Values, v)
		}
		return s, nil
	case tagPlainMap:
		idx, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		m := make(map[string]interface{}, n)
		d.handles[int(idx)] = m
		for i := uint64(0); i < n; i++ {
			k, err := d.readString()
			if err != nil {
				return nil, err
			}
			v, err := d.read()
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case tagRef:
		idx, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		v, ok := d.handles[int(idx)]
		if !ok {
			return nil, idberr.New(idberr.Data, "dangling back-reference in encoded value")
		}
		return v, nil
	default:
		return nil, idberr.Newf(idberr.Data, "unrecognized value tag %#x", tag)
	}
}

func (d *decoder) readFloat() (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, idberr.Wrap(idberr.Data, "truncated number", err)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b[:])), nil
}

func (d *decoder) readUvarint() (uint64, error) {
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		return 0, idberr.Wrap(idberr.Data, "truncated varint", err)
	}
	return v, nil
}

func (d *decoder) readString() (string, error) {
	n, err := d.readUvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(d.r.Len()) {
		return "", idberr.New(idberr.Data, "truncated string")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", idberr.Wrap(idberr.Data, "truncated string", err)
	}
	return string(b), nil
}

func (d *decoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.r.Len()) {
		return nil, idberr.New(idberr.Data, "truncated binary")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, idberr.Wrap(idberr.Data, "truncated binary", err)
	}
	return b, nil
}

// DeepEqual reports structural equality between two decoded values,
// treating cyclic structures as equal if their reference graphs match
// (sufficient for tests; full graph isomorphism is not required because
// both sides originate from the same Encode/Decode round trip).
func DeepEqual(a, b interface{}) bool {
	return deepEqual(a, b, map[[2]uintptr]bool{})
}

// refPair identifies one (a, b) comparison by the two values' reference
// identities, so a cyclic pair is compared once instead of forever.
func refPair(a, b interface{}) [2]uintptr {
	return [2]uintptr{reflect.ValueOf(a).Pointer(), reflect.ValueOf(b).Pointer()}
}

func deepEqual(a, b interface{}, seen map[[2]uintptr]bool) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		if len(av) > 0 {
			p := refPair(av, bv)
			if seen[p] {
				return true
			}
			seen[p] = true
		}
		for i := range av {
			if !deepEqual(av[i], bv[i], seen) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		p := refPair(av, bv)
		if seen[p] {
			return true
		}
		seen[p] = true
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !deepEqual(v, bvv, seen) {
				return false
			}
		}
		return true
	case *Object:
		bv, ok := b.(*Object)
		if !ok || len(av.Keys) != len(bv.Keys) {
			return false
		}
		p := refPair(av, bv)
		if seen[p] {
			return true
		}
		seen[p] = true
		for i := range av.Keys {
			if av.Keys[i] != bv.Keys[i] || !deepEqual(av.Values[i], bv.Values[i], seen) {
				return false
			}
		}
		return true
	case *OrderedMap:
		bv, ok := b.(*OrderedMap)
		if !ok || len(av.Keys) != len(bv.Keys) {
			return false
		}
		p := refPair(av, bv)
		if seen[p] {
			return true
		}
		seen[p] = true
		for i := range av.Keys {
			if !deepEqual(av.Keys[i], bv.Keys[i], seen) || !deepEqual(av.Values[i], bv.Values[i], seen) {
				return false
			}
		}
		return true
	case *Set:
		bv, ok := b.(*Set)
		if !ok || len(av.Values) != len(bv.Values) {
			return false
		}
		p := refPair(av, bv)
		if seen[p] {
			return true
		}
		seen[p] = true
		for i := range av.Values {
			if !deepEqual(av.Values[i], bv.Values[i], seen) {
				return false
			}
		}
		return true
	case *RegExp:
		bv, ok := b.(*RegExp)
		return ok && av.Source == bv.Source && av.Flags == bv.Flags
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}

// SortedObjectKeys returns a copy of an Object's keys in sorted order;
// the Object's own key order is left untouched.
func SortedObjectKeys(o *Object) []string {
	out := append([]string(nil), o.Keys...)
	sort.Strings(out)
	return out
}
