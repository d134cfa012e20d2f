package idbvalue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTripScalars(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
	}{
		{"nil", nil},
		{"bool true", true},
		{"bool false", false},
		{"number", float64(3.25)},
		{"string", "hello"},
		{"binary", []byte{1, 2, 3}},
		{"date", time.UnixMilli(1700000000000).UTC()},
		{"regexp", &RegExp{Source: "a+b*", Flags: "gi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.in)
			assert.NoError(t, err)
			decoded, err := Decode(encoded)
			assert.NoError(t, err)
			assert.True(t, DeepEqual(tt.in, decoded), "expected %#v, got %#v", tt.in, decoded)
		})
	}
}

func TestEncodeDecodeComposites(t *testing.T) {
	arr := []interface{}{float64(1), "two", []byte{3}}
	encoded, err := Encode(arr)
	assert.NoError(t, err)
	decoded, err := Decode(encoded)
	assert.NoError(t, err)
	assert.True(t, DeepEqual(arr, decoded))

	obj := &Object{Keys: []string{"id", "name"}, Values: []interface{}{float64(1), "widget"}}
	encoded, err = Encode(obj)
	assert.NoError(t, err)
	decoded, err = Decode(encoded)
	assert.NoError(t, err)
	assert.True(t, DeepEqual(obj, decoded))

	m := &OrderedMap{Keys: []interface{}{"a", "b"}, Values: []interface{}{float64(1), float64(2)}}
	encoded, err = Encode(m)
	assert.NoError(t, err)
	decoded, err = Decode(encoded)
	assert.NoError(t, err)
	assert.True(t, DeepEqual(m, decoded))

	s := &Set{Values: []interface{}{float64(1), "x"}}
	encoded, err = Encode(s)
	assert.NoError(t, err)
	decoded, err = Decode(encoded)
	assert.NoError(t, err)
	assert.True(t, DeepEqual(s, decoded))
}

func TestEncodeDecodePlainMap(t *testing.T) {
	m := map[string]interface{}{
		"id":   float64(1),
		"name": "widget",
		"tags": []interface{}{"a", "b"},
	}
	encoded, err := Encode(m)
	assert.NoError(t, err)
	decoded, err := Decode(encoded)
	assert.NoError(t, err)
	assert.True(t, DeepEqual(m, decoded), "expected %#v, got %#v", m, decoded)

	_, ok := decoded.(map[string]interface{})
	assert.True(t, ok, "a plain Go map must decode back to a plain Go map")
}

func TestEncodeDecodeCyclicMap(t *testing.T) {
	m := map[string]interface{}{"id": float64(1)}
	m["self"] = m

	encoded, err := Encode(m)
	assert.NoError(t, err)
	decoded, err := Decode(encoded)
	assert.NoError(t, err)

	dm, ok := decoded.(map[string]interface{})
	assert.True(t, ok)
	inner, ok := dm["self"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, float64(1), inner["id"])
	assert.True(t, DeepEqual(m, decoded))
}

func TestEncodeRejectsUncloneable(t *testing.T) {
	_, err := Encode(func() {})
	assert.Error(t, err)
}

func TestEncodeDecodeCyclicReference(t *testing.T) {
	obj := &Object{Keys: []string{"self"}}
	obj.Values = []interface{}{obj}

	encoded, err := Encode(obj)
	assert.NoError(t, err)

	decoded, err := Decode(encoded)
	assert.NoError(t, err)

	decodedObj, ok := decoded.(*Object)
	assert.True(t, ok)
	assert.Same(t, decodedObj, decodedObj.Values[0])
}

func TestEncodeDecodeSelfReferencingArray(t *testing.T) {
	arr := make([]interface{}, 1)
	arr[0] = arr

	encoded, err := Encode(arr)
	assert.NoError(t, err)

	decoded, err := Decode(encoded)
	assert.NoError(t, err)

	decodedArr, ok := decoded.([]interface{})
	assert.True(t, ok)
	inner, ok := decodedArr[0].([]interface{})
	assert.True(t, ok)
	assert.Same(t, &decodedArr[0], &inner[0], "the array must decode back to one value containing itself")
}

func TestEncodeDecodeSharedSliceReference(t *testing.T) {
	shared := []interface{}{float64(1), "x"}
	arr := []interface{}{shared, shared}

	encoded, err := Encode(arr)
	assert.NoError(t, err)

	decoded, err := Decode(encoded)
	assert.NoError(t, err)

	decodedArr, ok := decoded.([]interface{})
	assert.True(t, ok)
	first, ok := decodedArr[0].([]interface{})
	assert.True(t, ok)
	second, ok := decodedArr[1].([]interface{})
	assert.True(t, ok)
	assert.Same(t, &first[0], &second[0], "both elements must decode to the same slice, not two copies")
}

func TestEncodeDecodeSharedReference(t *testing.T) {
	shared := &Set{Values: []interface{}{float64(1)}}
	arr := []interface{}{shared, shared}

	encoded, err := Encode(arr)
	assert.NoError(t, err)

	decoded, err := Decode(encoded)
	assert.NoError(t, err)

	decodedArr, ok := decoded.([]interface{})
	assert.True(t, ok)
	assert.Same(t, decodedArr[0], decodedArr[1])
}

func TestGetDottedPath(t *testing.T) {
	obj := &Object{Keys: []string{"a"}, Values: []interface{}{
		&Object{Keys: []string{"b"}, Values: []interface{}{float64(42)}},
	}}
	v, ok := Get(obj, "a.b")
	assert.True(t, ok)
	assert.Equal(t, float64(42), v)

	_, ok = Get(obj, "a.missing")
	assert.False(t, ok)
}

func TestGetIndexesIntoArrays(t *testing.T) {
	v, ok := Get([]interface{}{"x", "y", "z"}, "1")
	assert.True(t, ok)
	assert.Equal(t, "y", v)

	_, ok = Get([]interface{}{"x"}, "5")
	assert.False(t, ok)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)

	_, err = Decode([]byte{tagString, 5, 'h', 'i'})
	assert.Error(t, err)
}

func TestSortedObjectKeys(t *testing.T) {
	obj := &Object{Keys: []string{"c", "a", "b"}}
	assert.Equal(t, []string{"a", "b", "c"}, SortedObjectKeys(obj))
	assert.Equal(t, []string{"c", "a", "b"}, obj.Keys, "SortedObjectKeys must not mutate the original")
}
