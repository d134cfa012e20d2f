package idbkey

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  Key
	}{
		{"number", Number(42.5)},
		{"negative number", Number(-17)},
		{"zero", Number(0)},
		{"date", Date(1700000000000)},
		{"string", String("hello world")},
		{"empty string", String("")},
		{"string with embedded NUL", String("a\x00b\x01c")},
		{"binary", Binary([]byte{0x00, 0x01, 0x02, 0xff})},
		{"empty binary", Binary(nil)},
		{"array", Array(Number(1), String("two"), Binary([]byte{3}))},
		{"nested array", Array(Array(Number(1), Number(2)), String("x"))},
		{"empty array", Array()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.key)
			decoded, err := Decode(encoded)
			assert.NoError(t, err)
			assert.True(t, Equal(tt.key, decoded), "expected %+v, got %+v", tt.key, decoded)
		})
	}
}

func TestCompareOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
	}{
		{"numbers ascend", Number(1), Number(2)},
		{"negative before positive", Number(-5), Number(5)},
		{"number before date", Number(1), Date(1)},
		{"date before string", Date(1), String("a")},
		{"string before binary", String("z"), Binary([]byte{0})},
		{"binary before array", Binary([]byte{0xff}), Array(Number(0))},
		{"string lexical", String("abc"), String("abd")},
		{"NUL sorts below every other rune", String("a\x00"), String("a\x01")},
		{"prefix before extension with NUL", String("a"), String("a\x00")},
		{"shorter array first", Array(Number(1)), Array(Number(1), Number(2))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, -1, Compare(tt.a, tt.b))
			assert.Equal(t, 1, Compare(tt.b, tt.a))
		})
	}
}

func TestValidateRejectsNonFinite(t *testing.T) {
	assert.Error(t, Validate(Number(math.NaN())))
	assert.Error(t, Validate(Number(math.Inf(1))))
	assert.Error(t, Validate(Number(math.Inf(-1))))
	assert.NoError(t, Validate(Number(0)))
	assert.NoError(t, Validate(Array(Number(1), String("ok"))))

	invalidNested := Array(Number(math.NaN()))
	assert.Error(t, Validate(invalidNested))
}

func TestSortKeysAndDedup(t *testing.T) {
	keys := []Key{Number(3), Number(1), Number(2), Number(1)}
	SortKeys(keys)
	assert.Equal(t, []Key{Number(1), Number(1), Number(2), Number(3)}, keys)

	deduped := Dedup(keys)
	assert.Len(t, deduped, 3)
	assert.True(t, Equal(deduped[0], Number(1)))
	assert.True(t, Equal(deduped[1], Number(2)))
	assert.True(t, Equal(deduped[2], Number(3)))
}

func TestExtractFromValueSingleAndCompound(t *testing.T) {
	record := map[string]interface{}{"id": float64(7), "name": "widget"}
	get := func(path string) (interface{}, bool) {
		v, ok := record[path]
		return v, ok
	}

	k, ok, err := ExtractFromValue(get, []string{"id"})
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, Equal(k, Number(7)))

	k, ok, err = ExtractFromValue(get, []string{"id", "name"})
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, Equal(k, Array(Number(7), String("widget"))))

	_, ok, err = ExtractFromValue(get, []string{"missing"})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestFromGoConvertsTimeToDateKey(t *testing.T) {
	when := time.UnixMilli(1700000000000).UTC()
	k, err := FromGo(when)
	assert.NoError(t, err)
	assert.Equal(t, KindDate, k.Kind)
	assert.True(t, Equal(k, Date(1700000000000)))
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)

	_, err = Decode([]byte{0x99})
	assert.Error(t, err)

	_, err = Decode(append(Encode(Number(1)), 0xaa))
	assert.Error(t, err)
}
