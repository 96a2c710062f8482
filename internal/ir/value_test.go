package ir

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
	var _ Value = Decimal("0.99")
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}
	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.SortedKeys())
	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.ByteSortedKeys())
}

func TestObjectSortedKeysCaseOrder(t *testing.T) {
	obj := Object{"a": Int(1), "A": Int(2), "aa": Int(3), "aA": Int(4), "Aa": Int(5), "AA": Int(6)}
	expected := []string{"A", "AA", "Aa", "a", "aA", "aa"}
	assert.Equal(t, expected, obj.SortedKeys())
	assert.Equal(t, expected, obj.ByteSortedKeys())
}

func TestSortedKeysSupplementaryPlane(t *testing.T) {
	// U+1F600 encodes as a surrogate pair starting 0xD83D, which sorts before
	// U+FF61 in UTF-16 but after it in UTF-8.
	obj := Object{"\U0001F600": Int(1), "\uFF61": Int(2)}
	assert.Equal(t, []string{"\U0001F600", "\uFF61"}, obj.SortedKeys())
	assert.Equal(t, []string{"\uFF61", "\U0001F600"}, obj.ByteSortedKeys())
}

func TestObjectClone(t *testing.T) {
	obj := Object{"a": Int(1)}
	cp := obj.Clone()
	cp["b"] = Int(2)
	assert.Len(t, obj, 1)
	assert.Len(t, cp, 2)
}

func TestNewDecimal(t *testing.T) {
	tests := []struct {
		in   float64
		want Decimal
	}{
		{0.99, "0.99"},
		{1.5, "1.5"},
		{100, "100"},
		{-2.25, "-2.25"},
		{1e-7, "0.0000001"},
	}
	for _, tt := range tests {
		got, err := NewDecimal(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := NewDecimal(math.NaN())
	assert.Error(t, err)
	_, err = NewDecimal(math.Inf(1))
	assert.Error(t, err)
}

func TestParseDecimal(t *testing.T) {
	d, err := ParseDecimal("12.50")
	require.NoError(t, err)
	assert.Equal(t, Decimal("12.50"), d)

	for _, bad := range []string{"", "abc", "1.2.3", " 1", `"1"`} {
		_, err := ParseDecimal(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{
		"name":   "sword",
		"count":  3,
		"price":  1.25,
		"whole":  float64(7),
		"flags":  []any{true, false},
		"absent": nil,
	})
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, String("sword"), obj["name"])
	assert.Equal(t, Int(3), obj["count"])
	assert.Equal(t, Decimal("1.25"), obj["price"])
	assert.Equal(t, Int(7), obj["whole"])
	assert.Equal(t, Array{Bool(true), Bool(false)}, obj["flags"])
	assert.Equal(t, Null{}, obj["absent"])
}

func TestFromGoRejectsBytes(t *testing.T) {
	_, err := FromGo(map[string]any{"image": []byte{1, 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image")
}

func TestObjectJSONRoundTrip(t *testing.T) {
	original := Object{
		"achievement_id": String("first_win"),
		"value":          Int(1200),
		"amount":         Decimal("0.99"),
		"props":          Object{"level": Int(3), "tags": Array{String("a"), Null{}}},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Object
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestUnmarshalValueRejectsTrailingData(t *testing.T) {
	_, err := UnmarshalValue([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestObjectUnmarshalRejectsNonObject(t *testing.T) {
	var obj Object
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &obj))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "plain", Describe(String("plain")))
	assert.Equal(t, "42", Describe(Int(42)))
	assert.Equal(t, `{"a":"b"}`, Describe(Object{"a": String("b")}))
}
