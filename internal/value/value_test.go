package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexForType(t *testing.T) {
	cases := map[string]TypeIndex{
		"boolean":  TypeBoolean,
		"double":   TypeDouble,
		"int":      TypeInt,
		"float":    TypeFloat,
		"string":   TypeString,
		"raw":      TypeRaw,
		"rpc":      TypeRaw,
		"msgpack":  TypeRaw,
		"protobuf": TypeRaw,
		"boolean[]": TypeBooleanArr,
		"double[]":  TypeDoubleArr,
		"int[]":     TypeIntArr,
		"float[]":   TypeFloatArr,
		"string[]":  TypeStringArr,
	}
	for typeString, want := range cases {
		idx, ok := IndexForType(typeString)
		assert.True(t, ok, "expected %q to be recognized", typeString)
		assert.Equal(t, want, idx, "type string %q", typeString)
	}
}

func TestIsRecognizedType(t *testing.T) {
	assert.True(t, IsRecognizedType("double"))
	assert.False(t, IsRecognizedType("not-a-type"))
	assert.False(t, IsRecognizedType(""))
}

func TestKindForIndex(t *testing.T) {
	kind, err := KindForIndex(TypeDouble)
	assert.NoError(t, err)
	assert.Equal(t, KindFloat64, kind)

	// raw and its aliases all decode as bytes.
	kind, err = KindForIndex(TypeRaw)
	assert.NoError(t, err)
	assert.Equal(t, KindBytes, kind)

	_, err = KindForIndex(TypeIndex(99))
	assert.Error(t, err)
}
