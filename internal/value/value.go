// Package value implements the NT4 tagged-variant value type and the fixed
// mapping between type strings, binary type indices, and Go representations.
package value

import "fmt"

// TypeIndex is the compact integer tag carried on every binary value frame.
type TypeIndex int

const (
	TypeBoolean     TypeIndex = 0
	TypeDouble      TypeIndex = 1
	TypeInt         TypeIndex = 2
	TypeFloat       TypeIndex = 3
	TypeString      TypeIndex = 4
	TypeRaw         TypeIndex = 5
	TypeBooleanArr  TypeIndex = 16
	TypeDoubleArr   TypeIndex = 17
	TypeIntArr      TypeIndex = 18
	TypeFloatArr    TypeIndex = 19
	TypeStringArr   TypeIndex = 20
)

// typeStringIndex maps every recognized NT4 type string to its binary index.
// rpc, msgpack and protobuf all alias to TypeRaw: they share the bin encoding
// and are distinguished only by the topic's declared type string, never by
// the wire type index.
var typeStringIndex = map[string]TypeIndex{
	"boolean":    TypeBoolean,
	"double":     TypeDouble,
	"int":        TypeInt,
	"float":      TypeFloat,
	"string":     TypeString,
	"raw":        TypeRaw,
	"rpc":        TypeRaw,
	"msgpack":    TypeRaw,
	"protobuf":   TypeRaw,
	"boolean[]":  TypeBooleanArr,
	"double[]":   TypeDoubleArr,
	"int[]":      TypeIntArr,
	"float[]":    TypeFloatArr,
	"string[]":   TypeStringArr,
}

// IndexForType returns the binary type index for a recognized NT4 type
// string, and false if the string is not one of the recognized types.
func IndexForType(typeString string) (TypeIndex, bool) {
	idx, ok := typeStringIndex[typeString]
	return idx, ok
}

// IsRecognizedType reports whether typeString is one of the NT4 type
// strings accepted by publish/value operations.
func IsRecognizedType(typeString string) bool {
	_, ok := typeStringIndex[typeString]
	return ok
}

// Kind identifies which Go representation a Value holds.
type Kind int

const (
	KindBool Kind = iota
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindBoolArray
	KindInt64Array
	KindFloat32Array
	KindFloat64Array
	KindStringArray
)

// Value is the tagged variant carried by value frames and retained by
// topics. Exactly one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind Kind

	Bool   bool
	Int64  int64
	Float32 float32
	Float64 float64
	String string
	Bytes  []byte

	BoolArray    []bool
	Int64Array   []int64
	Float32Array []float32
	Float64Array []float64
	StringArray  []string
}

// KindForIndex returns the Kind a value frame with the given type index
// decodes into. raw/rpc/msgpack/protobuf all decode as KindBytes.
func KindForIndex(idx TypeIndex) (Kind, error) {
	switch idx {
	case TypeBoolean:
		return KindBool, nil
	case TypeDouble:
		return KindFloat64, nil
	case TypeInt:
		return KindInt64, nil
	case TypeFloat:
		return KindFloat32, nil
	case TypeString:
		return KindString, nil
	case TypeRaw:
		return KindBytes, nil
	case TypeBooleanArr:
		return KindBoolArray, nil
	case TypeDoubleArr:
		return KindFloat64Array, nil
	case TypeIntArr:
		return KindInt64Array, nil
	case TypeFloatArr:
		return KindFloat32Array, nil
	case TypeStringArr:
		return KindStringArray, nil
	default:
		return 0, fmt.Errorf("value: unrecognized type index %d", idx)
	}
}
