package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tenzoki/nt4broker/internal/value"
)

func TestValueFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		typ  value.TypeIndex
		v    value.Value
	}{
		{"bool", value.TypeBoolean, value.Value{Kind: value.KindBool, Bool: true}},
		{"double", value.TypeDouble, value.Value{Kind: value.KindFloat64, Float64: 3.14}},
		{"int", value.TypeInt, value.Value{Kind: value.KindInt64, Int64: -42}},
		{"float", value.TypeFloat, value.Value{Kind: value.KindFloat32, Float32: 1.5}},
		{"string", value.TypeString, value.Value{Kind: value.KindString, String: "hello"}},
		{"raw", value.TypeRaw, value.Value{Kind: value.KindBytes, Bytes: []byte{1, 2, 3}}},
		{"boolean[]", value.TypeBooleanArr, value.Value{Kind: value.KindBoolArray, BoolArray: []bool{true, false}}},
		{"double[]", value.TypeDoubleArr, value.Value{Kind: value.KindFloat64Array, Float64Array: []float64{1, 2.5}}},
		{"int[]", value.TypeIntArr, value.Value{Kind: value.KindInt64Array, Int64Array: []int64{1, 2, 3}}},
		{"float[]", value.TypeFloatArr, value.Value{Kind: value.KindFloat32Array, Float32Array: []float32{1, 2}}},
		{"string[]", value.TypeStringArr, value.Value{Kind: value.KindStringArray, StringArray: []string{"a", "b"}}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			frame, err := EncodeValueFrame(1, 1000000, c.typ, c.v)
			require.NoError(t, err)

			decoded := DecodeBinaryFrame(frame)
			require.Equal(t, FrameValueUpdate, decoded.Kind)
			assert.EqualValues(t, 1, decoded.ValueFrame.ID)
			assert.EqualValues(t, 1000000, decoded.ValueFrame.TimestampUS)
			assert.Equal(t, c.typ, decoded.ValueFrame.Type)
			assert.Equal(t, c.v, decoded.ValueFrame.Value)
		})
	}
}

func TestDecodeBinaryFrameTimeSyncRequest(t *testing.T) {
	req := TimeSyncRequest{ClientIndex: 2, Seq: 42, ClientTimeUS: 5000}
	data, err := EncodeTimeSyncRequest(req)
	require.NoError(t, err)

	decoded := DecodeBinaryFrame(data)
	require.Equal(t, FrameTimeSyncRequest, decoded.Kind)
	assert.Equal(t, req, *decoded.TimeSync)
}

func TestEncodeTimeSyncResponseShape(t *testing.T) {
	resp := TimeSyncResponse{ClientIndex: 2, Seq: 42, ClientTimeUS: 5000, ServerTimeUS: 1234567}
	data, err := EncodeTimeSyncResponse(resp)
	require.NoError(t, err)

	var elems []interface{}
	require.NoError(t, msgpack.Unmarshal(data, &elems))
	require.Len(t, elems, 5)

	id, _ := asInt64(elems[0])
	assert.Equal(t, int64(TimeSyncID), id)

	serverTime, _ := asInt64(elems[4])
	assert.EqualValues(t, 1234567, serverTime)
}

func TestDecodeBinaryFrameUnknownShapes(t *testing.T) {
	assert.Equal(t, FrameUnknown, DecodeBinaryFrame([]byte("not a valid frame")).Kind)
	assert.Equal(t, FrameUnknown, DecodeBinaryFrame(nil).Kind)
}

func TestEncodeValueFrameKindMismatch(t *testing.T) {
	_, err := EncodeValueFrame(1, 0, value.TypeDouble, value.Value{Kind: value.KindString, String: "nope"})
	assert.Error(t, err)
}
