package wire

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tenzoki/nt4broker/internal/value"
)

// FrameKind classifies a decoded binary frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameValueUpdate
	FrameTimeSyncRequest
	FrameTimeSyncResponse
)

// TimeSyncID is the reserved topic id (-1) that marks a binary frame as a
// time-sync frame rather than a value update.
const TimeSyncID int64 = -1

// ValueFrame is a decoded `[id, timestamp_us, typeIndex, value]` binary frame.
type ValueFrame struct {
	ID          int64
	TimestampUS int64
	Type        value.TypeIndex
	Value       value.Value
}

// TimeSyncRequest is a decoded `[-1, clientIndex, seq, clientTime_us]` frame.
type TimeSyncRequest struct {
	ClientIndex  int64
	Seq          int64
	ClientTimeUS int64
}

// TimeSyncResponse is an encoded `[-1, clientIndex, seq, clientTime_us,
// serverTime_us]` frame.
type TimeSyncResponse struct {
	ClientIndex  int64
	Seq          int64
	ClientTimeUS int64
	ServerTimeUS int64
}

// DecodedFrame is the result of decoding one binary frame.
type DecodedFrame struct {
	Kind        FrameKind
	ValueFrame  *ValueFrame
	TimeSync    *TimeSyncRequest
}

// DecodeBinaryFrame decodes one binary WebSocket frame. Per §4.1, MessagePack
// is preferred; if the payload does not decode as MessagePack, a UTF-8 JSON
// array is tried as a legacy-client fallback. A frame that matches neither
// shape yields FrameUnknown rather than an error — malformed frames are
// logged by the caller and dropped, never treated as fatal.
func DecodeBinaryFrame(data []byte) DecodedFrame {
	elems, err := decodeArray(data)
	if err != nil || len(elems) < 4 {
		return DecodedFrame{Kind: FrameUnknown}
	}

	id, ok := asInt64(elems[0])
	if !ok {
		return DecodedFrame{Kind: FrameUnknown}
	}

	if id == TimeSyncID {
		clientIndex, ok1 := asInt64(elems[1])
		seq, ok2 := asInt64(elems[2])
		clientTime, ok3 := asInt64(elems[3])
		if !ok1 || !ok2 || !ok3 {
			return DecodedFrame{Kind: FrameUnknown}
		}
		return DecodedFrame{
			Kind: FrameTimeSyncRequest,
			TimeSync: &TimeSyncRequest{
				ClientIndex:  clientIndex,
				Seq:          seq,
				ClientTimeUS: clientTime,
			},
		}
	}

	ts, ok1 := asInt64(elems[1])
	typeIdxRaw, ok2 := asInt64(elems[2])
	if !ok1 || !ok2 {
		return DecodedFrame{Kind: FrameUnknown}
	}
	typeIdx := value.TypeIndex(typeIdxRaw)

	v, err := decodeValue(typeIdx, elems[3])
	if err != nil {
		return DecodedFrame{Kind: FrameUnknown}
	}

	return DecodedFrame{
		Kind: FrameValueUpdate,
		ValueFrame: &ValueFrame{
			ID:          id,
			TimestampUS: ts,
			Type:        typeIdx,
			Value:       v,
		},
	}
}

// decodeArray unmarshals data as a MessagePack array of arbitrary elements,
// falling back to JSON on failure (legacy client tolerance, §4.1).
func decodeArray(data []byte) ([]interface{}, error) {
	var elems []interface{}
	if err := msgpack.Unmarshal(data, &elems); err == nil {
		return elems, nil
	}
	if err := json.Unmarshal(data, &elems); err == nil {
		return elems, nil
	}
	return nil, fmt.Errorf("wire: binary frame is neither msgpack nor json")
}

// EncodeValueFrame encodes a `[id, timestamp_us, typeIndex, value]` frame.
func EncodeValueFrame(id int64, timestampUS int64, typeIdx value.TypeIndex, v value.Value) ([]byte, error) {
	payload, err := encodeValue(typeIdx, v)
	if err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal([]interface{}{id, timestampUS, int64(typeIdx), payload})
	if err != nil {
		return nil, fmt.Errorf("wire: encode value frame: %w", err)
	}
	return data, nil
}

// EncodeTimeSyncRequest encodes a `[-1, clientIndex, seq, clientTime_us]`
// frame (used by test clients acting as an NT4 client).
func EncodeTimeSyncRequest(req TimeSyncRequest) ([]byte, error) {
	data, err := msgpack.Marshal([]interface{}{TimeSyncID, req.ClientIndex, req.Seq, req.ClientTimeUS})
	if err != nil {
		return nil, fmt.Errorf("wire: encode time-sync request: %w", err)
	}
	return data, nil
}

// EncodeTimeSyncResponse encodes a `[-1, clientIndex, seq, clientTime_us,
// serverTime_us]` frame.
func EncodeTimeSyncResponse(resp TimeSyncResponse) ([]byte, error) {
	data, err := msgpack.Marshal([]interface{}{
		TimeSyncID, resp.ClientIndex, resp.Seq, resp.ClientTimeUS, resp.ServerTimeUS,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: encode time-sync response: %w", err)
	}
	return data, nil
}

// decodeValue converts the fourth element of a value frame into the typed
// variant indicated by typeIdx.
func decodeValue(typeIdx value.TypeIndex, raw interface{}) (value.Value, error) {
	kind, err := value.KindForIndex(typeIdx)
	if err != nil {
		return value.Value{}, err
	}

	switch kind {
	case value.KindBool:
		b, ok := raw.(bool)
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected bool, got %T", raw)
		}
		return value.Value{Kind: kind, Bool: b}, nil

	case value.KindInt64:
		i, ok := asInt64(raw)
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected int, got %T", raw)
		}
		return value.Value{Kind: kind, Int64: i}, nil

	case value.KindFloat32:
		f, ok := asFloat64(raw)
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected float, got %T", raw)
		}
		return value.Value{Kind: kind, Float32: float32(f)}, nil

	case value.KindFloat64:
		f, ok := asFloat64(raw)
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected double, got %T", raw)
		}
		return value.Value{Kind: kind, Float64: f}, nil

	case value.KindString:
		s, ok := raw.(string)
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected string, got %T", raw)
		}
		return value.Value{Kind: kind, String: s}, nil

	case value.KindBytes:
		b, ok := asBytes(raw)
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected bytes, got %T", raw)
		}
		return value.Value{Kind: kind, Bytes: b}, nil

	case value.KindBoolArray:
		arr, ok := raw.([]interface{})
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected bool array, got %T", raw)
		}
		out := make([]bool, len(arr))
		for i, e := range arr {
			b, ok := e.(bool)
			if !ok {
				return value.Value{}, fmt.Errorf("wire: bool array element %d not bool", i)
			}
			out[i] = b
		}
		return value.Value{Kind: kind, BoolArray: out}, nil

	case value.KindInt64Array:
		arr, ok := raw.([]interface{})
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected int array, got %T", raw)
		}
		out := make([]int64, len(arr))
		for i, e := range arr {
			n, ok := asInt64(e)
			if !ok {
				return value.Value{}, fmt.Errorf("wire: int array element %d not int", i)
			}
			out[i] = n
		}
		return value.Value{Kind: kind, Int64Array: out}, nil

	case value.KindFloat32Array:
		arr, ok := raw.([]interface{})
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected float array, got %T", raw)
		}
		out := make([]float32, len(arr))
		for i, e := range arr {
			f, ok := asFloat64(e)
			if !ok {
				return value.Value{}, fmt.Errorf("wire: float array element %d not float", i)
			}
			out[i] = float32(f)
		}
		return value.Value{Kind: kind, Float32Array: out}, nil

	case value.KindFloat64Array:
		arr, ok := raw.([]interface{})
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected double array, got %T", raw)
		}
		out := make([]float64, len(arr))
		for i, e := range arr {
			f, ok := asFloat64(e)
			if !ok {
				return value.Value{}, fmt.Errorf("wire: double array element %d not float", i)
			}
			out[i] = f
		}
		return value.Value{Kind: kind, Float64Array: out}, nil

	case value.KindStringArray:
		arr, ok := raw.([]interface{})
		if !ok {
			return value.Value{}, fmt.Errorf("wire: expected string array, got %T", raw)
		}
		out := make([]string, len(arr))
		for i, e := range arr {
			s, ok := e.(string)
			if !ok {
				return value.Value{}, fmt.Errorf("wire: string array element %d not string", i)
			}
			out[i] = s
		}
		return value.Value{Kind: kind, StringArray: out}, nil
	}

	return value.Value{}, fmt.Errorf("wire: unhandled value kind %v", kind)
}

// encodeValue converts a typed variant back into a msgpack-friendly Go
// value for the fourth element of a value frame.
func encodeValue(typeIdx value.TypeIndex, v value.Value) (interface{}, error) {
	kind, err := value.KindForIndex(typeIdx)
	if err != nil {
		return nil, err
	}
	if kind != v.Kind {
		return nil, fmt.Errorf("wire: value kind %v does not match type index %d", v.Kind, typeIdx)
	}

	switch kind {
	case value.KindBool:
		return v.Bool, nil
	case value.KindInt64:
		return v.Int64, nil
	case value.KindFloat32:
		return v.Float32, nil
	case value.KindFloat64:
		return v.Float64, nil
	case value.KindString:
		return v.String, nil
	case value.KindBytes:
		return v.Bytes, nil
	case value.KindBoolArray:
		return v.BoolArray, nil
	case value.KindInt64Array:
		return v.Int64Array, nil
	case value.KindFloat32Array:
		return v.Float32Array, nil
	case value.KindFloat64Array:
		return v.Float64Array, nil
	case value.KindStringArray:
		return v.StringArray, nil
	default:
		return nil, fmt.Errorf("wire: unhandled value kind %v", kind)
	}
}

// asInt64 converts the numeric types msgpack/json decoding may produce into
// an int64, without relying on any one decoder's particular integer width.
func asInt64(raw interface{}) (int64, bool) {
	switch n := raw.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func asFloat64(raw interface{}) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		i, ok := asInt64(raw)
		if !ok {
			return 0, false
		}
		return float64(i), true
	}
}

func asBytes(raw interface{}) ([]byte, bool) {
	switch b := raw.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		return nil, false
	}
}
