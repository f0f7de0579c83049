package idb

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Value is a stored record: map[string]any, []any, string, number, bool or
// nil, nested freely. Numbers are read back as float64 and []byte as a
// base64 string.
type Value = any

func encodeValue(v Value) ([]byte, error) {
	pv, err := structpb.NewValue(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataClone, err)
	}
	return proto.Marshal(pv)
}

func decodeValue(b []byte) (Value, error) {
	var pv structpb.Value
	if err := proto.Unmarshal(b, &pv); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return pv.AsInterface(), nil
}

// cloneValue returns a deep copy of v in its stored form, so that key
// injection never touches the caller's value.
func cloneValue(v Value) (Value, error) {
	b, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return decodeValue(b)
}

// normalize rewrites the slice and map types structpb does not accept.
func normalize(v Value) Value {
	switch x := v.(type) {
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = normalize(m)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = normalize(el)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = normalize(el)
		}
		return out
	}
	return v
}
