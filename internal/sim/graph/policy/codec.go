package policy

import (
	"encoding/json"
	"fmt"
)

// Codec converts a registered value to and from its persisted byte form.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// JSONCodec encodes values of type T as JSON. T is normally a small comparable struct.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v any) ([]byte, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("json codec: got %T, want %T", v, zero)
	}
	return json.Marshal(t)
}

func (JSONCodec[T]) Decode(b []byte) (any, error) {
	var t T
	if len(b) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return t, nil
}
