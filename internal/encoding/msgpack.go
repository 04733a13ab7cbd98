package encoding

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v as msgpack. A nil v encodes to a nil blob so that optional
// columns stay NULL.
func Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a msgpack blob into v. Empty blobs leave v untouched.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode blob: %w", err)
	}
	return nil
}
