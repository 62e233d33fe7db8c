package codec

import "fmt"

// Raw passes pre-encoded byte slices through unchanged. It is used by
// callers that do their own serialisation, and by the interop tooling.
const Raw = "raw"

func init() {
	Register(rawCodec{})
}

type rawCodec struct{}

func (rawCodec) Name() string { return Raw }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("marshalling %T as raw bytes: %w", v, ErrSchemaMismatch)
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("unmarshalling into %T as raw bytes: %w", v, ErrSchemaMismatch)
	}
	*b = append((*b)[:0], data...)
	return nil
}
