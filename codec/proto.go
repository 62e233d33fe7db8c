package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Proto is the default codec: binary protocol buffers.
const Proto = "proto"

func init() {
	Register(protoCodec{})
}

type protoCodec struct{}

func (protoCodec) Name() string { return Proto }

func (protoCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("marshalling %T: %w", v, ErrSchemaMismatch)
	}
	return proto.Marshal(m)
}

func (protoCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("unmarshalling into %T: %w", v, ErrSchemaMismatch)
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return nil
}
