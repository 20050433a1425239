package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawMessage is a pre-framed payload travelling through gRPC untouched.
type rawMessage struct {
	data []byte
}

// rawCodec passes frame bytes through gRPC without re-encoding them; the
// wire package already produced the final layout.
type rawCodec struct{}

// Name implements encoding.Codec.
func (rawCodec) Name() string {
	return "hive-raw"
}

// Marshal implements encoding.Codec.
func (rawCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("raw codec cannot marshal %T", v)
	}

	return msg.data, nil
}

// Unmarshal implements encoding.Codec.
func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}

	msg.data = append([]byte(nil), data...)

	return nil
}

var _ encoding.Codec = rawCodec{}
