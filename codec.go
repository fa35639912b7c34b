package layercache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts values to bytes and back.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// MsgpackCodec serializes values with msgpack.
type MsgpackCodec struct{}

var _ Codec = MsgpackCodec{}

// Marshal encodes value.
func (MsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes value.
func (MsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// Decoder restores a typed value from codec payload.
type Decoder func(data []byte) (interface{}, error)

// DecoderFor returns a decoder that produces values of type V.
func DecoderFor[V any](codec Codec) Decoder {
	return func(data []byte) (interface{}, error) {
		var v V
		if err := codec.Unmarshal(data, &v); err != nil {
			return nil, err
		}

		return v, nil
	}
}

func anyDecoder(codec Codec) Decoder {
	return func(data []byte) (interface{}, error) {
		var v interface{}
		if err := codec.Unmarshal(data, &v); err != nil {
			return nil, err
		}

		return v, nil
	}
}

type noValue struct{}

func (noValue) String() string {
	return "<no value>"
}

// NoValue is stored when loader reports there is no value.
//
// It is distinct from a missing entry and prevents repeated loading of absent data.
var NoValue interface{} = noValue{}

// IsNoValue checks if cached value is a NoValue marker.
func IsNoValue(v interface{}) bool {
	_, ok := v.(noValue)

	return ok
}

const (
	envelopeNoValue byte = 0x00
	envelopeValue   byte = 0x01
)

// encodeEnvelope prepends the marker byte that keeps NoValue distinguishable in the store.
func encodeEnvelope(codec Codec, v interface{}) ([]byte, error) {
	if IsNoValue(v) {
		return []byte{envelopeNoValue}, nil
	}

	payload, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, len(payload)+1)
	data = append(data, envelopeValue)

	return append(data, payload...), nil
}

func decodeEnvelope(data []byte, decode Decoder) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty envelope")
	}

	switch data[0] {
	case envelopeNoValue:
		if len(data) != 1 {
			return nil, fmt.Errorf("malformed no value envelope of %d bytes", len(data))
		}

		return NoValue, nil
	case envelopeValue:
		return decode(data[1:])
	default:
		return nil, fmt.Errorf("unknown envelope marker %#x", data[0])
	}
}
