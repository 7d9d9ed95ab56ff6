// Package codec is the serializer boundary between envelopes and bytes.
//
// The dispatch core never looks inside a payload: it hands a *message.Request
// or *message.Response to a Codec and ships the bytes it gets back. The codec
// type travels in every protocol frame so the receiver picks the same one.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeZstd CodecType = 1 // JSON compressed with zstd
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeZstd:
		return "json+zstd"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=zstd
}

var (
	jsonCodec = &JSONCodec{}
	zstdCodec = NewZstdCodec()
)

// GetCodec returns the codec for a frame's codec type, or nil if unknown.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return jsonCodec
	case CodecTypeZstd:
		return zstdCodec
	}
	return nil
}

// ForName resolves the configured serializer. Only "json" is defined;
// compress selects its zstd-compressed form.
func ForName(serializer string, compress bool) (Codec, error) {
	switch serializer {
	case "", "json":
		if compress {
			return zstdCodec, nil
		}
		return jsonCodec, nil
	}
	return nil, fmt.Errorf("codec: unknown serializer %q", serializer)
}
