package codec

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCodec is JSONCodec followed by zstd compression. Worth it for large
// argument lists and results; small envelopes grow slightly.
//
// The encoder and decoder are shared. EncodeAll and DecodeAll are safe for
// concurrent use.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// maxDecodedSize bounds decompression so a small frame cannot expand into
// an arbitrary allocation.
const maxDecodedSize = 64 << 20

func NewZstdCodec() *ZstdCodec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd writer: %v", err))
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd reader: %v", err))
	}
	return &ZstdCodec{enc: enc, dec: dec}
}

func (c *ZstdCodec) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *ZstdCodec) Decode(data []byte, v any) error {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	return json.Unmarshal(raw, v)
}

func (c *ZstdCodec) Type() CodecType {
	return CodecTypeZstd
}
