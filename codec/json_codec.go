package codec

import (
	"encoding/json"
)

// JSONCodec encodes envelopes with encoding/json. Arguments and results
// decode to json.RawMessage and are converted to concrete types by whoever
// knows them: the router for arguments, the caller for results.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
