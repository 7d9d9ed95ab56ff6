package codec

import (
	"bytes"
	"strings"
	"testing"

	"ef-rpc/message"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	original, err := message.NewRequest("Calc", "Add", "v1", 1, 2)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	data, err := jsonCodec.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded message.Request
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}

	if decoded.MethodKey() != original.MethodKey() {
		t.Errorf("MethodKey mismatch: got %s, want %s", decoded.MethodKey(), original.MethodKey())
	}
	if decoded.MessageID() != original.MessageID() {
		t.Errorf("MessageID mismatch: got %s, want %s", decoded.MessageID(), original.MessageID())
	}
	if decoded.NumArgs() != 2 {
		t.Errorf("argument count mismatch: got %d, want 2", decoded.NumArgs())
	}
}

func TestZstdCodec(t *testing.T) {
	zc := NewZstdCodec()

	// Large, repetitive result so compression has something to do
	big := strings.Repeat("ef-rpc ", 4096)
	original := message.Success("req-1", big)

	data, err := zc.Encode(original)
	if err != nil {
		t.Fatalf("ZstdCodec Encode failed: %v", err)
	}
	plain, _ := (&JSONCodec{}).Encode(original)
	if len(data) >= len(plain) {
		t.Errorf("compressed size %d not smaller than plain %d", len(data), len(plain))
	}

	var decoded message.Response
	if err := zc.Decode(data, &decoded); err != nil {
		t.Fatalf("ZstdCodec Decode failed: %v", err)
	}
	var got string
	if err := decoded.Decode(&got); err != nil {
		t.Fatalf("result decode failed: %v", err)
	}
	if got != big {
		t.Errorf("result mismatch after round trip")
	}
	if decoded.RequestID() != "req-1" {
		t.Errorf("RequestID mismatch: got %s", decoded.RequestID())
	}
}

func TestZstdDecodeGarbage(t *testing.T) {
	var resp message.Response
	if err := NewZstdCodec().Decode(bytes.Repeat([]byte{0xAB}, 32), &resp); err == nil {
		t.Fatal("expected an error decoding garbage")
	}
}

func TestForName(t *testing.T) {
	c, err := ForName("json", false)
	if err != nil || c.Type() != CodecTypeJSON {
		t.Fatalf("ForName(json,false) = %v, %v", c, err)
	}
	c, err = ForName("json", true)
	if err != nil || c.Type() != CodecTypeZstd {
		t.Fatalf("ForName(json,true) = %v, %v", c, err)
	}
	if _, err := ForName("protobuf", false); err == nil {
		t.Fatal("expected an error for an unknown serializer")
	}
	if GetCodec(CodecType(9)) != nil {
		t.Fatal("GetCodec returned a codec for an unknown type")
	}
}
