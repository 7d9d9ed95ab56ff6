package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
		ID:        "0b6e3c9a-4f7d-4c55-9d36-1f0e8e0c6a11",
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(header.ID)+len(body) {
		t.Fatalf("frame length = %d", buf.Len())
	}

	decodedHeader, decodedBody, err := Decode(&buf, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.ID != header.ID {
		t.Errorf("ID mismatch: got %s, want %s", decodedHeader.ID, header.ID)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	ids := []string{"a", "bb", "ccc"}
	for _, id := range ids {
		if err := Encode(&buf, &Header{MsgType: MsgTypeResponse, ID: id}, []byte(id+"-body")); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}
	for _, id := range ids {
		h, body, err := Decode(&buf, 0)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if h.ID != id || string(body) != id+"-body" {
			t.Fatalf("frame mismatch: id=%s body=%s", h.ID, body)
		}
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeRequest), 0x00, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf, 0)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !strings.Contains(err.Error(), "invalid magic number") {
		t.Errorf("Error message should contain 'invalid magic number', instead: %v", err)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeHeartbeat}, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h, body, err := Decode(&buf, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.MsgType != MsgTypeHeartbeat || h.ID != "" || len(body) != 0 {
		t.Errorf("heartbeat frame decoded as %+v with %d body bytes", h, len(body))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	invalidFrame := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // wrong version
		CodecTypeJSON,
		byte(MsgTypeRequest),
		0,
		0, 0, 0, 0,
	}
	buf.Write(invalidFrame)

	_, _, err := Decode(&buf, 0)
	if err == nil {
		t.Fatal("expected an error, Decode succeeded")
	}
	if !strings.Contains(err.Error(), "unsupported version") {
		t.Errorf("error should mention 'unsupported version', got: %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}
	header := &Header{CodecType: CodecTypeZstd, MsgType: MsgTypeRequest, ID: "big"}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf, uint32(len(largeBody)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}

func TestDecodeTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeRequest, ID: "x"}, make([]byte, 2048)); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, _, err := Decode(&buf, 1024)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestEncodeIDTooLong(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{ID: strings.Repeat("x", MaxIDLen+1)}, nil); err == nil {
		t.Fatal("expected an error for an over-long id")
	}
}
