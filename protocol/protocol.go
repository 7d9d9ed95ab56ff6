// Package protocol implements the binary frame protocol used by the TCP
// transport.
//
// TCP is a byte stream, so every frame starts with a fixed 11-byte header
// that says how long the rest is. The correlation id travels in the frame
// itself so the receive loop can route a response without decoding its
// body.
//
// Frame format:
//
//	0      3  4  5  6  7         11         11+idLen
//	┌──────┬──┬──┬──┬──┬─────────┬──────────┬───────────────┐
//	│magic │v │ct│mt│il│ bodyLen │  corrID  │    body ...   │
//	│ efr  │01│  │  │  │ uint32  │ il bytes │ bodyLen bytes │
//	└──────┴──┴──┴──┴──┴─────────┴──────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "efr".
// Rejects non-protocol connections (e.g. HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x65 // 'e'
	MagicByte2  byte = 0x66 // 'f'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 11 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 1 (idLen) + 4 (bodyLen)

	// MaxIDLen is the longest correlation id a frame can carry.
	MaxIDLen = 255
	// DefaultMaxBodySize applies when Decode is given no limit.
	DefaultMaxBodySize uint32 = 1 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server
	MsgTypeResponse  MsgType = 1 // Server → Client
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no id, no body)
)

// Codec type constants, mirrored from codec package to keep protocol a leaf.
const (
	CodecTypeJSON byte = 0
	CodecTypeZstd byte = 1
)

// ErrFrameTooLarge is returned by Decode for a body over the limit. The
// stream is unusable afterwards: the body was not consumed.
var ErrFrameTooLarge = errors.New("protocol: frame body exceeds limit")

// Header is the fixed part of a frame plus the correlation id.
type Header struct {
	CodecType byte    // 0=JSON, 1=zstd
	MsgType   MsgType // Request, Response, or Heartbeat
	ID        string  // Correlation id: the request's message id
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + id + body) to w in one Write.
// The caller must hold a write lock if multiple goroutines share the same
// writer; one Write per frame keeps frames from interleaving on the wire but
// the lock is what guarantees it.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(h.ID) > MaxIDLen {
		return fmt.Errorf("protocol: correlation id too long: %d bytes", len(h.ID))
	}
	buf := make([]byte, HeaderSize+len(h.ID)+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	buf[6] = byte(len(h.ID))
	// Body length: big-endian (network byte order). Always the real length.
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(body)))
	copy(buf[HeaderSize:], h.ID)
	copy(buf[HeaderSize+len(h.ID):], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame from r. It validates the magic number,
// version, codec type and message type, and rejects bodies larger than
// maxBody (DefaultMaxBodySize when zero).
func Decode(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	if maxBody == 0 {
		maxBody = DefaultMaxBodySize
	}
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeZstd {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	idLen := int(headerBuf[6])
	bodyLen := binary.BigEndian.Uint32(headerBuf[7:11])
	if bodyLen > maxBody {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, bodyLen, maxBody)
	}

	rest := make([]byte, idLen+int(bodyLen))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		ID:        string(rest[:idLen]),
		BodyLen:   bodyLen,
	}, rest[idLen:], nil
}
