// Package wire implements the GhostLink binary and JSON interop formats:
// the fixed-layout FrameMessage used for video/audio payloads and the
// tagged-variant InputEvent JSON encoding used on the control plane.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	magicGLFR     uint32 = 0x474C4652 // "GLFR"
	wireVersion   uint8  = 0x01
	headerSize           = 40
	MaxPayloadLen        = 2 * 1024 * 1024 // 2 MiB
)

// Codec identifies the payload encoding of a FrameMessage.
type Codec uint8

const (
	CodecRaw Codec = iota
	CodecPNG
	CodecH264
	CodecH265
	CodecNvencH264
	CodecNvencH265
	CodecNvencAV1
	CodecAV1
	codecCount
)

func (c Codec) Valid() bool { return c < codecCount }

func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecPNG:
		return "png"
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecNvencH264:
		return "nvenc_h264"
	case CodecNvencH265:
		return "nvenc_h265"
	case CodecNvencAV1:
		return "nvenc_av1"
	case CodecAV1:
		return "av1"
	default:
		return "unknown"
	}
}

// Quality is the adaptive streaming quality tier, ordered from richest
// to most degraded so that numeric comparison reflects severity.
type Quality uint8

const (
	QualityUltra Quality = iota
	QualityHigh
	QualityMedium
	QualityLow
	QualityPotato
	qualityCount
)

func (q Quality) Valid() bool { return q < qualityCount }

func (q Quality) String() string {
	switch q {
	case QualityUltra:
		return "ultra"
	case QualityHigh:
		return "high"
	case QualityMedium:
		return "medium"
	case QualityLow:
		return "low"
	case QualityPotato:
		return "potato"
	default:
		return "unknown"
	}
}

// TargetBitrateKbps returns the reference bitrate for a quality tier,
// matching the streaming engine's default ladder.
func (q Quality) TargetBitrateKbps() int {
	switch q {
	case QualityUltra:
		return 8000
	case QualityHigh:
		return 5000
	case QualityMedium:
		return 3000
	case QualityLow:
		return 1500
	case QualityPotato:
		return 800
	default:
		return 1500
	}
}

// WireError classifies why deserialize/serialize failed, mirroring the
// Wire{Malformed|UnknownCodec|PayloadTooLarge|VersionMismatch} error kinds.
type WireError struct {
	Kind string
	Err  error
}

func (e *WireError) Error() string { return fmt.Sprintf("wire: %s: %v", e.Kind, e.Err) }
func (e *WireError) Unwrap() error { return e.Err }

var (
	ErrMalformed      = &WireError{Kind: "Malformed", Err: errors.New("truncated or invalid frame")}
	ErrUnknownCodec   = &WireError{Kind: "UnknownCodec", Err: errors.New("reserved codec byte")}
	ErrPayloadTooLarge = &WireError{Kind: "PayloadTooLarge", Err: fmt.Errorf("payload exceeds %d bytes", MaxPayloadLen)}
	ErrVersionMismatch = &WireError{Kind: "VersionMismatch", Err: errors.New("unknown magic or version prefix")}
)

// SessionID is the opaque 8-byte session identifier carried on the wire.
type SessionID [8]byte

// FrameMessage is one bit-exact video/audio frame as defined by the wire
// layout in the external interfaces section: a 40-byte fixed header
// followed by the encoded payload.
type FrameMessage struct {
	Codec       Codec
	Quality     Quality
	IsKeyframe  bool
	Sequence    uint32
	SessionID   SessionID
	Width       uint32
	Height      uint32
	TimestampUs uint64
	Payload     []byte
}

// Serialize encodes m into the fixed little-endian layout. The returned
// slice owns its own backing array; m.Payload is copied once.
func Serialize(m *FrameMessage) ([]byte, error) {
	if !m.Codec.Valid() {
		return nil, ErrUnknownCodec
	}
	if len(m.Payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, headerSize+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], magicGLFR)
	buf[4] = wireVersion
	buf[5] = byte(m.Codec)
	buf[6] = byte(m.Quality)
	var flags byte
	if m.IsKeyframe {
		flags |= 0x01
	}
	buf[7] = flags
	binary.LittleEndian.PutUint32(buf[8:12], m.Sequence)
	copy(buf[12:20], m.SessionID[:])
	binary.LittleEndian.PutUint32(buf[20:24], m.Width)
	binary.LittleEndian.PutUint32(buf[24:28], m.Height)
	binary.LittleEndian.PutUint64(buf[28:36], m.TimestampUs)
	binary.LittleEndian.PutUint32(buf[36:40], uint32(len(m.Payload)))
	copy(buf[40:], m.Payload)

	return buf, nil
}

// Deserialize decodes a FrameMessage from buf. The returned message's
// Payload is a slice into buf (zero-copy); callers that retain buf and
// mutate it must copy the payload first.
func Deserialize(buf []byte) (*FrameMessage, error) {
	if len(buf) < headerSize {
		return nil, ErrMalformed
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	version := buf[4]
	if magic != magicGLFR || version != wireVersion {
		return nil, ErrVersionMismatch
	}

	codec := Codec(buf[5])
	if !codec.Valid() {
		return nil, ErrUnknownCodec
	}
	quality := Quality(buf[6])
	flags := buf[7]

	payloadLen := binary.LittleEndian.Uint32(buf[36:40])
	if payloadLen == 0 {
		return nil, ErrMalformed
	}
	if payloadLen > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	if uint32(len(buf)-headerSize) < payloadLen {
		return nil, ErrMalformed
	}

	m := &FrameMessage{
		Codec:       codec,
		Quality:     quality,
		IsKeyframe:  flags&0x01 != 0,
		Sequence:    binary.LittleEndian.Uint32(buf[8:12]),
		Width:       binary.LittleEndian.Uint32(buf[20:24]),
		Height:      binary.LittleEndian.Uint32(buf[24:28]),
		TimestampUs: binary.LittleEndian.Uint64(buf[28:36]),
		Payload:     buf[headerSize : headerSize+int(payloadLen)],
	}
	copy(m.SessionID[:], buf[12:20])

	return m, nil
}
