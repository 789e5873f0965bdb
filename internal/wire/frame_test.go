package wire

import (
	"bytes"
	"errors"
	"testing"
)

func sampleFrame(payload []byte) *FrameMessage {
	return &FrameMessage{
		Codec:       CodecH264,
		Quality:     QualityHigh,
		IsKeyframe:  true,
		Sequence:    42,
		SessionID:   SessionID{1, 2, 3, 4, 5, 6, 7, 8},
		Width:       1920,
		Height:      1080,
		TimestampUs: 1234567890,
		Payload:     payload,
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	original := sampleFrame([]byte("fake h264 bytes"))

	buf, err := Serialize(original)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Deserialize(buf)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.Codec != original.Codec || got.Quality != original.Quality ||
		got.IsKeyframe != original.IsKeyframe || got.Sequence != original.Sequence ||
		got.SessionID != original.SessionID || got.Width != original.Width ||
		got.Height != original.Height || got.TimestampUs != original.TimestampUs {
		t.Fatalf("fields mismatch: got %+v, want %+v", got, original)
	}
	if !bytes.Equal(got.Payload, original.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, original.Payload)
	}
}

func TestDeserializeEmptyPayloadIsMalformed(t *testing.T) {
	original := sampleFrame(nil)
	original.IsKeyframe = false

	buf, err := Serialize(original)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	_, err = Deserialize(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Deserialize(empty payload) = %v, want ErrMalformed", err)
	}
}

func TestDeserializeTruncatedHeaderIsMalformed(t *testing.T) {
	_, err := Deserialize([]byte{1, 2, 3})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDeserializeTruncatedPayloadIsMalformed(t *testing.T) {
	original := sampleFrame([]byte("0123456789"))
	buf, err := Serialize(original)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	truncated := buf[:len(buf)-5]

	_, err = Deserialize(truncated)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDeserializeUnknownCodec(t *testing.T) {
	original := sampleFrame([]byte("x"))
	buf, err := Serialize(original)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	buf[5] = 0xFF // codec byte, reserved value

	_, err = Deserialize(buf)
	if !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestSerializeUnknownCodecRejected(t *testing.T) {
	m := sampleFrame([]byte("x"))
	m.Codec = Codec(0xFF)

	_, err := Serialize(m)
	if !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestSerializePayloadTooLargeRejected(t *testing.T) {
	m := sampleFrame(make([]byte, MaxPayloadLen+1))

	_, err := Serialize(m)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDeserializePayloadLenFieldTooLargeRejected(t *testing.T) {
	original := sampleFrame([]byte("x"))
	buf, err := Serialize(original)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	// corrupt the declared payload_len field to exceed the cap
	buf[36], buf[37], buf[38], buf[39] = 0xFF, 0xFF, 0xFF, 0x7F

	_, err = Deserialize(buf)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDeserializeBadMagicIsVersionMismatch(t *testing.T) {
	original := sampleFrame([]byte("x"))
	buf, err := Serialize(original)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	buf[0] = 0x00

	_, err = Deserialize(buf)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestDeserializeBadVersionIsVersionMismatch(t *testing.T) {
	original := sampleFrame([]byte("x"))
	buf, err := Serialize(original)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	buf[4] = 0x02

	_, err = Deserialize(buf)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestQualityTargetBitrateLadder(t *testing.T) {
	cases := map[Quality]int{
		QualityUltra:  8000,
		QualityHigh:   5000,
		QualityMedium: 3000,
		QualityLow:    1500,
		QualityPotato: 800,
	}
	for q, want := range cases {
		if got := q.TargetBitrateKbps(); got != want {
			t.Errorf("%s.TargetBitrateKbps() = %d, want %d", q, got, want)
		}
	}
}
