package desktop

import "github.com/ghostlink/core/internal/wire"

// newSoftwareEncoder picks the software backend for cfg.Codec. H264 uses
// the openh264 binding; Raw and PNG use the stdlib image/png fallback.
// Any other codec (H265, AV1, Nvenc*) has no software path and fails
// with NotInitialised rather than silently downgrading — the caller
// (the engine) is expected to have already clamped to a supported codec.
func newSoftwareEncoder(cfg EncoderConfig) (encoderBackend, error) {
	switch cfg.Codec {
	case wire.CodecH264:
		b, err := newOpenH264Backend(cfg)
		if err == nil {
			return b, nil
		}
		// openh264 shared library unavailable on this host; degrade to
		// the PNG backend rather than fail the session outright.
		return newPNGBackend(cfg), nil
	case wire.CodecRaw, wire.CodecPNG:
		return newPNGBackend(cfg), nil
	default:
		return nil, &EncodeError{Kind: EncodeNotInitialised, Err: errUnsupportedCodec(cfg.Codec)}
	}
}

func errUnsupportedCodec(c wire.Codec) error {
	return &codecError{codec: c}
}

type codecError struct{ codec wire.Codec }

func (e *codecError) Error() string { return "no software backend for codec " + e.codec.String() }
