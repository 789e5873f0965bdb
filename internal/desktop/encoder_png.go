package desktop

import (
	"image"
	"image/png"
	"sync"
)

// pngBackend is the always-available fallback encoder: it emits a full
// PNG frame every call. It is used when no hardware factory registered
// and the openh264 shared library can't be loaded, and for the Raw/PNG
// codecs directly.
type pngBackend struct {
	mu            sync.Mutex
	width, height int
}

func newPNGBackend(cfg EncoderConfig) *pngBackend {
	return &pngBackend{width: cfg.Width, height: cfg.Height}
}

func (b *pngBackend) Encode(frame []byte, pf PixelFormat, stride int) ([]byte, bool, error) {
	b.mu.Lock()
	w, h := b.width, b.height
	b.mu.Unlock()
	if w == 0 || h == 0 {
		return nil, false, &EncodeError{Kind: EncodeNotInitialised, Err: errDimensionsNotSet}
	}

	img := &image.RGBA{Pix: frame, Stride: stride, Rect: image.Rect(0, 0, w, h)}
	if pf == PixelFormatBGRA {
		img = bgraToRGBA(img)
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := png.Encode(buf, img); err != nil {
		return nil, false, &EncodeError{Kind: EncodeTransient, Err: err}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, true, nil // every PNG frame is self-contained: always a keyframe
}

func (b *pngBackend) SetBitrate(int) error { return nil } // PNG has no bitrate knob
func (b *pngBackend) SetFPS(int) error     { return nil }

func (b *pngBackend) SetDimensions(width, height int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.width, b.height = width, height
	return nil
}

func (b *pngBackend) Close() error    { return nil }
func (b *pngBackend) Name() string    { return "png-fallback" }
func (b *pngBackend) IsHardware() bool { return false }

var errDimensionsNotSet = pngDimensionsErr{}

type pngDimensionsErr struct{}

func (pngDimensionsErr) Error() string { return "encoder dimensions not set" }

// bgraToRGBA returns a new image.RGBA holding a copy of src with the R
// and B channels swapped; the caller's capture buffer is left untouched.
func bgraToRGBA(src *image.RGBA) *image.RGBA {
	out := image.NewRGBA(src.Rect)
	copy(out.Pix, src.Pix)
	for i := 0; i+3 < len(out.Pix); i += 4 {
		out.Pix[i+0], out.Pix[i+2] = out.Pix[i+2], out.Pix[i+0]
	}
	return out
}

var _ encoderBackend = (*pngBackend)(nil)
