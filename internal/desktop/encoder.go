package desktop

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ghostlink/core/internal/wire"
)

// PixelFormat describes the input pixel byte order delivered to the
// encoder.
type PixelFormat int

const (
	PixelFormatRGBA PixelFormat = iota
	PixelFormatBGRA
)

// EncodeErrorKind classifies an Encode{...} failure as Transient, Fatal,
// or NotInitialised (the requested codec has no backend). The engine
// logs and drops the frame for every kind; a Fatal error does not end
// the session.
type EncodeErrorKind string

const (
	EncodeTransient     EncodeErrorKind = "Transient"
	EncodeFatal         EncodeErrorKind = "Fatal"
	EncodeNotInitialised EncodeErrorKind = "NotInitialised"
)

// EncodeError wraps an encoder failure with its classification.
type EncodeError struct {
	Kind EncodeErrorKind
	Err  error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("encode: %s: %v", e.Kind, e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

var (
	ErrInvalidBitrate = errors.New("invalid bitrate")
	ErrInvalidFPS     = errors.New("invalid fps")
)

// EncoderConfig configures a VideoEncoder.
type EncoderConfig struct {
	Codec          wire.Codec
	Quality        wire.Quality
	BitrateKbps    int
	FPS            int
	Width          int
	Height         int
	PreferHardware bool
}

func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Codec:       wire.CodecH264,
		Quality:     wire.QualityHigh,
		BitrateKbps: wire.QualityHigh.TargetBitrateKbps(),
		FPS:         60,
	}
}

// encoderBackend is implemented by each concrete codec backend (software
// H264 via openh264, PNG fallback). The VideoEncoder wraps one backend at
// a time and swaps it on SetCodec.
type encoderBackend interface {
	Encode(frame []byte, pf PixelFormat, stride int) ([]byte, bool, error) // bytes, isKeyframe, err
	SetBitrate(kbps int) error
	SetFPS(fps int) error
	SetDimensions(width, height int) error
	Close() error
	Name() string
	IsHardware() bool
}

type optionalKeyframeForcer interface {
	ForceKeyframe() error
}

type backendFactory func(cfg EncoderConfig) (encoderBackend, error)

var (
	hardwareFactoriesMu sync.Mutex
	hardwareFactories   []backendFactory
)

// registerHardwareFactory lets a platform-specific file (built with its
// own build tag) contribute a hardware backend without this file needing
// to know about it.
func registerHardwareFactory(factory backendFactory) {
	hardwareFactoriesMu.Lock()
	defer hardwareFactoriesMu.Unlock()
	hardwareFactories = append(hardwareFactories, factory)
}

// VideoEncoder is the engine's handle to whichever backend serves the
// configured codec.
type VideoEncoder struct {
	mu      sync.Mutex
	cfg     EncoderConfig
	backend encoderBackend
}

func NewVideoEncoder(cfg EncoderConfig) (*VideoEncoder, error) {
	cfg = applyEncoderDefaults(cfg)
	if err := validateEncoderConfig(cfg); err != nil {
		return nil, err
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	return &VideoEncoder{cfg: cfg, backend: backend}, nil
}

// Encode runs one frame through the active backend. stride is the
// source image's row stride in bytes (may exceed width*4 for padded
// captures).
func (v *VideoEncoder) Encode(frame []byte, pf PixelFormat, stride int) ([]byte, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return nil, false, &EncodeError{Kind: EncodeNotInitialised, Err: errors.New("encoder not initialized")}
	}
	return v.backend.Encode(frame, pf, stride)
}

func (v *VideoEncoder) SetBitrate(kbps int) error {
	if kbps <= 0 {
		return ErrInvalidBitrate
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.backend.SetBitrate(kbps); err != nil {
		return err
	}
	v.cfg.BitrateKbps = kbps
	return nil
}

func (v *VideoEncoder) SetFPS(fps int) error {
	if fps <= 0 {
		return ErrInvalidFPS
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.backend.SetFPS(fps); err != nil {
		return err
	}
	v.cfg.FPS = fps
	return nil
}

func (v *VideoEncoder) SetDimensions(width, height int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.Width, v.cfg.Height = width, height
	return v.backend.SetDimensions(width, height)
}

func (v *VideoEncoder) Close() error {
	v.mu.Lock()
	backend := v.backend
	v.backend = nil
	v.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}

// ForceKeyframe requests the encoder emit an IDR on its next output. A
// no-op if the backend doesn't support it. The engine calls it for the
// first frame after Start, every keyframeInterval, and after a quality
// change.
func (v *VideoEncoder) ForceKeyframe() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return &EncodeError{Kind: EncodeNotInitialised, Err: errors.New("encoder not initialized")}
	}
	if kf, ok := v.backend.(optionalKeyframeForcer); ok {
		return kf.ForceKeyframe()
	}
	return nil
}

func (v *VideoEncoder) BackendName() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return ""
	}
	return v.backend.Name()
}

func (v *VideoEncoder) BackendIsHardware() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.backend != nil && v.backend.IsHardware()
}

func applyEncoderDefaults(cfg EncoderConfig) EncoderConfig {
	d := DefaultEncoderConfig()
	if !cfg.Codec.Valid() {
		cfg.Codec = d.Codec
	}
	if !cfg.Quality.Valid() {
		cfg.Quality = d.Quality
	}
	if cfg.BitrateKbps == 0 {
		cfg.BitrateKbps = d.BitrateKbps
	}
	if cfg.FPS == 0 {
		cfg.FPS = d.FPS
	}
	return cfg
}

func validateEncoderConfig(cfg EncoderConfig) error {
	if !cfg.Codec.Valid() {
		return &EncodeError{Kind: EncodeFatal, Err: fmt.Errorf("invalid codec %v", cfg.Codec)}
	}
	if cfg.BitrateKbps <= 0 {
		return ErrInvalidBitrate
	}
	if cfg.FPS <= 0 {
		return ErrInvalidFPS
	}
	return nil
}

func newBackend(cfg EncoderConfig) (encoderBackend, error) {
	if cfg.PreferHardware {
		if backend := tryHardware(cfg); backend != nil {
			return backend, nil
		}
	}
	return newSoftwareEncoder(cfg)
}

func tryHardware(cfg EncoderConfig) encoderBackend {
	hardwareFactoriesMu.Lock()
	factories := append([]backendFactory(nil), hardwareFactories...)
	hardwareFactoriesMu.Unlock()
	for _, factory := range factories {
		backend, err := factory(cfg)
		if err == nil && backend != nil {
			return backend
		}
	}
	return nil
}
