package desktop

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/y9o/go-openh264"
)

var (
	openh264Once sync.Once
	openh264Err  error
)

// openh264Candidates lists shared-library locations to probe, since the
// binding loads OpenH264 via dlopen/LoadLibrary rather than linking it
// statically (the library's license requires a separately-obtained
// binary).
func openh264Candidates() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"openh264-2.4.1-win64.dll", "C:\\ProgramData\\GhostLink\\openh264-2.4.1-win64.dll"}
	case "darwin":
		return []string{"/usr/local/lib/libopenh264.dylib", "/opt/homebrew/lib/libopenh264.dylib", "libopenh264.dylib"}
	default:
		return []string{"/usr/lib/x86_64-linux-gnu/libopenh264.so.6", "/usr/lib/libopenh264.so.6", "libopenh264.so"}
	}
}

func ensureOpenH264Loaded() error {
	openh264Once.Do(func() {
		for _, path := range openh264Candidates() {
			if err := openh264.Open(path); err == nil {
				return
			}
		}
		openh264Err = fmt.Errorf("openh264: could not load shared library from any candidate path")
	})
	return openh264Err
}

// openh264Backend implements encoderBackend on top of the OpenH264
// software codec. Bitrate and FPS changes are applied by tearing down
// and reinitialising the underlying SVC encoder, which also guarantees
// the next emitted frame is an IDR — used directly for ForceKeyframe.
type openh264Backend struct {
	mu      sync.Mutex
	enc     *openh264.ISVCEncoder
	width   int32
	height  int32
	bitrate int32
	fps     float32
	frameN  int64
	pinner  runtime.Pinner
}

func newOpenH264Backend(cfg EncoderConfig) (*openh264Backend, error) {
	if err := ensureOpenH264Loaded(); err != nil {
		return nil, err
	}

	b := &openh264Backend{
		width:   int32(alignTo16(cfg.Width)),
		height:  int32(alignTo16(cfg.Height)),
		bitrate: int32(cfg.BitrateKbps * 1000),
		fps:     float32(cfg.FPS),
	}
	if b.width == 0 {
		b.width = 16
	}
	if b.height == 0 {
		b.height = 16
	}
	if err := b.reinit(); err != nil {
		return nil, err
	}
	return b, nil
}

func alignTo16(v int) int {
	if v%16 == 0 {
		return v
	}
	return ((v / 16) + 1) * 16
}

func (b *openh264Backend) reinit() error {
	if b.enc != nil {
		openh264.WelsDestroySVCEncoder(b.enc)
		b.enc = nil
	}

	var enc *openh264.ISVCEncoder
	if ret := openh264.WelsCreateSVCEncoder(&enc); ret != 0 || enc == nil {
		return &EncodeError{Kind: EncodeFatal, Err: fmt.Errorf("WelsCreateSVCEncoder failed: %d", ret)}
	}

	params := openh264.SEncParamBase{
		IUsageType:     openh264.SCREEN_CONTENT_REAL_TIME,
		IPicWidth:      b.width,
		IPicHeight:     b.height,
		ITargetBitrate: b.bitrate,
		FMaxFrameRate:  b.fps,
	}
	if ret := enc.Initialize(&params); ret != 0 {
		openh264.WelsDestroySVCEncoder(enc)
		return &EncodeError{Kind: EncodeFatal, Err: fmt.Errorf("encoder Initialize failed: %d", ret)}
	}

	b.enc = enc
	b.frameN = 0
	return nil
}

// Encode converts frame to planar I420 and runs it through OpenH264.
// A nil, false result (no error) means the encoder buffered the input
// without emitting output yet, matching the "encoder buffering
// tolerated" boundary behaviour.
func (b *openh264Backend) Encode(frame []byte, pf PixelFormat, stride int) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.enc == nil {
		return nil, false, &EncodeError{Kind: EncodeNotInitialised, Err: fmt.Errorf("openh264 encoder closed")}
	}

	y, cb, cr, yStride, cStride := toI420(frame, int(b.width), int(b.height), stride, pf)

	b.pinner.Pin(&y[0])
	b.pinner.Pin(&cb[0])
	b.pinner.Pin(&cr[0])
	defer b.pinner.Unpin()

	src := openh264.SSourcePicture{
		IColorFormat: openh264.VideoFormatI420,
		IStride:      [4]int32{int32(yStride), int32(cStride), int32(cStride), 0},
		IPicWidth:    b.width,
		IPicHeight:   b.height,
		UiTimeStamp:  b.frameN * int64(1000/maxInt(1, int(b.fps))),
	}
	src.PData[0] = (*uint8)(unsafe.Pointer(&y[0]))
	src.PData[1] = (*uint8)(unsafe.Pointer(&cb[0]))
	src.PData[2] = (*uint8)(unsafe.Pointer(&cr[0]))

	var info openh264.SFrameBSInfo
	ret := b.enc.EncodeFrame(&src, &info)
	b.frameN++
	if ret != openh264.CmResultSuccess {
		return nil, false, &EncodeError{Kind: EncodeTransient, Err: fmt.Errorf("EncodeFrame: %d", ret)}
	}
	if info.EFrameType == openh264.VideoFrameTypeSkip {
		return nil, false, nil
	}

	var out []byte
	for i := 0; i < int(info.ILayerNum); i++ {
		layer := &info.SLayerInfo[i]
		var size int32
		lens := unsafe.Slice(layer.PNalLengthInByte, layer.INalCount)
		for _, l := range lens {
			size += l
		}
		out = append(out, unsafe.Slice(layer.PBsBuf, size)...)
	}

	isKeyframe := info.EFrameType == openh264.VideoFrameTypeIDR
	return out, isKeyframe, nil
}

func (b *openh264Backend) SetBitrate(kbps int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bitrate = int32(kbps * 1000)
	return b.reinit()
}

func (b *openh264Backend) SetFPS(fps int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fps = float32(fps)
	return b.reinit()
}

func (b *openh264Backend) SetDimensions(width, height int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.width = int32(alignTo16(width))
	b.height = int32(alignTo16(height))
	return b.reinit()
}

// ForceKeyframe reinitialises the encoder so the next Encode call
// starts a fresh IDR sequence.
func (b *openh264Backend) ForceKeyframe() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reinit()
}

func (b *openh264Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enc != nil {
		openh264.WelsDestroySVCEncoder(b.enc)
		b.enc = nil
	}
	return nil
}

func (b *openh264Backend) Name() string     { return "openh264-software" }
func (b *openh264Backend) IsHardware() bool { return false }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var (
	_ encoderBackend         = (*openh264Backend)(nil)
	_ optionalKeyframeForcer = (*openh264Backend)(nil)
)
