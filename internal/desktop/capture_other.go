//go:build !linux

package desktop

// newPlatformCapturer has no native backend wired for this platform yet;
// darwin (CGDisplayCreateImage) and windows (DXGI/GDI) backends follow the
// same ScreenCapturer contract and can be dropped in without touching
// callers.
func newPlatformCapturer(config CaptureConfig) (ScreenCapturer, error) {
	return nil, ErrNotSupported
}
