//go:build !linux

package desktop

// newPlatformInjector has no backend outside Linux. darwin (CGEventPost)
// and windows (SendInput) implementations can be added here without
// touching any caller, following the same pattern as capture_other.go.
func newPlatformInjector() (Injector, error) {
	return nil, ErrNotSupported
}
