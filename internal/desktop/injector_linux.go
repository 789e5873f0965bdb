//go:build linux

package desktop

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ghostlink/core/internal/wire"
)

// linuxInjector drives input through xdotool, the same approach used
// for cross-desktop-environment compatibility on X11 (works under both
// Xorg sessions and XWayland without needing a uinput device node).
type linuxInjector struct{}

func newPlatformInjector() (Injector, error) {
	if _, err := exec.LookPath("xdotool"); err != nil {
		return nil, fmt.Errorf("%w: xdotool not found in PATH", ErrNotSupported)
	}
	return &linuxInjector{}, nil
}

func (l *linuxInjector) MoveAbs(x, y int32) error {
	return exec.Command("xdotool", "mousemove", strconv.Itoa(int(x)), strconv.Itoa(int(y))).Run()
}

func (l *linuxInjector) MoveRel(dx, dy int32) error {
	return exec.Command("xdotool", "mousemove_relative", "--", strconv.Itoa(int(dx)), strconv.Itoa(int(dy))).Run()
}

func (l *linuxInjector) PressButton(btn wire.MouseButton) error {
	return exec.Command("xdotool", "mousedown", xdotoolButton(btn)).Run()
}

func (l *linuxInjector) ReleaseButton(btn wire.MouseButton) error {
	return exec.Command("xdotool", "mouseup", xdotoolButton(btn)).Run()
}

func (l *linuxInjector) ClickButton(btn wire.MouseButton) error {
	return exec.Command("xdotool", "click", xdotoolButton(btn)).Run()
}

func (l *linuxInjector) DoubleClick(btn wire.MouseButton) error {
	b := xdotoolButton(btn)
	return exec.Command("xdotool", "click", "--repeat", "2", "--delay", "50", b).Run()
}

func (l *linuxInjector) Scroll(dir wire.ScrollDirection, clicks int32) error {
	btn := "5" // down
	switch dir {
	case wire.ScrollUp:
		btn = "4"
	case wire.ScrollDown:
		btn = "5"
	case wire.ScrollLeft:
		btn = "6"
	case wire.ScrollRight:
		btn = "7"
	}
	if clicks <= 0 {
		clicks = 1
	}
	return exec.Command("xdotool", "click", "--repeat", strconv.Itoa(int(clicks)), btn).Run()
}

func (l *linuxInjector) PressKey(key wire.Key) error {
	return exec.Command("xdotool", "keydown", xdotoolKeySym(key)).Run()
}

func (l *linuxInjector) ReleaseKey(key wire.Key) error {
	return exec.Command("xdotool", "keyup", xdotoolKeySym(key)).Run()
}

func (l *linuxInjector) StrokeKey(key wire.Key) error {
	return exec.Command("xdotool", "key", xdotoolKeySym(key)).Run()
}

// TypeString iterates characters with `xdotool type`, which already
// guarantees the ordered, non-interleaved keystroke stream the session
// requires for a single feed of text.
func (l *linuxInjector) TypeString(s string) error {
	if s == "" {
		return nil
	}
	return exec.Command("xdotool", "type", "--clearmodifiers", "--", s).Run()
}

func (l *linuxInjector) SendCombo(keys []wire.Key) error {
	if len(keys) == 0 {
		return fmt.Errorf("empty key combo")
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, xdotoolKeySym(k))
	}
	return exec.Command("xdotool", "key", strings.Join(parts, "+")).Run()
}

func (l *linuxInjector) Close() error { return nil }

func xdotoolButton(btn wire.MouseButton) string {
	switch btn {
	case wire.MouseRight:
		return "3"
	case wire.MouseMiddle:
		return "2"
	default:
		return "1"
	}
}

// xdotoolKeySym maps a wire.Key to an X keysym name. Special names are
// mapped directly; chars are passed through as a single rune string,
// which xdotool resolves via its own keysym lookup; raw keycodes fall
// back to a numeric keysym xdotool can still usually resolve.
func xdotoolKeySym(k wire.Key) string {
	switch k.Kind {
	case wire.KeySpecial:
		switch k.Name {
		case wire.SpecialEnter:
			return "Return"
		case wire.SpecialEscape:
			return "Escape"
		case wire.SpecialBackspace:
			return "BackSpace"
		case wire.SpecialTab:
			return "Tab"
		case wire.SpecialShift:
			return "shift"
		case wire.SpecialCtrl:
			return "ctrl"
		case wire.SpecialAlt:
			return "alt"
		case wire.SpecialMeta:
			return "super"
		case wire.SpecialArrowUp:
			return "Up"
		case wire.SpecialArrowDown:
			return "Down"
		case wire.SpecialArrowLeft:
			return "Left"
		case wire.SpecialArrowRight:
			return "Right"
		case wire.SpecialDelete:
			return "Delete"
		case wire.SpecialHome:
			return "Home"
		case wire.SpecialEnd:
			return "End"
		case wire.SpecialF1:
			return "F1"
		default:
			return k.Name
		}
	case wire.KeyChar:
		return string(rune(k.Value))
	default: // KeyKeycode
		return strconv.Itoa(int(k.Value))
	}
}

var _ Injector = (*linuxInjector)(nil)
