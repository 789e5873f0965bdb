package desktop

import (
	"errors"
	"testing"

	"github.com/ghostlink/core/internal/wire"
)

// fakeInjector records every call it receives instead of touching the
// real display server, so dispatch routing and rate limiting can be
// tested without xdotool/X11.
type fakeInjector struct {
	calls  []string
	failOn string
	closed bool
}

func (f *fakeInjector) record(name string) error {
	f.calls = append(f.calls, name)
	if f.failOn == name {
		return errors.New("injected failure")
	}
	return nil
}

func (f *fakeInjector) MoveAbs(x, y int32) error                   { return f.record("MoveAbs") }
func (f *fakeInjector) MoveRel(dx, dy int32) error                 { return f.record("MoveRel") }
func (f *fakeInjector) PressButton(btn wire.MouseButton) error     { return f.record("PressButton") }
func (f *fakeInjector) ReleaseButton(btn wire.MouseButton) error   { return f.record("ReleaseButton") }
func (f *fakeInjector) ClickButton(btn wire.MouseButton) error     { return f.record("ClickButton") }
func (f *fakeInjector) DoubleClick(btn wire.MouseButton) error     { return f.record("DoubleClick") }
func (f *fakeInjector) Scroll(dir wire.ScrollDirection, n int32) error {
	return f.record("Scroll")
}
func (f *fakeInjector) PressKey(key wire.Key) error   { return f.record("PressKey") }
func (f *fakeInjector) ReleaseKey(key wire.Key) error { return f.record("ReleaseKey") }
func (f *fakeInjector) StrokeKey(key wire.Key) error  { return f.record("StrokeKey") }
func (f *fakeInjector) TypeString(s string) error     { return f.record("TypeString") }
func (f *fakeInjector) SendCombo(keys []wire.Key) error {
	return f.record("SendCombo")
}
func (f *fakeInjector) Close() error { f.closed = true; return nil }

func TestDispatcher_RoutesMouseMoveAbs(t *testing.T) {
	fake := &fakeInjector{}
	d := NewRateLimitedDispatcher(fake)
	err := d.Dispatch(&wire.InputEvent{Kind: wire.EventMouseMoveAbs, X: 10, Y: 20})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fake.calls) != 1 || fake.calls[0] != "MoveAbs" {
		t.Fatalf("calls = %v, want [MoveAbs]", fake.calls)
	}
	if d.Applied() != 1 || d.Dropped() != 0 {
		t.Fatalf("applied=%d dropped=%d, want 1/0", d.Applied(), d.Dropped())
	}
}

func TestDispatcher_RoutesClick(t *testing.T) {
	fake := &fakeInjector{}
	d := NewRateLimitedDispatcher(fake)
	if err := d.Dispatch(&wire.InputEvent{Kind: wire.EventMouseClick, Button: wire.MouseLeft}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(&wire.InputEvent{Kind: wire.EventMouseClick, Button: wire.MouseLeft, Double: true}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"ClickButton", "DoubleClick"}
	if len(fake.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fake.calls, want)
	}
	for i, c := range want {
		if fake.calls[i] != c {
			t.Fatalf("calls[%d] = %s, want %s", i, fake.calls[i], c)
		}
	}
}

func TestDispatcher_RoutesKeyEvents(t *testing.T) {
	fake := &fakeInjector{}
	d := NewRateLimitedDispatcher(fake)
	key := wire.Key{Kind: wire.KeySpecial, Name: wire.SpecialEnter}

	cases := []struct {
		kind wire.EventKind
		want string
	}{
		{wire.EventKeyPress, "PressKey"},
		{wire.EventKeyRelease, "ReleaseKey"},
		{wire.EventKeyStroke, "StrokeKey"},
	}
	for _, c := range cases {
		if err := d.Dispatch(&wire.InputEvent{Kind: c.kind, Key: &key}); err != nil {
			t.Fatalf("Dispatch(%s): %v", c.kind, err)
		}
	}
	for i, c := range cases {
		if fake.calls[i] != c.want {
			t.Fatalf("calls[%d] = %s, want %s", i, fake.calls[i], c.want)
		}
	}
}

func TestDispatcher_RoutesTypeTextAndCombo(t *testing.T) {
	fake := &fakeInjector{}
	d := NewRateLimitedDispatcher(fake)
	if err := d.Dispatch(&wire.InputEvent{Kind: wire.EventTypeText, Text: "hello"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	combo := []wire.Key{{Kind: wire.KeySpecial, Name: wire.SpecialCtrl}, {Kind: wire.KeyChar, Value: uint32('c')}}
	if err := d.Dispatch(&wire.InputEvent{Kind: wire.EventKeyCombo, Keys: combo}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fake.calls) != 2 || fake.calls[0] != "TypeString" || fake.calls[1] != "SendCombo" {
		t.Fatalf("calls = %v", fake.calls)
	}
}

func TestDispatcher_RejectsInvalidEvent(t *testing.T) {
	fake := &fakeInjector{}
	d := NewRateLimitedDispatcher(fake)
	// key_combo with zero keys violates the [1,8] invariant.
	err := d.Dispatch(&wire.InputEvent{Kind: wire.EventKeyCombo, Keys: nil})
	if err == nil {
		t.Fatal("expected error for empty key_combo")
	}
	if len(fake.calls) != 0 {
		t.Fatalf("injector should not have been called, got %v", fake.calls)
	}
	if d.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", d.Dropped())
	}
}

func TestDispatcher_ClipboardKindsNotDispatched(t *testing.T) {
	fake := &fakeInjector{}
	d := NewRateLimitedDispatcher(fake)
	if err := d.Dispatch(&wire.InputEvent{Kind: wire.EventClipboardGet}); err == nil {
		t.Fatal("expected clipboard_get to be rejected by the injector path")
	}
	if len(fake.calls) != 0 {
		t.Fatalf("injector should not have been called, got %v", fake.calls)
	}
}

func TestDispatcher_RateLimitExceeded(t *testing.T) {
	fake := &fakeInjector{}
	d := NewRateLimitedDispatcher(fake)
	for i := 0; i < eventRateLimit; i++ {
		if err := d.Dispatch(&wire.InputEvent{Kind: wire.EventMouseMoveAbs}); err != nil {
			t.Fatalf("unexpected error at event %d: %v", i, err)
		}
	}
	err := d.Dispatch(&wire.InputEvent{Kind: wire.EventMouseMoveAbs})
	if err == nil {
		t.Fatal("expected rate limit error on event past the ceiling")
	}
	if d.Applied() != eventRateLimit {
		t.Fatalf("Applied() = %d, want %d", d.Applied(), eventRateLimit)
	}
	if d.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", d.Dropped())
	}
}

func TestDispatcher_InjectorFailurePropagates(t *testing.T) {
	fake := &fakeInjector{failOn: "MoveAbs"}
	d := NewRateLimitedDispatcher(fake)
	err := d.Dispatch(&wire.InputEvent{Kind: wire.EventMouseMoveAbs})
	if err == nil {
		t.Fatal("expected injector failure to propagate")
	}
	if d.Applied() != 0 {
		t.Fatalf("Applied() = %d, want 0 on injector failure", d.Applied())
	}
}

func TestDispatcher_Close(t *testing.T) {
	fake := &fakeInjector{}
	d := NewRateLimitedDispatcher(fake)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fake.closed {
		t.Fatal("expected underlying injector to be closed")
	}
}
