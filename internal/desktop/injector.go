package desktop

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghostlink/core/internal/logging"
	"github.com/ghostlink/core/internal/wire"
)

// Injector is C6: the platform-specific input injection surface. A
// per-platform file implements it; type_string iterates characters,
// translating each to a keycode+mods pair and dispatching a stroke, and
// must not interleave with other injected events.
type Injector interface {
	MoveAbs(x, y int32) error
	MoveRel(dx, dy int32) error
	PressButton(btn wire.MouseButton) error
	ReleaseButton(btn wire.MouseButton) error
	ClickButton(btn wire.MouseButton) error
	DoubleClick(btn wire.MouseButton) error
	Scroll(dir wire.ScrollDirection, clicks int32) error
	PressKey(key wire.Key) error
	ReleaseKey(key wire.Key) error
	StrokeKey(key wire.Key) error
	TypeString(s string) error
	SendCombo(keys []wire.Key) error
	Close() error
}

// NewInjector creates a platform-specific Injector.
func NewInjector() (Injector, error) {
	return newPlatformInjector()
}

// eventRateLimit is the per-session ceiling of injected events per
// second; events arriving above it are dropped with a counter
// increment rather than queued.
const eventRateLimit = 1000

// RateLimitedDispatcher wraps an Injector with the session-level rate
// ceiling and serialises event application (the session feeds it one
// event at a time, but the mutex guards against accidental concurrent
// callers).
type RateLimitedDispatcher struct {
	mu       sync.Mutex
	injector Injector
	log      *slog.Logger

	windowStart time.Time
	windowCount int

	dropped atomic.Uint64
	applied atomic.Uint64
}

func NewRateLimitedDispatcher(injector Injector) *RateLimitedDispatcher {
	return &RateLimitedDispatcher{
		injector: injector,
		log:      logging.L("desktop.injector"),
	}
}

// Dispatch validates and applies one InputEvent, enforcing the
// 1000 events/sec ceiling and logging events dropped for either
// validation failure or rate overflow.
func (d *RateLimitedDispatcher) Dispatch(e *wire.InputEvent) error {
	if err := e.Validate(); err != nil {
		d.log.Warn("dropping invalid input event", "kind", e.Kind, "error", err)
		d.dropped.Add(1)
		return err
	}

	d.mu.Lock()
	now := time.Now()
	if now.Sub(d.windowStart) >= time.Second {
		d.windowStart = now
		d.windowCount = 0
	}
	if d.windowCount >= eventRateLimit {
		d.mu.Unlock()
		d.dropped.Add(1)
		d.log.Warn("input event dropped: rate limit exceeded", "kind", e.Kind)
		return fmt.Errorf("input rate limit exceeded")
	}
	d.windowCount++
	d.mu.Unlock()

	err := d.apply(e)
	if err != nil {
		d.log.Warn("input injection failed", "kind", e.Kind, "error", err)
		return err
	}
	d.applied.Add(1)
	return nil
}

func (d *RateLimitedDispatcher) apply(e *wire.InputEvent) error {
	switch e.Kind {
	case wire.EventMouseMoveAbs:
		return d.injector.MoveAbs(e.X, e.Y)
	case wire.EventMouseMoveRel:
		return d.injector.MoveRel(e.DX, e.DY)
	case wire.EventMousePress:
		return d.injector.PressButton(e.Button)
	case wire.EventMouseRelease:
		return d.injector.ReleaseButton(e.Button)
	case wire.EventMouseClick:
		if e.Double {
			return d.injector.DoubleClick(e.Button)
		}
		return d.injector.ClickButton(e.Button)
	case wire.EventMouseScroll:
		return d.injector.Scroll(e.Direction, e.Clicks)
	case wire.EventKeyPress:
		return d.injector.PressKey(*e.Key)
	case wire.EventKeyRelease:
		return d.injector.ReleaseKey(*e.Key)
	case wire.EventKeyStroke:
		return d.injector.StrokeKey(*e.Key)
	case wire.EventTypeText:
		return d.injector.TypeString(e.Text)
	case wire.EventKeyCombo:
		return d.injector.SendCombo(e.Keys)
	case wire.EventClipboardSet, wire.EventClipboardGet:
		// Clipboard sync is handled by the agent session, not the
		// injector: these kinds reach here only if misrouted.
		return fmt.Errorf("clipboard events are not dispatched through the injector")
	default:
		return fmt.Errorf("unhandled input event kind %q", e.Kind)
	}
}

// Dropped returns the count of events dropped for validation or
// rate-limit reasons.
func (d *RateLimitedDispatcher) Dropped() uint64 { return d.dropped.Load() }

// Applied returns the count of events successfully dispatched.
func (d *RateLimitedDispatcher) Applied() uint64 { return d.applied.Load() }

func (d *RateLimitedDispatcher) Close() error { return d.injector.Close() }
