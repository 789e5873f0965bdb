package desktop

import (
	"testing"
	"time"
)

// stubEncoder is a minimal encoderBackend that just remembers the last
// bitrate it was told to use, so tests can assert on it directly instead
// of round-tripping through VideoEncoder's mutex.
type stubEncoder struct {
	bitrate int
	fps     int
	width   int
	height  int
	closed  bool
}

func (s *stubEncoder) Encode(frame []byte, pf PixelFormat, stride int) ([]byte, bool, error) {
	return frame, false, nil
}
func (s *stubEncoder) SetBitrate(kbps int) error { s.bitrate = kbps; return nil }
func (s *stubEncoder) SetFPS(fps int) error      { s.fps = fps; return nil }
func (s *stubEncoder) SetDimensions(w, h int) error {
	s.width, s.height = w, h
	return nil
}
func (s *stubEncoder) Close() error     { s.closed = true; return nil }
func (s *stubEncoder) Name() string     { return "stub" }
func (s *stubEncoder) IsHardware() bool { return false }

func newTestAdaptive(initial, min, max int) (*AdaptiveBitrate, *stubEncoder) {
	return newTestAdaptiveCooldown(initial, min, max, 500*time.Millisecond)
}

func newTestAdaptiveCooldown(initial, min, max int, cooldown time.Duration) (*AdaptiveBitrate, *stubEncoder) {
	stub := &stubEncoder{bitrate: initial}
	enc := &VideoEncoder{cfg: EncoderConfig{BitrateKbps: initial}, backend: stub}
	a := NewAdaptiveBitrate(AdaptiveBitrateConfig{
		Encoder:        enc,
		InitialBitrate: initial,
		MinBitrate:     min,
		MaxBitrate:     max,
		Cooldown:       cooldown,
	})
	return a, stub
}

// warmup feeds three clean (no loss, low RTT) samples, the minimum needed
// to clear the EWMA sample-count gate before the controller will act on
// anything. The gate discards the first two samples' verdicts and the
// third is the first one evaluated, so this leaves stableCount at 1, one
// short of triggering an upgrade.
func warmup(a *AdaptiveBitrate) {
	for i := 0; i < 3; i++ {
		a.Update(20*time.Millisecond, 0)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestAdaptive_InitialBitrate(t *testing.T) {
	a, _ := newTestAdaptive(2_000_000, 500_000, 8_000_000)
	if got := a.TargetBitrate(); got != 2_000_000 {
		t.Fatalf("TargetBitrate() = %d, want 2000000", got)
	}
}

func TestAdaptive_InitialBitrateClampedToRange(t *testing.T) {
	a, _ := newTestAdaptive(10_000_000, 500_000, 4_000_000)
	if got := a.TargetBitrate(); got != 4_000_000 {
		t.Fatalf("TargetBitrate() = %d, want 4000000 (clamped to max)", got)
	}
}

func TestAdaptive_WarmupGatesEarlyDegrade(t *testing.T) {
	a, stub := newTestAdaptive(2_000_000, 500_000, 8_000_000)
	a.Update(20*time.Millisecond, 0.5)
	a.Update(20*time.Millisecond, 0.5)
	if a.TargetBitrate() != 2_000_000 {
		t.Fatalf("target changed before warmup completed: %d", a.TargetBitrate())
	}
	if stub.bitrate != 2_000_000 {
		t.Fatalf("encoder bitrate changed before warmup completed: %d", stub.bitrate)
	}
}

func TestAdaptive_NoUpgradeBeforeWarmupGateClears(t *testing.T) {
	a, _ := newTestAdaptive(1_000_000, 500_000, 8_000_000)
	a.Update(20*time.Millisecond, 0) // sample 1, gated by samples<3
	a.Update(20*time.Millisecond, 0) // sample 2, gated by samples<3
	if a.TargetBitrate() != 1_000_000 {
		t.Fatalf("target moved before the 3-sample warmup gate cleared: %d", a.TargetBitrate())
	}
}

func TestAdaptive_DegradeOnHighLoss(t *testing.T) {
	a, stub := newTestAdaptive(2_000_000, 500_000, 8_000_000)
	warmup(a)
	before := a.TargetBitrate()
	a.Update(20*time.Millisecond, 0.5)
	if a.TargetBitrate() >= before {
		t.Fatalf("expected degrade on high loss, target stayed at %d", a.TargetBitrate())
	}
	if stub.bitrate != a.TargetBitrate()/1000 {
		t.Fatalf("encoder not updated: stub=%d kbps target=%d bps", stub.bitrate, a.TargetBitrate())
	}
}

func TestAdaptive_MultiplicativeDegradeFactor(t *testing.T) {
	a, _ := newTestAdaptive(4_000_000, 100_000, 8_000_000)
	warmup(a)
	a.Update(20*time.Millisecond, 0.5)
	want := clampInt(int(4_000_000*0.70), 100_000, 8_000_000)
	if got := a.TargetBitrate(); got != want {
		t.Fatalf("TargetBitrate() = %d, want %d", got, want)
	}
}

func TestAdaptive_AdditiveUpgradeAfterStability(t *testing.T) {
	a, stub := newTestAdaptive(1_000_000, 500_000, 8_000_000)
	warmup(a) // stableCount = 1 after this, target unchanged
	before := a.TargetBitrate()
	a.Update(20*time.Millisecond, 0) // second consecutive clean sample -> upgrade
	if a.TargetBitrate() <= before {
		t.Fatalf("expected upgrade after stable samples, target stayed at %d", a.TargetBitrate())
	}
	wantStep := 8_000_000 / 20
	if gotStep := a.TargetBitrate() - before; gotStep != wantStep {
		t.Fatalf("upgrade step = %d, want %d", gotStep, wantStep)
	}
	if stub.bitrate != a.TargetBitrate()/1000 {
		t.Fatalf("encoder not updated after upgrade: stub=%d kbps target=%d bps", stub.bitrate, a.TargetBitrate())
	}
}

func TestAdaptive_AdditiveUpgradeHasMinimumStep(t *testing.T) {
	a, _ := newTestAdaptive(1_000_000, 500_000, 1_200_000)
	warmup(a)
	before := a.TargetBitrate()
	a.Update(20*time.Millisecond, 0)
	if got := a.TargetBitrate() - before; got != 100_000 {
		t.Fatalf("expected the 100kbps floor step, got step %d", got)
	}
}

func TestAdaptive_HighRTTAloneDoesNotDegrade(t *testing.T) {
	a, _ := newTestAdaptive(2_000_000, 500_000, 8_000_000)
	for i := 0; i < 3; i++ {
		a.Update(400*time.Millisecond, 0)
	}
	if a.TargetBitrate() < 2_000_000 {
		t.Fatalf("high RTT alone should not degrade, got %d", a.TargetBitrate())
	}
}

func TestAdaptive_HighRTTWithModerateLossDegrades(t *testing.T) {
	a, _ := newTestAdaptive(2_000_000, 500_000, 8_000_000)
	before := a.TargetBitrate()
	for i := 0; i < 3; i++ {
		a.Update(400*time.Millisecond, 0.03)
	}
	if a.TargetBitrate() >= before {
		t.Fatalf("expected degrade under high RTT + moderate loss, target stayed at %d", a.TargetBitrate())
	}
}

func TestAdaptive_RecoveryAfterDegrade(t *testing.T) {
	a, _ := newTestAdaptiveCooldown(4_000_000, 100_000, 8_000_000, time.Nanosecond)
	warmup(a)
	a.Update(20*time.Millisecond, 0.5) // push it into a degraded state

	min := a.TargetBitrate()
	for i := 0; i < 60; i++ {
		a.Update(20*time.Millisecond, 0)
		if cur := a.TargetBitrate(); cur < min {
			min = cur
		}
	}
	if a.TargetBitrate() <= min {
		t.Fatalf("expected target to climb back up from its post-degrade low (%d), got %d", min, a.TargetBitrate())
	}
}

func TestAdaptive_FloorClamp(t *testing.T) {
	a, stub := newTestAdaptiveCooldown(600_000, 500_000, 8_000_000, time.Nanosecond)
	for i := 0; i < 20; i++ {
		a.Update(20*time.Millisecond, 0.9)
	}
	if a.TargetBitrate() < 500_000 {
		t.Fatalf("target fell below floor: %d", a.TargetBitrate())
	}
	if stub.bitrate < 500 {
		t.Fatalf("encoder bitrate fell below floor: %d", stub.bitrate)
	}
}

func TestAdaptive_CeilingClamp(t *testing.T) {
	a, stub := newTestAdaptiveCooldown(7_900_000, 500_000, 8_000_000, time.Nanosecond)
	warmup(a)
	for i := 0; i < 20; i++ {
		a.Update(20*time.Millisecond, 0)
	}
	if a.TargetBitrate() > 8_000_000 {
		t.Fatalf("target exceeded ceiling: %d", a.TargetBitrate())
	}
	if stub.bitrate > 8_000 {
		t.Fatalf("encoder bitrate exceeded ceiling: %d", stub.bitrate)
	}
}

func TestAdaptive_EWMASmoothsTransientLossSpike(t *testing.T) {
	a, _ := newTestAdaptive(2_000_000, 500_000, 8_000_000)
	warmup(a)
	before := a.TargetBitrate()
	// A single brief loss spike, damped by the 0.3 EWMA alpha against
	// three prior zero-loss samples, should land under the 0.05 degrade
	// threshold on its own.
	a.Update(20*time.Millisecond, 0.1)
	if a.TargetBitrate() < before {
		t.Fatalf("isolated loss spike should have been smoothed away, degraded to %d", a.TargetBitrate())
	}
}

func TestAdaptive_SetMaxBitrateClampsCurrentTarget(t *testing.T) {
	a, stub := newTestAdaptive(4_000_000, 500_000, 8_000_000)
	a.SetMaxBitrate(2_000_000)
	if got := a.TargetBitrate(); got != 2_000_000 {
		t.Fatalf("TargetBitrate() = %d, want 2000000 after ceiling drop", got)
	}
	if stub.bitrate != 2_000 {
		t.Fatalf("encoder not notified of ceiling drop: %d kbps", stub.bitrate)
	}
}

func TestAdaptive_SetMaxBitrateIsNoopWhenAlreadyUnderNewCeiling(t *testing.T) {
	a, stub := newTestAdaptive(1_000_000, 500_000, 8_000_000)
	stub.bitrate = -1 // sentinel: SetBitrate must not be called
	a.SetMaxBitrate(4_000_000)
	if a.TargetBitrate() != 1_000_000 {
		t.Fatalf("target changed unexpectedly: %d", a.TargetBitrate())
	}
	if stub.bitrate != -1 {
		t.Fatal("encoder notified even though target was already under the new ceiling")
	}
}

func TestAdaptive_NoOscillationAfterSingleUpgrade(t *testing.T) {
	a, _ := newTestAdaptiveCooldown(1_000_000, 500_000, 8_000_000, time.Nanosecond)
	warmup(a)
	a.Update(20*time.Millisecond, 0) // upgrade fires, stableCount resets to 0
	upgraded := a.TargetBitrate()

	a.Update(20*time.Millisecond, 0) // only one consecutive clean sample since reset
	if a.TargetBitrate() != upgraded {
		t.Fatalf("expected no further upgrade after a single post-reset sample, got %d want %d", a.TargetBitrate(), upgraded)
	}
}

func TestAdaptive_CooldownBlocksImmediateReadjustment(t *testing.T) {
	a, stub := newTestAdaptive(4_000_000, 500_000, 8_000_000)
	warmup(a)
	a.Update(20*time.Millisecond, 0.5) // degrade, starts the cooldown
	degraded := a.TargetBitrate()

	a.Update(20*time.Millisecond, 0.9) // would degrade further, but cooldown is active
	if a.TargetBitrate() != degraded {
		t.Fatalf("cooldown did not block readjustment: got %d, want %d", a.TargetBitrate(), degraded)
	}
	if stub.bitrate != degraded/1000 {
		t.Fatalf("encoder bitrate moved during cooldown: %d", stub.bitrate)
	}
}

func TestAdaptive_NilReceiverIsSafe(t *testing.T) {
	var a *AdaptiveBitrate
	a.Update(20*time.Millisecond, 0.9)
	a.SetMaxBitrate(1_000_000)
	if got := a.TargetBitrate(); got != 0 {
		t.Fatalf("TargetBitrate() on nil = %d, want 0", got)
	}
}

func TestAdaptive_AbsHelperSanity(t *testing.T) {
	if abs(-5) != 5 || abs(5) != 5 || abs(0) != 0 {
		t.Fatal("abs helper broken")
	}
}
