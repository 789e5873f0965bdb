package desktop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghostlink/core/internal/wire"
)

// frameSizeWindow is the target size of the rolling window used by the
// quality stepper (30 frames, per the streaming engine's adaptation
// cadence: it evaluates every 30 frames against the mean of that window).
const frameSizeWindow = 30

// qualityByteBudget is the soft per-frame size budget T. Sustained
// averages above it demote the quality tier; sustained averages below
// T/4 promote it.
const qualityByteBudget = 2 * 1024 * 1024

// FrameStats tracks a rolling window of recent encoded frame sizes so
// the engine can evaluate quality adaptation every 30 frames without
// retaining the full frame history.
type FrameStats struct {
	mu      sync.Mutex
	sizes   []int
	next    int
	filled  bool
	frameN  atomic.Uint64
	skipped atomic.Uint64
}

func newFrameStats() *FrameStats {
	return &FrameStats{sizes: make([]int, frameSizeWindow)}
}

// Record pushes one frame's encoded payload size into the window.
func (s *FrameStats) Record(size int) {
	s.frameN.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes[s.next] = size
	s.next = (s.next + 1) % len(s.sizes)
	if s.next == 0 {
		s.filled = true
	}
}

// RecordSkip counts a tick that produced no output (buffering signal or
// an unchanged frame dropped by the differ), without touching the size
// window.
func (s *FrameStats) RecordSkip() {
	s.skipped.Add(1)
}

// Mean returns the average size across the populated portion of the
// window.
func (s *FrameStats) Mean() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	if s.filled {
		n = len(s.sizes)
	}
	if n == 0 {
		return 0
	}
	var total int
	for i := 0; i < n; i++ {
		total += s.sizes[i]
	}
	return float64(total) / float64(n)
}

// FramesEncoded reports the total number of frames ever recorded
// (unbounded counter, independent of the rolling window).
func (s *FrameStats) FramesEncoded() uint64 { return s.frameN.Load() }

// FramesSkipped reports ticks that produced no wire output.
func (s *FrameStats) FramesSkipped() uint64 { return s.skipped.Load() }

// qualityStepper implements the engine's per-30-frame quality
// adaptation: demote on sustained oversized frames, promote on
// sustained small ones, one level per evaluation, with Ultra and
// Potato as saturating ends of the ladder.
type qualityStepper struct {
	mu      sync.Mutex
	current wire.Quality
}

func newQualityStepper(initial wire.Quality) *qualityStepper {
	if !initial.Valid() {
		initial = wire.QualityHigh
	}
	return &qualityStepper{current: initial}
}

func (q *qualityStepper) Current() wire.Quality {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Evaluate applies the T / T/4 thresholds to avg and reports the
// (possibly unchanged) quality plus whether a step was taken.
func (q *qualityStepper) Evaluate(avg float64) (wire.Quality, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case avg > qualityByteBudget:
		if q.current < wire.QualityPotato {
			q.current++
			return q.current, true
		}
	case avg < qualityByteBudget/4:
		if q.current > wire.QualityUltra {
			q.current--
			return q.current, true
		}
	}
	return q.current, false
}

// AdaptiveBitrate applies a second, independent adaptation signal fed by
// RTCP receiver reports forwarded from the hybrid connector: an
// EWMA-smoothed AIMD controller that retargets bitrate between ticks of
// the quality stepper above. It reacts to network congestion (RTT,
// packet loss) rather than encoded frame size, so the two controllers
// can disagree briefly; SetBitrate calls from either are safe to
// interleave since VideoEncoder serialises them.
type AdaptiveBitrate struct {
	mu         sync.Mutex
	encoder    *VideoEncoder
	minBitrate int
	maxBitrate int
	cooldown   time.Duration
	lastAdjust time.Time
	target     int

	smoothedLoss float64
	smoothedRTT  time.Duration
	samples      int
	stableCount  int
}

type AdaptiveBitrateConfig struct {
	Encoder        *VideoEncoder
	InitialBitrate int
	MinBitrate     int
	MaxBitrate     int
	Cooldown       time.Duration
}

func NewAdaptiveBitrate(cfg AdaptiveBitrateConfig) *AdaptiveBitrate {
	minB, maxB := cfg.MinBitrate, cfg.MaxBitrate
	if minB <= 0 {
		minB = wire.QualityPotato.TargetBitrateKbps() * 1000
	}
	if maxB <= 0 || maxB < minB {
		maxB = wire.QualityUltra.TargetBitrateKbps() * 1000
	}
	initial := cfg.InitialBitrate
	if initial <= 0 {
		initial = minB
	}
	initial = clampInt(initial, minB, maxB)
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 500 * time.Millisecond
	}
	return &AdaptiveBitrate{
		encoder:    cfg.Encoder,
		minBitrate: minB,
		maxBitrate: maxB,
		cooldown:   cooldown,
		target:     initial,
	}
}

// SetMaxBitrate moves the adaptation ceiling, clamping the current
// target down immediately if it now exceeds the new ceiling. Used when
// the quality stepper demotes, to keep the RTCP controller from
// fighting its way back above the new tier's budget.
func (a *AdaptiveBitrate) SetMaxBitrate(bps int) {
	if a == nil || bps <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxBitrate = bps
	if a.target > bps {
		a.target = bps
		if a.encoder != nil {
			_ = a.encoder.SetBitrate(bps / 1000)
		}
	}
}

const adaptiveEWMAAlpha = 0.3

// Update feeds one RTCP-derived (rtt, packetLoss) sample through the
// AIMD controller: multiplicative 0.70x decrease on sustained loss,
// additive +5%-of-ceiling increase after two consecutive clean samples.
func (a *AdaptiveBitrate) Update(rtt time.Duration, packetLoss float64) {
	if a == nil {
		return
	}
	packetLoss = clampFloat(packetLoss, 0, 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	onCooldown := !a.lastAdjust.IsZero() && now.Sub(a.lastAdjust) < a.cooldown
	a.updateEWMA(rtt, packetLoss)
	if onCooldown || a.samples < 3 {
		return
	}

	loss := a.smoothedLoss
	rttSmoothed := a.smoothedRTT
	degrade := loss >= 0.05 || (rttSmoothed >= 300*time.Millisecond && loss >= 0.02)
	upgrade := loss <= 0.01

	if degrade {
		a.stableCount = 0
	} else if upgrade {
		a.stableCount++
	} else if a.stableCount > 0 {
		a.stableCount--
	}

	const stableRequired = 2
	newTarget := a.target
	switch {
	case degrade:
		newTarget = clampInt(int(float64(newTarget)*0.70), a.minBitrate, a.maxBitrate)
	case a.stableCount >= stableRequired && a.target < a.maxBitrate:
		step := a.maxBitrate / 20
		if step < 100_000 {
			step = 100_000
		}
		newTarget = clampInt(newTarget+step, a.minBitrate, a.maxBitrate)
		a.stableCount = 0
	}

	if newTarget == a.target {
		return
	}
	a.target = newTarget
	a.lastAdjust = now
	if a.encoder != nil {
		_ = a.encoder.SetBitrate(newTarget / 1000)
	}
}

func (a *AdaptiveBitrate) updateEWMA(rtt time.Duration, loss float64) {
	a.samples++
	if a.samples == 1 {
		a.smoothedLoss = loss
		a.smoothedRTT = rtt
		return
	}
	a.smoothedLoss = adaptiveEWMAAlpha*loss + (1-adaptiveEWMAAlpha)*a.smoothedLoss
	a.smoothedRTT = time.Duration(adaptiveEWMAAlpha*float64(rtt) + (1-adaptiveEWMAAlpha)*float64(a.smoothedRTT))
}

// TargetBitrate returns the controller's current target in bps.
func (a *AdaptiveBitrate) TargetBitrate() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
