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

// keyframeInterval is the maximum wall-clock gap between forced
// keyframes; it is also forced immediately after a quality change.
const keyframeInterval = 2 * time.Second

// captureRetryDelay is how long the engine pauses after a transient
// capture failure before retrying.
const captureRetryDelay = 100 * time.Millisecond

// maxConsecutiveCaptureFailures marks the session unhealthy once
// reached.
const maxConsecutiveCaptureFailures = 5

// jitterGracePeriod is how long frames are flagged as jitter-prone
// after a quality change the active encoder couldn't retarget without
// reinitialising.
const jitterGracePeriod = 2 * time.Second

// EngineConfig configures one streaming Engine instance.
type EngineConfig struct {
	SessionID  wire.SessionID
	Capturer   ScreenCapturer
	Encoder    *VideoEncoder
	Outbound   chan []byte // bounded; full outbound drops the oldest queued frame
	TargetFPS  int
	Quality    wire.Quality
	PixelFmt   PixelFormat
	OnUnhealthy func(error)
}

// Engine is C5: the adaptive streaming engine. It owns the capture
// loop, drives the encoder, paces output at the target FPS, injects
// keyframes, and adapts quality to stay within a soft per-frame size
// budget.
type Engine struct {
	sessionID wire.SessionID
	capturer  ScreenCapturer
	encoder   *VideoEncoder
	differ    *frameDiffer
	stats     *FrameStats
	stepper   *qualityStepper
	adaptive  *AdaptiveBitrate
	pixelFmt  PixelFormat

	outbound    chan []byte
	onUnhealthy func(error)

	fps atomic.Int64

	mu              sync.Mutex
	running         bool
	stopCh          chan struct{}
	wg              sync.WaitGroup
	lastKeyframe    time.Time
	forceNextKF     bool
	jitterUntil     time.Time
	consecutiveCap  int

	sequence atomic.Uint32
	log      *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	fps := cfg.TargetFPS
	if fps <= 0 {
		fps = 60
	}
	quality := cfg.Quality
	if !quality.Valid() {
		quality = wire.QualityHigh
	}
	e := &Engine{
		sessionID:   cfg.SessionID,
		capturer:    cfg.Capturer,
		encoder:     cfg.Encoder,
		differ:      newFrameDiffer(),
		stats:       newFrameStats(),
		stepper:     newQualityStepper(quality),
		pixelFmt:    cfg.PixelFmt,
		outbound:    cfg.Outbound,
		onUnhealthy: cfg.OnUnhealthy,
		log:         logging.L("desktop.engine"),
	}
	e.fps.Store(int64(fps))
	return e
}

// AttachAdaptiveBitrate wires in the RTCP-fed bitrate controller. Optional:
// a nil adaptive leaves quality stepping as the sole control loop.
func (e *Engine) AttachAdaptiveBitrate(a *AdaptiveBitrate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adaptive = a
}

// Start is idempotent: a no-op if the engine is already streaming.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.lastKeyframe = time.Time{}
	e.forceNextKF = true
	e.consecutiveCap = 0
	stop := e.stopCh
	e.mu.Unlock()

	e.stats = newFrameStats()
	e.sequence.Store(0)

	e.wg.Add(1)
	go e.loop(stop)
}

// Stop aborts the loop, closes the encoder, and logs final
// stats. After Stop, Start is permitted and re-initialises stats.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stop := e.stopCh
	e.mu.Unlock()

	close(stop)
	e.wg.Wait()

	if e.encoder != nil {
		_ = e.encoder.Close()
	}

	total, skipped := e.differ.Stats()
	e.log.Info("engine stopped",
		"session", fmt.Sprintf("%x", e.sessionID),
		"framesEncoded", e.stats.FramesEncoded(),
		"framesSkipped", e.stats.FramesSkipped(),
		"diffTotal", total,
		"diffSkipped", skipped,
	)
}

// SetTargetFPS updates the tick pacing without restarting the loop; it
// takes effect on the next ticker reset cycle.
func (e *Engine) SetTargetFPS(fps int) {
	if fps > 0 {
		e.fps.Store(int64(fps))
	}
}

func (e *Engine) loop(stop <-chan struct{}) {
	defer e.wg.Done()

	interval := time.Duration(1000/e.fps.Load()) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	currentInterval := interval
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if next := time.Duration(1000/e.fps.Load()) * time.Millisecond; next != currentInterval {
				currentInterval = next
				ticker.Reset(currentInterval)
			}
			e.tick()
		}
	}
}

// tick runs one capture/encode/send cycle. Skip-on-miss pacing is
// provided by time.Ticker itself: a slow consumer never accumulates a
// backlog of pending ticks, so a late tick just runs once for "now"
// rather than catching up.
func (e *Engine) tick() {
	frame, err := e.capturer.Capture()
	if err != nil {
		e.handleCaptureFailure(err)
		return
	}
	e.mu.Lock()
	e.consecutiveCap = 0
	e.mu.Unlock()

	if !e.differ.HasChanged(frame.Pix) {
		e.stats.RecordSkip()
		return
	}

	e.mu.Lock()
	needKeyframe := e.forceNextKF || time.Since(e.lastKeyframe) >= keyframeInterval
	e.forceNextKF = false
	e.mu.Unlock()

	if needKeyframe {
		if err := e.encoder.ForceKeyframe(); err != nil {
			e.log.Warn("force keyframe failed", "error", err)
		}
	}

	payload, isKeyframe, err := e.encoder.Encode(frame.Pix, e.pixelFmt, frame.Stride)
	if err != nil {
		e.log.Warn("encode failed, dropping frame", "error", err)
		return
	}
	if len(payload) == 0 {
		// Legal "buffering" signal: release the tick without sending.
		return
	}

	if isKeyframe {
		e.mu.Lock()
		e.lastKeyframe = time.Now()
		e.mu.Unlock()
	}

	msg := &wire.FrameMessage{
		Codec:       wire.CodecH264,
		Quality:     e.stepper.Current(),
		IsKeyframe:  isKeyframe,
		Sequence:    e.sequence.Add(1),
		SessionID:   e.sessionID,
		Width:       uint32(frame.Bounds().Dx()),
		Height:      uint32(frame.Bounds().Dy()),
		TimestampUs: uint64(time.Now().UnixMicro()),
		Payload:     payload,
	}

	buf, err := wire.Serialize(msg)
	if err != nil {
		e.log.Warn("wire serialize failed, dropping frame", "error", err)
	} else {
		e.send(buf)
	}
	e.stats.Record(len(payload))
	e.maybeAdaptQuality()
}

// send enqueues buf on the outbound channel, dropping the oldest queued
// frame to make room rather than blocking the capture loop, per the
// backpressure policy: bounded channels, drop-oldest on overflow.
func (e *Engine) send(buf []byte) {
	select {
	case e.outbound <- buf:
		return
	default:
	}
	select {
	case <-e.outbound:
	default:
	}
	select {
	case e.outbound <- buf:
	default:
		e.log.Warn("outbound channel saturated, frame dropped")
	}
}

func (e *Engine) handleCaptureFailure(err error) {
	e.mu.Lock()
	e.consecutiveCap++
	unhealthy := e.consecutiveCap >= maxConsecutiveCaptureFailures
	e.mu.Unlock()

	e.log.Warn("capture failure", "error", err, "consecutive", e.consecutiveCap)
	if unhealthy {
		e.log.Error("capturer unhealthy after consecutive failures", "consecutive", e.consecutiveCap)
		if e.onUnhealthy != nil {
			e.onUnhealthy(err)
		}
		return
	}
	time.Sleep(captureRetryDelay)
}

// maybeAdaptQuality runs the engine's quality-adaptation evaluation
// every 30 frames: avg(recent sizes) > 2MiB demotes one level,
// avg < 512KiB promotes one level, one step per evaluation.
func (e *Engine) maybeAdaptQuality() {
	if e.stats.FramesEncoded()%frameSizeWindow != 0 {
		return
	}

	avg := e.stats.Mean()
	newQuality, changed := e.stepper.Evaluate(avg)
	if !changed {
		return
	}

	e.log.Info("quality adaptation", "newQuality", newQuality.String(), "avgFrameBytes", avg)

	e.mu.Lock()
	e.forceNextKF = true
	e.mu.Unlock()

	if e.adaptive != nil {
		e.adaptive.SetMaxBitrate(newQuality.TargetBitrateKbps() * 1000)
	}
	if err := e.encoder.SetBitrate(newQuality.TargetBitrateKbps()); err != nil {
		// The backend couldn't retarget without a reinit (e.g. the PNG
		// fallback, which has no bitrate knob); flag the grace window so
		// callers know the next frames may show encoder-swap jitter.
		e.mu.Lock()
		e.jitterUntil = time.Now().Add(jitterGracePeriod)
		e.mu.Unlock()
		e.log.Warn("bitrate retarget not supported by active backend", "error", err)
	}
}

// InJitterWindow reports whether the engine is within the grace period
// following a quality change the encoder could only apply via
// reinitialisation.
func (e *Engine) InJitterWindow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Now().Before(e.jitterUntil)
}

// Stats exposes the rolling-window frame statistics for diagnostics.
func (e *Engine) Stats() *FrameStats { return e.stats }

// CurrentQuality returns the quality stepper's current tier.
func (e *Engine) CurrentQuality() wire.Quality { return e.stepper.Current() }
