// Package agent implements C7: the agent-side session that owns one
// streaming engine and one input dispatcher per remote-control
// session, wiring relay-delivered input events into the injector and
// the engine's encoded frames back out to the relay.
package agent

import (
	"log/slog"
	"sync"

	"github.com/ghostlink/core/internal/connector"
	"github.com/ghostlink/core/internal/desktop"
	"github.com/ghostlink/core/internal/logging"
	"github.com/ghostlink/core/internal/remote/clipboard"
	"github.com/ghostlink/core/internal/wire"
)

// Type selects the session's policy flags at creation.
type Type string

const (
	TypeBackstage Type = "backstage" // may block local input
	TypeConsole   Type = "console"   // may show a banner to the console user
	TypeAdHoc     Type = "ad_hoc"    // neither
)

// Policy is the orthogonal, per-type configuration dict; the core
// session exposes these as optional hooks rather than baking any
// particular UX into the session object itself.
type Policy struct {
	BlockLocalInput bool
	ShowBanner      bool
}

func policyFor(t Type) Policy {
	switch t {
	case TypeBackstage:
		return Policy{BlockLocalInput: true, ShowBanner: false}
	case TypeConsole:
		return Policy{BlockLocalInput: false, ShowBanner: true}
	default:
		return Policy{}
	}
}

// ScreenBlanker and InputBlocker are optional platform hooks a Session
// may wire in; a session built without them simply no-ops the
// corresponding policy.
type ScreenBlanker interface {
	EnableScreenBlank() error
	DisableScreenBlank() error
}

type InputBlocker interface {
	EnableInputBlock() error
	DisableInputBlock() error
}

// Config builds one Session.
type Config struct {
	SessionID  wire.SessionID
	Type       Type
	Engine     *desktop.Engine
	Dispatcher *desktop.RateLimitedDispatcher
	Connector  *connector.Connector

	ScreenBlanker ScreenBlanker
	InputBlocker  InputBlocker
	Clipboard     clipboard.Clipboard

	// Adaptive, if set, is attached to Engine and fed by the
	// connector's peer-reported packet loss; a session built without
	// one falls back to the engine's frame-size-budget quality
	// stepper as its sole control loop.
	Adaptive *desktop.AdaptiveBitrate
}

// Session owns one streaming engine and one input dispatcher for a
// single agent<->technician pairing.
type Session struct {
	id         wire.SessionID
	sessType   Type
	policy     Policy
	engine     *desktop.Engine
	dispatcher *desktop.RateLimitedDispatcher
	conn       *connector.Connector

	blanker  ScreenBlanker
	blocker  InputBlocker
	clip     clipboard.Clipboard
	adaptive *desktop.AdaptiveBitrate

	log *slog.Logger

	mu        sync.Mutex
	active    bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSession builds a Session from its already-constructed
// components; it does not start anything.
func NewSession(cfg Config) *Session {
	return &Session{
		id:         cfg.SessionID,
		sessType:   cfg.Type,
		policy:     policyFor(cfg.Type),
		engine:     cfg.Engine,
		dispatcher: cfg.Dispatcher,
		conn:       cfg.Connector,
		blanker:    cfg.ScreenBlanker,
		blocker:    cfg.InputBlocker,
		clip:       cfg.Clipboard,
		adaptive:   cfg.Adaptive,
		log:        logging.L("agent.session"),
	}
}

// Start applies session-type policy, attaches the adaptive bitrate
// controller when one is configured, and starts the capture/encode
// engine. Inbound binary frames are not routed here; the caller passes
// them to HandleInbound. Idempotent.
func (s *Session) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.active = true
		s.mu.Unlock()

		if s.policy.BlockLocalInput && s.blocker != nil {
			if err := s.blocker.EnableInputBlock(); err != nil {
				s.log.Warn("failed to enable input block", logging.KeySessionID, s.id, logging.KeyError, err)
			}
		}
		if s.policy.ShowBanner && s.blanker != nil {
			// Console sessions show a banner rather than blanking;
			// no screen-blank hook is invoked here.
		}

		if s.adaptive != nil {
			s.engine.AttachAdaptiveBitrate(s.adaptive)
			if s.conn != nil {
				// RTT isn't carried by the loss report yet, so only the
				// loss-driven degrade/upgrade trigger is live; the
				// RTT-assisted trigger stays dormant until a round-trip
				// probe is wired in.
				s.conn.OnPacketLoss(func(fractionLost float64) {
					s.adaptive.Update(0, fractionLost)
				})
			}
		}

		s.engine.Start()
		s.log.Info("agent session started", logging.KeySessionID, s.id, "type", s.sessType)
	})
	return startErr
}

// HandleInbound parses one relay-delivered payload as an InputEvent
// and dispatches it through the rate-limited injector. Called once per
// event; the relay guarantees per-agent FIFO delivery so events are
// never interleaved out of order here.
func (s *Session) HandleInbound(payload []byte) {
	event, err := wire.ParseInputEvent(payload)
	if err != nil {
		s.log.Warn("dropping unparseable input event", logging.KeySessionID, s.id, logging.KeyError, err)
		return
	}
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(event); err != nil {
		s.log.Debug("input event not applied", logging.KeySessionID, s.id, logging.KeyError, err)
	}
}

// HandleClipboardSync applies an incoming ClipboardSync payload to the
// local system clipboard. A session built without a Clipboard
// backend silently ignores it.
func (s *Session) HandleClipboardSync(content clipboard.Content) error {
	if s.clip == nil {
		return nil
	}
	return s.clip.SetContent(content)
}

// LocalClipboard reads the current local clipboard content, for
// pushing up to the technician as an outbound ClipboardSync.
func (s *Session) LocalClipboard() (clipboard.Content, error) {
	if s.clip == nil {
		return clipboard.Content{}, nil
	}
	return s.clip.GetContent()
}

// EnableInputBlock and DisableInputBlock are optional hooks; a
// session built without an InputBlocker silently no-ops.
func (s *Session) EnableInputBlock() error {
	if s.blocker == nil {
		return nil
	}
	return s.blocker.EnableInputBlock()
}

func (s *Session) DisableInputBlock() error {
	if s.blocker == nil {
		return nil
	}
	return s.blocker.DisableInputBlock()
}

// EnableScreenBlank and DisableScreenBlank are optional hooks; a
// session built without a ScreenBlanker silently no-ops.
func (s *Session) EnableScreenBlank() error {
	if s.blanker == nil {
		return nil
	}
	return s.blanker.EnableScreenBlank()
}

func (s *Session) DisableScreenBlank() error {
	if s.blanker == nil {
		return nil
	}
	return s.blanker.DisableScreenBlank()
}

// Stop tears the session down: stops the engine, releases any input
// block, and closes the connector. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()

		s.engine.Stop()

		if s.policy.BlockLocalInput && s.blocker != nil {
			if err := s.blocker.DisableInputBlock(); err != nil {
				s.log.Warn("failed to disable input block", logging.KeySessionID, s.id, logging.KeyError, err)
			}
		}
		if s.dispatcher != nil {
			_ = s.dispatcher.Close()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}

		s.log.Info("agent session stopped", logging.KeySessionID, s.id,
			"framesEncoded", s.engine.Stats().FramesEncoded(),
			"framesSkipped", s.engine.Stats().FramesSkipped())
	})
}

// Active reports whether the session is currently running.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Manager tracks all live sessions on an agent process, mirroring the
// one-process-many-sessions shape a Backstage/Console/AdHoc agent can
// run concurrently.
type Manager struct {
	mu       sync.RWMutex
	sessions map[wire.SessionID]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[wire.SessionID]*Session)}
}

func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.id] = s
}

func (m *Manager) Get(id wire.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Stop(id wire.SessionID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[wire.SessionID]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
