package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ghostlink/core/internal/logging"
)

const (
	heartbeatTimeout = 60 * time.Second
	cleanupInterval  = 30 * time.Second
)

// AuthResult is the reply to an Authenticate envelope.
type AuthResult struct {
	OK      bool   `json:"ok"`
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Authenticator validates a bearer token and resolves it to an agent
// or technician identity. The agent CLI and the web console each
// supply their own implementation; the server never assumes a token
// format.
type Authenticator interface {
	Authenticate(token string) (agentID string, ok bool)
}

// Session tracks one active session's two endpoints so traffic can be
// routed between them; frames for an absent counterparty are dropped,
// never buffered indefinitely.
type Session struct {
	SessionID  string
	AgentID    string
	Technician *connection
	Agent      *connection
}

// Config configures the relay server.
type Config struct {
	Addr           string
	MaxConnections int
	Authenticator  Authenticator
}

// Server is C10: the relay server core. It accepts WebSocket
// connections from agents and technicians, authenticates them, and
// routes session traffic between registered peers without ever
// parsing binary frame payloads.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu       sync.RWMutex
	agents   map[string]*connection
	sessions map[string]*Session
	conns    int

	stopCh chan struct{}
}

// NewServer constructs a relay Server. Call Handler to obtain the
// http.HandlerFunc to mount, and Run to start the cleanup loop.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:      logging.L("relay.server"),
		agents:   make(map[string]*connection),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Handler returns the WS accept endpoint for http.ServeMux.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		atCapacity := s.cfg.MaxConnections > 0 && s.conns >= s.cfg.MaxConnections
		s.mu.RUnlock()
		if atCapacity {
			http.Error(w, "relay at capacity", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "error", err)
			return
		}

		s.mu.Lock()
		s.conns++
		s.mu.Unlock()

		c := newConnection(conn, s)
		go func() {
			c.writePump()
			s.unregister(c)
			s.mu.Lock()
			s.conns--
			s.mu.Unlock()
		}()
		c.readPump()
	}
}

// Run starts the 30-second cleanup task; it returns when Stop is
// called.
func (s *Server) Run() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Server) Stop() { close(s.stopCh) }

func (s *Server) cleanup() {
	now := now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.agents {
		if now.Sub(c.lastHeartbeat) > heartbeatTimeout {
			delete(s.agents, id)
			s.log.Info("dropping agent: heartbeat timeout", "agentId", id)
		}
	}
	for sid, sess := range s.sessions {
		if sess.AgentID != "" {
			if _, ok := s.agents[sess.AgentID]; !ok {
				delete(s.sessions, sid)
				s.log.Info("ending session: agent gone", "sessionId", sid)
			}
		}
	}
}

func now() time.Time { return time.Now() }

func (s *Server) unregister(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.agentID != "" {
		if cur, ok := s.agents[c.agentID]; ok && cur == c {
			delete(s.agents, c.agentID)
		}
	}
	for sid, sess := range s.sessions {
		if sess.Agent == c || sess.Technician == c {
			delete(s.sessions, sid)
		}
	}
}

// routeEnvelope dispatches one decoded control message according to
// its type.
func (s *Server) routeEnvelope(c *connection, env Envelope) {
	switch env.Type {
	case "Authenticate":
		s.handleAuthenticate(c, env)
	case "AgentRegister":
		s.handleAgentRegister(c, env)
	case "AgentHeartbeat":
		s.handleAgentHeartbeat(c, env)
	case "SessionRequest":
		s.handleSessionRequest(c, env)
	case "SessionResponse":
		s.handleSessionResponse(c, env)
	case "ScreenFrame":
		// Legacy text-JSON path; forwarded exactly like any other
		// session-scoped envelope without interpreting the payload.
		s.routeToCounterparty(c, env)
	case "ScreenControl", "InputEvent", "ClipboardSync", "MonitorControl":
		s.routeToCounterparty(c, env)
	case "P2PHandshake", "P2PResponse":
		s.routeToCounterparty(c, env)
	case "Error":
		s.log.Warn("peer reported error", "agentId", c.agentID, "payload", string(env.Payload))
	default:
		s.log.Warn("unknown envelope type", "type", env.Type)
	}
}

// routeBinary forwards an opaque binary payload (a serialized
// wire.FrameMessage) to the session's counterparty. The server never
// inspects these bytes.
func (s *Server) routeBinary(c *connection, data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Agent == c && sess.Technician != nil {
			sess.Technician.sendBinary(data, true)
			return
		}
		if sess.Technician == c && sess.Agent != nil {
			sess.Agent.sendBinary(data, true)
			return
		}
	}
}

func (s *Server) handleAuthenticate(c *connection, env Envelope) {
	var req struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(env.Payload, &req)

	var result AuthResult
	if s.cfg.Authenticator == nil {
		result = AuthResult{OK: false, Reason: "no authenticator configured"}
	} else if agentID, ok := s.cfg.Authenticator.Authenticate(req.Token); ok {
		c.authenticated = true
		c.agentID = agentID
		result = AuthResult{OK: true, AgentID: agentID}
	} else {
		result = AuthResult{OK: false, Reason: "invalid token"}
	}

	payload, _ := json.Marshal(result)
	c.sendEnvelope(Envelope{Type: "AuthResult", Payload: payload})
}

func (s *Server) handleAgentRegister(c *connection, env Envelope) {
	if !c.authenticated {
		s.sendError(c, 401, "unauthenticated")
		return
	}
	c.role = "agent"
	s.mu.Lock()
	s.agents[c.agentID] = c
	s.mu.Unlock()

	s.broadcastAgentConnected(c.agentID)
}

func (s *Server) broadcastAgentConnected(agentID string) {
	payload, _ := json.Marshal(map[string]string{"agent_id": agentID})
	env := Envelope{Type: "AgentConnected", Payload: payload}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.agents {
		if id != agentID {
			c.sendEnvelope(env)
		}
	}
}

func (s *Server) handleAgentHeartbeat(c *connection, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[c.agentID]; !ok {
		// Unknown agent: dropped silently per the routing invariants.
		return
	}
	c.lastHeartbeat = now()
}

func (s *Server) handleSessionRequest(c *connection, env Envelope) {
	if !c.authenticated {
		s.sendError(c, 401, "unauthenticated")
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
		UserID  string `json:"user_id"`
	}
	_ = json.Unmarshal(env.Payload, &req)

	s.mu.Lock()
	target, ok := s.agents[req.AgentID]
	if !ok {
		s.mu.Unlock()
		s.sendError(c, 404, "agent not found")
		return
	}
	c.role = "technician"
	s.sessions[env.SessionID] = &Session{SessionID: env.SessionID, AgentID: req.AgentID, Technician: c, Agent: target}
	s.mu.Unlock()

	target.sendEnvelope(env)
}

func (s *Server) handleSessionResponse(c *connection, env Envelope) {
	s.routeToCounterparty(c, env)
}

// routeToCounterparty forwards env to the other side of env's
// session. Session routing only ever happens between a registered
// agent's outbound channel and its paired technician's outbound
// channel; if the counterparty is gone, the frame is simply dropped.
func (s *Server) routeToCounterparty(c *connection, env Envelope) {
	s.mu.RLock()
	sess, ok := s.sessions[env.SessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	var dest *connection
	switch {
	case sess.Agent == c:
		dest = sess.Technician
	case sess.Technician == c:
		dest = sess.Agent
	default:
		return
	}
	if dest == nil {
		return
	}
	dest.sendEnvelope(env)
}

func (s *Server) sendError(c *connection, code int, message string) {
	payload, _ := json.Marshal(map[string]any{"code": code, "message": message})
	c.sendEnvelope(Envelope{Type: "Error", Payload: payload})
}
