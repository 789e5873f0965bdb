package rendezvous

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/ghostlink/core/internal/logging"
)

const (
	pendingTimeout   = 5 * time.Minute
	decidedTimeout   = 10 * time.Second
	cleanupInterval  = 30 * time.Second
	heartbeatReport  = 60 * time.Second
	maxDatagramSize  = 2048
)

var defaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

// AgentRegistration is what the service remembers about a registered
// agent between requests.
type AgentRegistration struct {
	AgentID        string
	PublicEndpoint string
	NATType        NATType
	LastHeartbeat  time.Time
}

// PendingConnection tracks the first peer to arrive for a session_id
// until the second peer's request_connection completes the pairing.
type PendingConnection struct {
	SessionID    string
	FirstPeer    string
	FirstNAT     NATType
	LastActivity time.Time
}

// decidedConnection is the pairing outcome addressed to the first peer,
// held just long enough for its next request_connection (a re-poll) to
// pick it up. Without this, the second caller's arrival would delete
// the PendingConnection entry and the first caller's re-poll would look
// indistinguishable from a brand-new session.
type decidedConnection struct {
	Response  Response
	DecidedAt time.Time
}

// Config configures the UDP rendezvous service.
type Config struct {
	ListenAddr    string
	RelayEndpoints []string
	STUNServers   []string
}

// Service is C8: the UDP rendezvous endpoint.
type Service struct {
	cfg  Config
	conn *net.UDPConn
	log  *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingConnection
	decided map[string]*decidedConnection
	agents  map[string]*AgentRegistration

	statsMu sync.Mutex
	stats   Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService constructs a Service without binding its socket yet.
func NewService(cfg Config) *Service {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = defaultSTUNServers
	}
	return &Service{
		cfg:     cfg,
		log:     logging.L("rendezvous.service"),
		pending: make(map[string]*PendingConnection),
		decided: make(map[string]*decidedConnection),
		agents:  make(map[string]*AgentRegistration),
		stats:   Stats{ByNATType: make(map[NATType]int64)},
		stopCh:  make(chan struct{}),
	}
}

// Run binds the UDP socket and serves requests until Stop. Each
// datagram is handled on its own goroutine, so a slow requester can
// never block another; state shared across requests lives in the
// pending, decided and agents maps.
func (s *Service) Run() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn

	s.wg.Add(2)
	go s.cleanupLoop()
	go s.heartbeatLoop()

	s.log.Info("rendezvous service listening", "addr", s.cfg.ListenAddr)

	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			s.log.Warn("udp read error", "error", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		go s.handleDatagram(payload, peer)
	}
}

// Stop closes the socket and halts background loops.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

func (s *Service) handleDatagram(payload []byte, peer *net.UDPAddr) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.log.Warn("malformed rendezvous request", "peer", peer, "error", err)
		return
	}

	var resp Response
	switch req.Type {
	case RegisterAgent:
		resp = s.handleRegisterAgent(req, peer)
	case RegisterTechnician:
		resp = s.handleRegisterTechnician(req, peer)
	case RequestConnection:
		resp = s.handleRequestConnection(req, peer)
	case TestConnectivity:
		resp = s.handleTestConnectivity(peer)
	case UpdateEndpoint:
		resp = s.handleUpdateEndpoint(req, peer)
	default:
		resp = Response{Status: StatusFailed, Error: "unknown request type"}
	}

	s.reply(resp, peer)
}

func (s *Service) reply(resp Response, peer *net.UDPAddr) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to encode response", "error", err)
		return
	}
	if _, err := s.conn.WriteToUDP(data, peer); err != nil {
		s.log.Warn("failed to send response", "peer", peer, "error", err)
	}
}

// handleRegisterAgent records the agent's observed UDP source as its
// public_endpoint and attempts STUN-based NAT detection if the caller
// didn't self-report a NAT type.
func (s *Service) handleRegisterAgent(req Request, peer *net.UDPAddr) Response {
	natType := req.NATType
	if natType == "" {
		natType = s.detectNATType()
	}

	s.mu.Lock()
	s.agents[req.AgentID] = &AgentRegistration{
		AgentID:        req.AgentID,
		PublicEndpoint: peer.String(),
		NATType:        natType,
		LastHeartbeat:  time.Now(),
	}
	s.mu.Unlock()

	return Response{
		Status:         StatusSuccess,
		AgentEndpoint:  peer.String(),
		RelayEndpoints: s.cfg.RelayEndpoints,
	}
}

func (s *Service) handleRegisterTechnician(req Request, peer *net.UDPAddr) Response {
	return Response{
		Status:         StatusSuccess,
		AgentEndpoint:  peer.String(),
		RelayEndpoints: s.cfg.RelayEndpoints,
	}
}

// handleRequestConnection implements the pairing algorithm: the first
// caller for a session_id is parked as Waiting; the second caller
// completes the pairing, deciding between a direct address exchange,
// a hole-punch plan, or a relay-required verdict based on either
// side's NAT type. The decision reaches the second caller directly in
// this response; it reaches the first caller via a short-lived decided
// cache that the first caller's next request_connection (its re-poll)
// consults before anything else.
func (s *Service) handleRequestConnection(req Request, peer *net.UDPAddr) Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if d, ok := s.decided[req.SessionID]; ok {
		delete(s.decided, req.SessionID)
		return d.Response
	}

	pc, exists := s.pending[req.SessionID]
	if !exists {
		s.pending[req.SessionID] = &PendingConnection{
			SessionID:    req.SessionID,
			FirstPeer:    peer.String(),
			FirstNAT:     req.NATType,
			LastActivity: now,
		}
		return Response{Status: StatusWaiting}
	}

	delete(s.pending, req.SessionID)
	secondPeer := peer.String()

	var second, first Response
	switch {
	case pc.FirstNAT == NATOpen || req.NATType == NATOpen:
		second = Response{Status: StatusSuccess, PeerEndpoint: pc.FirstPeer}
		first = Response{Status: StatusSuccess, PeerEndpoint: secondPeer}

	case pc.FirstNAT == NATSymmetric || req.NATType == NATSymmetric:
		s.recordHolePunch(req.NATType, false)
		second = Response{Status: StatusRelayRequired, RelayEndpoints: s.cfg.RelayEndpoints}
		first = second

	default:
		s.recordHolePunch(req.NATType, true)
		startTime := now.Add(2 * time.Second)
		magic := magicBytesFor(req.SessionID)
		second = Response{
			Status:       StatusNATTraversalRequired,
			PeerEndpoint: pc.FirstPeer,
			Plan: &HolePunchPlan{
				StartTime:  startTime,
				Duration:   5 * time.Second,
				Interval:   100 * time.Millisecond,
				Target:     pc.FirstPeer,
				MagicBytes: magic,
			},
		}
		first = Response{
			Status:       StatusNATTraversalRequired,
			PeerEndpoint: secondPeer,
			Plan: &HolePunchPlan{
				StartTime:  startTime,
				Duration:   5 * time.Second,
				Interval:   100 * time.Millisecond,
				Target:     secondPeer,
				MagicBytes: magic,
			},
		}
	}

	s.decided[req.SessionID] = &decidedConnection{Response: first, DecidedAt: now}
	return second
}

func (s *Service) handleTestConnectivity(peer *net.UDPAddr) Response {
	return Response{Status: StatusSuccess, AgentEndpoint: peer.String()}
}

func (s *Service) handleUpdateEndpoint(req Request, peer *net.UDPAddr) Response {
	s.mu.Lock()
	if a, ok := s.agents[req.AgentID]; ok {
		a.PublicEndpoint = peer.String()
		a.LastHeartbeat = time.Now()
	}
	s.mu.Unlock()
	return Response{Status: StatusSuccess, AgentEndpoint: peer.String()}
}

func (s *Service) recordHolePunch(nat NATType, attempted bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if attempted {
		s.stats.TotalAttempts++
		s.stats.ByNATType[nat]++
	} else {
		s.stats.Failures++
	}
}

// Stats returns a snapshot of the cumulative hole-punch counters.
func (s *Service) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	byNAT := make(map[NATType]int64, len(s.stats.ByNATType))
	for k, v := range s.stats.ByNATType {
		byNAT[k] = v
	}
	return Stats{
		TotalAttempts: s.stats.TotalAttempts,
		Successes:     s.stats.Successes,
		Failures:      s.stats.Failures,
		ByNATType:     byNAT,
	}
}

// detectNATType makes a best-effort STUN binding request. Failure to
// classify is acceptable: Unknown is a valid result the pairing logic
// treats conservatively (falls through to the hole-punch path).
func (s *Service) detectNATType() NATType {
	for _, server := range s.cfg.STUNServers {
		if ok := probeSTUN(server); ok {
			return NATFullCone
		}
	}
	return NATUnknown
}

func probeSTUN(server string) bool {
	conn, err := stun.Dial("udp", server)
	if err != nil {
		return false
	}
	defer conn.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	done := make(chan bool, 1)
	err = conn.Do(message, func(res stun.Event) {
		done <- res.Error == nil
	})
	if err != nil {
		return false
	}
	select {
	case ok := <-done:
		return ok
	case <-time.After(2 * time.Second):
		return false
	}
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pc := range s.pending {
		if now.Sub(pc.LastActivity) > pendingTimeout {
			delete(s.pending, id)
		}
	}
	for id, d := range s.decided {
		if now.Sub(d.DecidedAt) > decidedTimeout {
			delete(s.decided, id)
		}
	}
	for id, a := range s.agents {
		if now.Sub(a.LastHeartbeat) > pendingTimeout {
			delete(s.agents, id)
		}
	}
}

func (s *Service) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatReport)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			agents, pending := len(s.agents), len(s.pending)
			s.mu.Unlock()
			st := s.Stats()
			s.log.Info("rendezvous stats",
				"active_agents", agents,
				"pending_connections", pending,
				"hp_attempts", st.TotalAttempts,
				"hp_failures", st.Failures)
		}
	}
}
