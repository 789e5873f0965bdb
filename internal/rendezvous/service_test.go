package rendezvous

import (
	"net"
	"testing"
	"time"
)

func testService() *Service {
	return NewService(Config{ListenAddr: "127.0.0.1:0", RelayEndpoints: []string{"relay.example.com:443"}})
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr(%q): %v", s, err)
	}
	return addr
}

func TestHandleRequestConnection_FirstCallerWaits(t *testing.T) {
	s := testService()
	resp := s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATFullCone}, udpAddr(t, "1.2.3.4:1000"))
	if resp.Status != StatusWaiting {
		t.Fatalf("Status = %v, want %v", resp.Status, StatusWaiting)
	}
	if _, ok := s.pending["sess-1"]; !ok {
		t.Fatal("expected the first caller to be parked as pending")
	}
}

func TestHandleRequestConnection_EitherOpenPairsDirectly(t *testing.T) {
	s := testService()
	s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATOpen}, udpAddr(t, "1.2.3.4:1000"))
	resp := s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATFullCone}, udpAddr(t, "5.6.7.8:2000"))

	if resp.Status != StatusSuccess {
		t.Fatalf("Status = %v, want %v", resp.Status, StatusSuccess)
	}
	if resp.PeerEndpoint != "1.2.3.4:1000" {
		t.Fatalf("PeerEndpoint = %q, want the first caller's address", resp.PeerEndpoint)
	}
	if _, ok := s.pending["sess-1"]; ok {
		t.Fatal("pending entry should have been consumed by the second caller")
	}
}

func TestHandleRequestConnection_EitherSymmetricRequiresRelay(t *testing.T) {
	s := testService()
	s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATPortRestricted}, udpAddr(t, "1.2.3.4:1000"))
	resp := s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATSymmetric}, udpAddr(t, "5.6.7.8:2000"))

	if resp.Status != StatusRelayRequired {
		t.Fatalf("Status = %v, want %v", resp.Status, StatusRelayRequired)
	}
	if len(resp.RelayEndpoints) != 1 || resp.RelayEndpoints[0] != "relay.example.com:443" {
		t.Fatalf("RelayEndpoints = %v", resp.RelayEndpoints)
	}
}

func TestHandleRequestConnection_NeitherOpenNorSymmetricGetsHolePunchPlan(t *testing.T) {
	s := testService()
	s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATRestrictedCone}, udpAddr(t, "1.2.3.4:1000"))
	resp := s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATPortRestricted}, udpAddr(t, "5.6.7.8:2000"))

	if resp.Status != StatusNATTraversalRequired {
		t.Fatalf("Status = %v, want %v", resp.Status, StatusNATTraversalRequired)
	}
	if resp.Plan == nil {
		t.Fatal("expected a hole-punch plan")
	}
	if resp.Plan.Target != "1.2.3.4:1000" {
		t.Fatalf("Plan.Target = %q, want the first caller's address", resp.Plan.Target)
	}
	if resp.Plan.MagicBytes != "GhostLink-sess-1" {
		t.Fatalf("Plan.MagicBytes = %q, want GhostLink-sess-1", resp.Plan.MagicBytes)
	}
	if resp.Plan.Duration != 5*time.Second || resp.Plan.Interval != 100*time.Millisecond {
		t.Fatalf("Plan timing = %+v", resp.Plan)
	}
}

func TestHandleRequestConnection_FirstCallerRepollGetsDecidedOutcome(t *testing.T) {
	s := testService()
	first := udpAddr(t, "1.2.3.4:1000")
	second := udpAddr(t, "5.6.7.8:2000")

	waiting := s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATRestrictedCone}, first)
	if waiting.Status != StatusWaiting {
		t.Fatalf("first call Status = %v, want %v", waiting.Status, StatusWaiting)
	}

	secondResp := s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATPortRestricted}, second)
	if secondResp.Status != StatusNATTraversalRequired || secondResp.Plan == nil {
		t.Fatalf("second caller response = %+v, want a hole-punch plan", secondResp)
	}

	// The pending entry is gone, but the decision for the first caller
	// must still be retrievable by a re-poll with the same session_id.
	if _, ok := s.pending["sess-1"]; ok {
		t.Fatal("pending entry should have been consumed by the second caller")
	}

	repoll := s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATRestrictedCone}, first)
	if repoll.Status != StatusNATTraversalRequired {
		t.Fatalf("repoll Status = %v, want %v (got a fresh Waiting instead of the decided outcome)", repoll.Status, StatusNATTraversalRequired)
	}
	if repoll.Plan == nil {
		t.Fatal("expected the repoll to carry a hole-punch plan")
	}
	if repoll.Plan.Target != second.String() {
		t.Fatalf("repoll Plan.Target = %q, want the second caller's address %q", repoll.Plan.Target, second.String())
	}
	if repoll.PeerEndpoint != second.String() {
		t.Fatalf("repoll PeerEndpoint = %q, want %q", repoll.PeerEndpoint, second.String())
	}

	// The decided entry is consumed by the repoll; a further repoll
	// starts a brand-new pairing rather than replaying the same plan.
	again := s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATRestrictedCone}, first)
	if again.Status != StatusWaiting {
		t.Fatalf("second repoll Status = %v, want %v", again.Status, StatusWaiting)
	}
}

func TestHandleRequestConnection_SecondSessionIsIndependent(t *testing.T) {
	s := testService()
	s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-1", NATType: NATOpen}, udpAddr(t, "1.2.3.4:1000"))
	resp := s.handleRequestConnection(Request{Type: RequestConnection, SessionID: "sess-2", NATType: NATOpen}, udpAddr(t, "9.9.9.9:3000"))
	if resp.Status != StatusWaiting {
		t.Fatalf("Status = %v, want %v (sessions must not cross-pair)", resp.Status, StatusWaiting)
	}
}

func TestHandleRegisterAgent_RecordsPublicEndpoint(t *testing.T) {
	s := testService()
	resp := s.handleRegisterAgent(Request{Type: RegisterAgent, AgentID: "agent-1", NATType: NATOpen}, udpAddr(t, "1.2.3.4:5555"))

	if resp.Status != StatusSuccess {
		t.Fatalf("Status = %v, want %v", resp.Status, StatusSuccess)
	}
	if resp.AgentEndpoint != "1.2.3.4:5555" {
		t.Fatalf("AgentEndpoint = %q, want 1.2.3.4:5555", resp.AgentEndpoint)
	}
	reg, ok := s.agents["agent-1"]
	if !ok {
		t.Fatal("expected agent to be registered")
	}
	if reg.NATType != NATOpen {
		t.Fatalf("recorded NATType = %v, want %v (self-reported)", reg.NATType, NATOpen)
	}
}

func TestHandleUpdateEndpoint_UnknownAgentIsNoop(t *testing.T) {
	s := testService()
	resp := s.handleUpdateEndpoint(Request{Type: UpdateEndpoint, AgentID: "ghost"}, udpAddr(t, "1.1.1.1:1"))
	if resp.Status != StatusSuccess {
		t.Fatalf("Status = %v, want %v", resp.Status, StatusSuccess)
	}
	if _, ok := s.agents["ghost"]; ok {
		t.Fatal("update_endpoint must not create a new registration")
	}
}

func TestHandleUpdateEndpoint_RefreshesKnownAgent(t *testing.T) {
	s := testService()
	s.handleRegisterAgent(Request{Type: RegisterAgent, AgentID: "agent-1", NATType: NATOpen}, udpAddr(t, "1.1.1.1:1111"))
	s.handleUpdateEndpoint(Request{Type: UpdateEndpoint, AgentID: "agent-1"}, udpAddr(t, "2.2.2.2:2222"))

	if s.agents["agent-1"].PublicEndpoint != "2.2.2.2:2222" {
		t.Fatalf("PublicEndpoint = %q, want 2.2.2.2:2222", s.agents["agent-1"].PublicEndpoint)
	}
}

func TestSweep_EvictsStalePendingAndAgents(t *testing.T) {
	s := testService()
	s.pending["stale"] = &PendingConnection{SessionID: "stale", LastActivity: time.Now().Add(-pendingTimeout - time.Second)}
	s.pending["fresh"] = &PendingConnection{SessionID: "fresh", LastActivity: time.Now()}
	s.agents["old-agent"] = &AgentRegistration{AgentID: "old-agent", LastHeartbeat: time.Now().Add(-pendingTimeout - time.Second)}
	s.agents["live-agent"] = &AgentRegistration{AgentID: "live-agent", LastHeartbeat: time.Now()}

	s.sweep()

	if _, ok := s.pending["stale"]; ok {
		t.Fatal("expected stale pending entry to be evicted")
	}
	if _, ok := s.pending["fresh"]; !ok {
		t.Fatal("fresh pending entry should survive sweep")
	}
	if _, ok := s.agents["old-agent"]; ok {
		t.Fatal("expected stale agent registration to be evicted")
	}
	if _, ok := s.agents["live-agent"]; !ok {
		t.Fatal("live agent registration should survive sweep")
	}
}

func TestSweep_EvictsStaleDecidedOutcomes(t *testing.T) {
	s := testService()
	s.decided["stale"] = &decidedConnection{DecidedAt: time.Now().Add(-decidedTimeout - time.Second)}
	s.decided["fresh"] = &decidedConnection{DecidedAt: time.Now()}

	s.sweep()

	if _, ok := s.decided["stale"]; ok {
		t.Fatal("expected stale decided entry to be evicted")
	}
	if _, ok := s.decided["fresh"]; !ok {
		t.Fatal("fresh decided entry should survive sweep")
	}
}

func TestRecordHolePunch_TracksAttemptsAndFailuresSeparately(t *testing.T) {
	s := testService()
	s.recordHolePunch(NATRestrictedCone, true)
	s.recordHolePunch(NATPortRestricted, true)
	s.recordHolePunch(NATSymmetric, false)

	st := s.Stats()
	if st.TotalAttempts != 2 {
		t.Fatalf("TotalAttempts = %d, want 2", st.TotalAttempts)
	}
	if st.Failures != 1 {
		t.Fatalf("Failures = %d, want 1", st.Failures)
	}
	if st.ByNATType[NATRestrictedCone] != 1 || st.ByNATType[NATPortRestricted] != 1 {
		t.Fatalf("ByNATType = %v", st.ByNATType)
	}
}

func TestStats_ReturnsIndependentSnapshot(t *testing.T) {
	s := testService()
	s.recordHolePunch(NATRestrictedCone, true)
	snap := s.Stats()
	snap.ByNATType[NATRestrictedCone] = 999 // mutating the snapshot must not affect the service

	if got := s.Stats().ByNATType[NATRestrictedCone]; got != 1 {
		t.Fatalf("service stats mutated via snapshot: got %d, want 1", got)
	}
}

func TestHandleTestConnectivity_EchoesPeerAddress(t *testing.T) {
	s := testService()
	resp := s.handleTestConnectivity(udpAddr(t, "8.8.8.8:53"))
	if resp.Status != StatusSuccess || resp.AgentEndpoint != "8.8.8.8:53" {
		t.Fatalf("resp = %+v", resp)
	}
}
