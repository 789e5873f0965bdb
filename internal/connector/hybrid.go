package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/ghostlink/core/internal/rendezvous"
)

// statsSSRC tags the receiver reports this connector exchanges with its
// peer; GhostLink's data channel carries no real RTP stream, so there is
// no negotiated SSRC to reuse and a fixed sentinel is good enough for a
// single-peer session.
const statsSSRC = 1

// State is the hybrid connector's externally observable connection
// state, mirroring the user-visible transitions the agent session
// reports.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateDirect       State = "direct"
	StateRelay        State = "relay"
	StateHybrid       State = "hybrid"
	StateError        State = "error"
)

// Settings are the per-session connection policy flags.
type Settings struct {
	PreferP2P           bool
	AllowRelayFallback  bool
	ForceRelay          bool
	P2PTimeout          time.Duration
	ConnectionTimeout   time.Duration
	EncryptionRequired  bool
}

func DefaultSettings() Settings {
	return Settings{
		PreferP2P:          true,
		AllowRelayFallback: true,
		P2PTimeout:         5 * time.Second,
		ConnectionTimeout:  10 * time.Second,
		EncryptionRequired: true,
	}
}

// p2pHandshakePayload is the connection_info carried by P2PHandshake /
// P2PResponse control messages: just enough for the peer to start ICE.
type p2pHandshakePayload struct {
	Offer string `json:"offer,omitempty"`
	Answer string `json:"answer,omitempty"`
}

// Connector is C9: the hybrid connector. One instance exists per
// session, on either peer (agent or technician viewer).
type Connector struct {
	sessionID string
	settings  Settings
	relay     *RelayLeg
	rendez    *rendezvous.Client

	mu          sync.Mutex
	state       State
	peerConn    *webrtc.PeerConnection
	dataChannel *webrtc.DataChannel

	onStateChange func(State)
	onBinary      func([]byte)
	onPacketLoss  func(fractionLost float64)

	handshakeCh chan p2pHandshakePayload
}

// NewConnector builds a Connector bound to an already-constructed relay
// leg (which must be started independently so it's available for the
// P2P handshake exchange even before P2P is attempted).
func NewConnector(sessionID string, settings Settings, relay *RelayLeg, rendez *rendezvous.Client, onBinary func([]byte)) *Connector {
	c := &Connector{
		sessionID:   sessionID,
		settings:    settings,
		relay:       relay,
		rendez:      rendez,
		state:       StateDisconnected,
		onBinary:    onBinary,
		handshakeCh: make(chan p2pHandshakePayload, 1),
	}
	return c
}

func (c *Connector) OnStateChange(fn func(State)) { c.onStateChange = fn }

// OnPacketLoss registers the callback invoked whenever a peer-reported
// RTCPReport arrives; the agent session wires this into its
// AdaptiveBitrate controller.
func (c *Connector) OnPacketLoss(fn func(fractionLost float64)) { c.onPacketLoss = fn }

// ReportPacketLoss sends the peer an RTCP receiver report describing
// this side's recently observed loss, carried over the relay control
// channel as a base64-wrapped RTCP packet (GhostLink's data channel
// isn't an RTP stream, so the report rides alongside the session's
// other control messages rather than a real RTCP transport).
func (c *Connector) ReportPacketLoss(fractionLost uint8, totalLost uint32) error {
	rr := &rtcp.ReceiverReport{
		SSRC: statsSSRC,
		Reports: []rtcp.ReceptionReport{{
			SSRC:         statsSSRC,
			FractionLost: fractionLost,
			TotalLost:    totalLost,
		}},
	}
	raw, err := rr.Marshal()
	if err != nil {
		return fmt.Errorf("marshal receiver report: %w", err)
	}
	payload, _ := json.Marshal(map[string]string{"rtcp": base64.StdEncoding.EncodeToString(raw)})
	return c.relay.SendControl(ControlMessage{
		Type:      "RTCPReport",
		SessionID: c.sessionID,
		Payload:   payload,
	})
}

func (c *Connector) handleRTCPReport(msg ControlMessage) {
	var body struct {
		RTCP string `json:"rtcp"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(body.RTCP)
	if err != nil {
		return
	}
	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return
	}
	if c.onPacketLoss == nil {
		return
	}
	for _, p := range packets {
		rr, ok := p.(*rtcp.ReceiverReport)
		if !ok || len(rr.Reports) == 0 {
			continue
		}
		c.onPacketLoss(float64(rr.Reports[0].FractionLost) / 255)
	}
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.onStateChange != nil {
		c.onStateChange(s)
	}
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect implements the connect(peer_id) algorithm: force_relay skips
// straight to the relay leg; prefer_p2p attempts P2P first (bounded by
// p2p_timeout) and falls back to relay only if allow_relay_fallback.
func (c *Connector) Connect(ctx context.Context, peerID string) error {
	c.setState(StateConnecting)

	if c.settings.ForceRelay {
		return c.connectRelayOnly()
	}

	if c.settings.PreferP2P {
		ctx, cancel := context.WithTimeout(ctx, c.settings.P2PTimeout)
		defer cancel()
		if err := c.tryP2P(ctx, peerID); err == nil {
			c.setState(StateDirect)
			return nil
		} else if !c.settings.AllowRelayFallback {
			c.setState(StateError)
			return fmt.Errorf("p2p failed and relay fallback disabled: %w", err)
		}
	}

	if err := c.connectRelayOnly(); err != nil {
		c.setState(StateError)
		return err
	}
	if c.settings.PreferP2P {
		c.setState(StateHybrid) // P2P may still come up later via handleIncomingHandshake
	} else {
		c.setState(StateRelay)
	}
	return nil
}

func (c *Connector) connectRelayOnly() error {
	c.relay.Start()
	c.setState(StateRelay)
	return nil
}

// tryP2P exchanges endpoints over the relay (so the relay must already
// be up) and waits for the handshake response, consulting rendezvous
// for a hole-punch plan if direct connectivity needs it.
func (c *Connector) tryP2P(ctx context.Context, peerID string) error {
	c.relay.Start()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel("ghostlink", nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create data channel: %w", err)
	}

	c.mu.Lock()
	c.peerConn = pc
	c.dataChannel = dc
	c.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.onBinary != nil {
			c.onBinary(msg.Data)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	payload, _ := json.Marshal(p2pHandshakePayload{Offer: offer.SDP})
	if err := c.relay.SendControl(ControlMessage{
		Type:      "P2PHandshake",
		SessionID: c.sessionID,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	if c.rendez != nil {
		resp, err := c.rendez.RequestConnection(ctx, c.sessionID)
		if err != nil {
			log.Warn("rendezvous request_connection failed", "session", c.sessionID, "error", err)
		} else if resp.Status == rendezvous.StatusNATTraversalRequired && resp.Plan != nil {
			// Run the hole punch alongside the SDP exchange above;
			// either mechanism opening a path is fine, and the punch
			// is abandoned once the surrounding context is done.
			go func(plan *rendezvous.HolePunchPlan) {
				if err := punchHole(ctx, plan); err != nil {
					log.Debug("hole punch did not complete", "session", c.sessionID, "error", err)
				} else {
					log.Info("hole punch opened a direct UDP path", "session", c.sessionID, "target", plan.Target)
				}
			}(resp.Plan)
		}
	}

	select {
	case resp := <-c.handshakeCh:
		if resp.Answer == "" {
			return errors.New("peer rejected p2p handshake")
		}
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: resp.Answer}
		if err := pc.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleControlMessage routes a P2PHandshake/P2PResponse arriving over
// the relay leg to the connector's handshake state.
func (c *Connector) HandleControlMessage(msg ControlMessage) {
	switch msg.Type {
	case "P2PHandshake":
		c.handleIncomingHandshake(msg)
	case "P2PResponse":
		var p p2pHandshakePayload
		_ = json.Unmarshal(msg.Payload, &p)
		select {
		case c.handshakeCh <- p:
		default:
		}
	case "RTCPReport":
		c.handleRTCPReport(msg)
	}
}

// handleIncomingHandshake answers a peer-initiated P2PHandshake: create
// our own peer connection, set the remote offer, answer, and respond.
func (c *Connector) handleIncomingHandshake(msg ControlMessage) {
	var p p2pHandshakePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Offer == "" {
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		c.dataChannel = dc
		c.mu.Unlock()
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			if c.onBinary != nil {
				c.onBinary(m.Data)
			}
		})
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.Offer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return
	}

	c.mu.Lock()
	c.peerConn = pc
	c.mu.Unlock()

	payload, _ := json.Marshal(p2pHandshakePayload{Answer: answer.SDP})
	_ = c.relay.SendControl(ControlMessage{
		Type:      "P2PResponse",
		SessionID: c.sessionID,
		Payload:   payload,
	})

	c.setState(StateDirect)
}

// Send dispatches bytes per the current state: Direct sends over the
// P2P data channel, Relay over the WebSocket binary frame, Hybrid tries
// P2P first and falls back to relay on error.
func (c *Connector) Send(data []byte) error {
	switch c.State() {
	case StateDirect:
		return c.sendP2P(data)
	case StateRelay:
		return c.relay.SendBinary(data)
	case StateHybrid:
		if err := c.sendP2P(data); err == nil {
			return nil
		}
		return c.relay.SendBinary(data)
	default:
		return fmt.Errorf("connector not connected (state=%s)", c.State())
	}
}

func (c *Connector) sendP2P(data []byte) error {
	c.mu.Lock()
	dc := c.dataChannel
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("p2p data channel not open")
	}
	return dc.Send(data)
}

// HealthCheck runs the 30s health-check pass: on direct-channel
// failure with allow_relay_fallback, switch state to Relay
// transparently.
func (c *Connector) HealthCheck() {
	if c.State() != StateDirect && c.State() != StateHybrid {
		return
	}
	c.mu.Lock()
	pc := c.peerConn
	dc := c.dataChannel
	c.mu.Unlock()

	healthy := pc != nil && pc.ConnectionState() == webrtc.PeerConnectionStateConnected &&
		dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen

	if !healthy && c.settings.AllowRelayFallback {
		c.relay.Start()
		c.setState(StateRelay)
	}
}

// RunHealthChecks starts the 30-second periodic health-check loop;
// stops when ctx is cancelled.
func (c *Connector) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.HealthCheck()
		}
	}
}

// Close tears down both legs.
func (c *Connector) Close() error {
	c.mu.Lock()
	pc := c.peerConn
	c.peerConn = nil
	c.dataChannel = nil
	c.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	c.relay.Stop()
	c.setState(StateDisconnected)
	return nil
}
