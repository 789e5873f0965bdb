package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const requestTimeout = 3 * time.Second

// Client is the rendezvous datagram client used by both the agent and
// the hybrid connector to register and pair sessions.
type Client struct {
	serverAddr string
	agentID    string
	natType    NATType
}

// NewClient builds a rendezvous client bound to one server address and
// agent identity. natType may be left empty to let the server attempt
// STUN-based detection.
func NewClient(serverAddr, agentID string, natType NATType) *Client {
	return &Client{serverAddr: serverAddr, agentID: agentID, natType: natType}
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, error) {
	raddr, err := net.ResolveUDPAddr("udp", c.serverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve rendezvous addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("send rendezvous request: %w", err)
	}

	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read rendezvous response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return nil, fmt.Errorf("decode rendezvous response: %w", err)
	}
	return &resp, nil
}

// RegisterAgent registers this agent with the rendezvous service and
// returns the endpoints it can hand to a technician.
func (c *Client) RegisterAgent(ctx context.Context) (*Response, error) {
	return c.roundTrip(ctx, Request{
		Type:    RegisterAgent,
		AgentID: c.agentID,
		NATType: c.natType,
	})
}

// RequestConnection asks the rendezvous service to pair this session.
// Callers on both sides invoke this with the same session_id; the
// second caller's response carries the pairing outcome, the first
// caller should poll again within a few seconds to pick it up.
func (c *Client) RequestConnection(ctx context.Context, sessionID string) (*Response, error) {
	return c.roundTrip(ctx, Request{
		Type:      RequestConnection,
		AgentID:   c.agentID,
		SessionID: sessionID,
		NATType:   c.natType,
	})
}

// TestConnectivity is a liveness probe against the rendezvous service.
func (c *Client) TestConnectivity(ctx context.Context) (*Response, error) {
	return c.roundTrip(ctx, Request{Type: TestConnectivity, AgentID: c.agentID})
}

// UpdateEndpoint refreshes this agent's recorded public endpoint, e.g.
// after a network change.
func (c *Client) UpdateEndpoint(ctx context.Context) (*Response, error) {
	return c.roundTrip(ctx, Request{Type: UpdateEndpoint, AgentID: c.agentID})
}
