// Package relay implements C10: the relay server core that agents and
// technicians connect to over WebSocket, authenticates connections,
// and routes session traffic between registered peers.
package relay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ghostlink/core/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024
	outboundBuffer = 256
)

// Envelope is the JSON frame for every control message class the
// relay routes: Authenticate, AgentRegister, AgentHeartbeat,
// SessionRequest, SessionResponse, ScreenControl, InputEvent,
// P2PHandshake, P2PResponse, ClipboardSync, MonitorControl, Error.
// ScreenFrame's high-rate path instead rides the WebSocket binary
// frame directly and is forwarded by the server without ever being
// unmarshaled.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// connection wraps one accepted WebSocket with the read/write tasks
// and bounded outbound channel every peer (agent or technician) gets.
type connection struct {
	conn   *websocket.Conn
	server *Server
	log    *slog.Logger

	outbound chan wireMessage

	authenticated bool
	agentID       string // set once AgentRegister succeeds
	role          string // "agent" or "technician"

	lastHeartbeat time.Time
	done          chan struct{}
}

// wireMessage is either a JSON envelope (text frame) or an opaque
// binary payload (the server never parses ScreenFrame bytes).
type wireMessage struct {
	binary  bool
	data    []byte
}

func newConnection(conn *websocket.Conn, server *Server) *connection {
	return &connection{
		conn:          conn,
		server:        server,
		log:           logging.L("relay.connection"),
		outbound:      make(chan wireMessage, outboundBuffer),
		lastHeartbeat: time.Now(),
		done:          make(chan struct{}),
	}
}

func (c *connection) sendEnvelope(env Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("failed to encode envelope", "error", err)
		return false
	}
	return c.sendBinary(data, false)
}

func (c *connection) sendBinary(data []byte, binary bool) bool {
	select {
	case c.outbound <- wireMessage{binary: binary, data: data}:
		return true
	default:
		// Never buffer indefinitely: a peer that can't keep up loses
		// this frame rather than stalling the router.
		c.log.Warn("dropping frame: outbound buffer full", "agentId", c.agentID)
		return false
	}
}

func (c *connection) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.lastHeartbeat = time.Now()
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("relay connection read error", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.server.routeBinary(c, data)
		case websocket.TextMessage:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.log.Warn("malformed envelope", "error", err)
				continue
			}
			c.server.routeEnvelope(c, env)
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msgType := websocket.TextMessage
			if msg.binary {
				msgType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(msgType, msg.data); err != nil {
				c.log.Warn("relay connection write error", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
