// Package connector implements C9, the hybrid connector: a per-session
// object that prefers a direct P2P path and falls back to the relay
// server, re-using the same relay leg for both control-plane signalling
// and, when P2P isn't available, the data plane itself.
package connector

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ghostlink/core/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

var log = logging.L("connector.relay")

// RelayConfig configures the relay leg's connection to the relay server.
type RelayConfig struct {
	ServerURL string
	AgentID   string
	AuthToken string
}

// ControlMessage is the JSON envelope for every non-video message class
// the relay exchanges: Authenticate, AgentRegister, SessionRequest,
// SessionResponse, P2PHandshake, P2PResponse, ClipboardSync,
// MonitorControl, Error.
type ControlMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ControlHandler processes one decoded control message.
type ControlHandler func(msg ControlMessage)

// BinaryHandler processes one binary relay payload (a serialised
// wire.FrameMessage or raw InputEvent JSON carried as bytes).
type BinaryHandler func(data []byte)

// RelayLeg manages the WebSocket connection to the relay server,
// including reconnection with exponential backoff and jitter. It is the
// transport the hybrid connector falls back to, and the channel P2P
// handshakes travel over even when P2P itself succeeds.
type RelayLeg struct {
	cfg             RelayConfig
	conn            *websocket.Conn
	connMu          sync.RWMutex
	controlHandler  ControlHandler
	binaryHandler   BinaryHandler
	done            chan struct{}
	controlSendChan chan []byte
	binarySendChan  chan []byte
	stopOnce        sync.Once
	runningMu       sync.RWMutex
	isRunning       bool

	connectedAt time.Time // guarded by connMu
}

func NewRelayLeg(cfg RelayConfig, onControl ControlHandler, onBinary BinaryHandler) *RelayLeg {
	return &RelayLeg{
		cfg:             cfg,
		controlHandler:  onControl,
		binaryHandler:   onBinary,
		done:            make(chan struct{}),
		controlSendChan: make(chan []byte, 256),
		binarySendChan:  make(chan []byte, 64),
	}
}

// Start begins the reconnect loop. Idempotent.
func (r *RelayLeg) Start() {
	r.runningMu.Lock()
	if r.isRunning {
		r.runningMu.Unlock()
		return
	}
	r.isRunning = true
	r.runningMu.Unlock()

	go r.reconnectLoop()
}

func (r *RelayLeg) Stop() {
	r.stopOnce.Do(func() {
		r.runningMu.Lock()
		r.isRunning = false
		r.runningMu.Unlock()

		close(r.done)

		r.connMu.Lock()
		if r.conn != nil {
			_ = r.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			r.conn.Close()
			r.conn = nil
		}
		r.connMu.Unlock()

		log.Info("relay leg stopped")
	})
}

// IsHealthy reports whether the relay socket is currently connected.
func (r *RelayLeg) IsHealthy() bool {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return r.conn != nil
}

func (r *RelayLeg) connect() error {
	wsURL, err := r.buildWSURL()
	if err != nil {
		return fmt.Errorf("build relay url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	r.connMu.Lock()
	r.conn = conn
	r.connectedAt = time.Now()
	r.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected to relay", "server", r.cfg.ServerURL)
	return nil
}

func (r *RelayLeg) buildWSURL() (string, error) {
	u, err := url.Parse(r.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/agent/%s/ws", r.cfg.AgentID)
	q := u.Query()
	q.Set("token", r.cfg.AuthToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *RelayLeg) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-r.done:
			return
		default:
		}

		if err := r.connect(); err != nil {
			log.Warn("relay connection failed", "error", err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}
			select {
			case <-r.done:
				return
			case <-time.After(sleep):
			}
			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		pumpDone := make(chan struct{})
		go r.writePump(pumpDone)
		r.readPump()
		close(pumpDone)

		r.connMu.Lock()
		r.conn = nil
		r.connMu.Unlock()

		r.runningMu.RLock()
		running := r.isRunning
		r.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (r *RelayLeg) readPump() {
	r.connMu.RLock()
	conn := r.conn
	r.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("relay read error", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if r.binaryHandler != nil {
				r.binaryHandler(data)
			}
		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("failed to decode control message", "error", err)
				continue
			}
			if r.controlHandler != nil {
				r.controlHandler(msg)
			}
		}
	}
}

func (r *RelayLeg) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.done:
			return
		case data := <-r.controlSendChan:
			if err := r.writeMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case data := <-r.binarySendChan:
			if err := r.writeMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := r.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *RelayLeg) writeMessage(msgType int, data []byte) error {
	r.connMu.RLock()
	conn := r.conn
	r.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(msgType, data); err != nil {
		log.Warn("relay write error", "error", err)
		return err
	}
	return nil
}

// SendControl marshals and enqueues a control message. Drops (with an
// error return) if the send buffer is full rather than blocking the
// caller.
func (r *RelayLeg) SendControl(msg ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case r.controlSendChan <- data:
		return nil
	case <-r.done:
		return fmt.Errorf("relay leg stopped")
	default:
		return fmt.Errorf("control send buffer full")
	}
}

// SendBinary enqueues a raw frame for the relay's binary path (C1
// FrameMessage bytes, forwarded opaquely by the relay server).
func (r *RelayLeg) SendBinary(data []byte) error {
	select {
	case r.binarySendChan <- data:
		return nil
	case <-r.done:
		return fmt.Errorf("relay leg stopped")
	default:
		return fmt.Errorf("binary send buffer full")
	}
}
