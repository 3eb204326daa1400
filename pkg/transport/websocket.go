// Package transport implements the session socket over a websocket
// connection: JSON text frames for control, binary frames for uplink audio.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleylabs/parley/pkg/log"
)

// Handler receives inbound frames and connection lifecycle callbacks.
type Handler interface {
	// HandleSocketMessage receives one inbound JSON text frame.
	HandleSocketMessage(data []byte)
	// HandleSocketClosed runs once when the connection ends.
	HandleSocketClosed(err error)
}

// Config configures the websocket channel.
type Config struct {
	// WriteTimeout bounds each frame write. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// PingInterval is the keepalive ping period. Default: 20s.
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`

	// DialTimeout bounds connection establishment. Default: 10s.
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// DefaultConfig returns a Config with the standard transport parameters.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 5 * time.Second,
		PingInterval: 20 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// SessionURL builds the session socket URL from the server base, for
// example "wss://api.example.com" plus a session id.
func SessionURL(serverURL, sessionID string) (string, error) {
	base := strings.TrimRight(serverURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: invalid server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/negotiation/" + sessionID
	return u.String(), nil
}

// Channel is a websocket-backed session socket. Writes are serialized under
// a mutex; a single read loop dispatches inbound frames to the handler.
type Channel struct {
	cfg    Config
	conn   *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	open   bool
	closed bool

	done chan struct{}
}

// Dial connects to the session endpoint and starts the read loop and the
// keepalive pinger. The handler receives every inbound text frame and one
// closed callback.
func Dial(ctx context.Context, serverURL, sessionID string, cfg Config, handler Handler, logger *log.Logger) (*Channel, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	wsURL, err := SessionURL(serverURL, sessionID)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", wsURL, err)
	}

	c := &Channel{
		cfg:    cfg,
		conn:   conn,
		logger: logger,
		open:   true,
		done:   make(chan struct{}),
	}

	go c.readLoop(handler)
	go c.pingLoop()

	logger.Info("session socket connected", zap.String("url", wsURL))
	return c, nil
}

// SendText transmits one JSON control frame.
func (c *Channel) SendText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

// SendBinary transmits one binary audio frame.
func (c *Channel) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *Channel) write(messageType int, data []byte) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return fmt.Errorf("transport: socket closed")
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.markClosed()
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// IsOpen reports whether the channel accepts frames.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close sends a close frame and tears the connection down. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	c.mu.Unlock()

	close(c.done)

	c.writeMu.Lock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

// readLoop dispatches inbound frames until the connection ends, then fires
// the closed callback exactly once.
func (c *Channel) readLoop(handler Handler) {
	var readErr error
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				readErr = err
			}
			break
		}
		switch messageType {
		case websocket.TextMessage:
			handler.HandleSocketMessage(data)
		case websocket.BinaryMessage:
			// The server never sends binary frames; audio arrives as
			// base64 inside audio_chunk messages.
			c.logger.Warn("unexpected binary frame", zap.Int("bytes", len(data)))
		}
	}

	c.markClosed()
	handler.HandleSocketClosed(readErr)
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}

// pingLoop keeps the connection alive until Close.
func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			err := c.conn.WriteControl(websocket.PingMessage, nil, deadline)
			c.writeMu.Unlock()
			if err != nil {
				c.markClosed()
				return
			}
		}
	}
}
