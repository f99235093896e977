package igor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// Transport sends cluster messages; the engine depends on this rather
// than the concrete client so tests can loop responses back
type Transport interface {
	Send(msg *types.Message) error
}

// HandlerFunc consumes one inbound message type
type HandlerFunc func(msg *types.Message)

// ClientConfig parameterizes the hub connection
type ClientConfig struct {
	ID        types.ComponentID
	Version   string
	BridgeURL string
	AuthToken string
	Heartbeat time.Duration
	Signer    *types.Signer // nil when the hub does not require signing
}

// Client maintains the worker face's persistent hub connection:
// redialing with capped backoff, re-registering after every connect,
// heartbeating, and dispatching inbound messages by type.
type Client struct {
	cfg ClientConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex

	handlers       map[string]HandlerFunc
	defaultHandler HandlerFunc

	logger zerolog.Logger
}

// NewClient creates an unconnected client
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		logger:   log.WithComponent("igor-client"),
	}
}

// Handle installs the handler for one message type. Must be called
// before Start.
func (c *Client) Handle(msgType string, fn HandlerFunc) {
	c.handlers[msgType] = fn
}

// HandleDefault installs the fallback for unhandled types
func (c *Client) HandleDefault(fn HandlerFunc) {
	c.defaultHandler = fn
}

// Connected reports whether the hub link is currently up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start runs the connection loop until ctx is cancelled
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Send signs (when configured), encodes, and writes one message.
// Returns an error when the link is down or the write fails.
func (c *Client) Send(msg *types.Message) error {
	if c.cfg.Signer != nil {
		if err := c.cfg.Signer.Sign(msg); err != nil {
			return fmt.Errorf("failed to sign message: %w", err)
		}
	}
	frame, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	up := c.connected
	c.mu.Unlock()

	if !up || conn == nil {
		return fmt.Errorf("not connected to bridge")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) run(ctx context.Context) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("bridge dial failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if delay *= 2; delay > 30*time.Second {
				delay = 30 * time.Second
			}
			continue
		}
		delay = time.Second

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.register()
		c.logger.Info().Str("bridge", c.cfg.BridgeURL).Msg("connected to bridge")

		hbCtx, cancelHB := context.WithCancel(ctx)
		go c.heartbeat(hbCtx)

		c.readLoop(ctx, conn)
		cancelHB()

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()

		conn.Close()
		if ctx.Err() == nil {
			c.logger.Warn().Msg("bridge connection lost, reconnecting")
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.BridgeURL, header)
	return conn, err
}

func (c *Client) register() {
	msg := types.NewMessage(c.cfg.ID, "bridge", types.TypeRegister, map[string]any{
		"id":      string(c.cfg.ID),
		"version": c.cfg.Version,
	})
	if err := c.Send(msg); err != nil {
		c.logger.Error().Err(err).Msg("registration send failed")
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	interval := c.cfg.Heartbeat
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.Send(types.NewMessage(c.cfg.ID, "bridge", types.TypeHeartbeat, nil))
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := types.DecodeMessage(frame)
		if err != nil {
			c.logger.Debug().Err(err).Msg("undecodable frame from bridge")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *types.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().Interface("panic", rec).Str("type", msg.Type).Msg("recovered panic in handler")
		}
	}()

	if fn, ok := c.handlers[msg.Type]; ok {
		fn(msg)
		return
	}
	if c.defaultHandler != nil {
		c.defaultHandler(msg)
	}
}
