package bridge

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/barrhawk/fleetbridge/pkg/events"
	"github.com/barrhawk/fleetbridge/pkg/log"
)

// pongWait is how long a silent peer keeps its read deadline
const pongWait = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Components connect cross-origin from anywhere on the test network
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS is the authenticated WebSocket ingress. The verify policy
// runs before the upgrade so rejected clients get a plain HTTP status.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	if b.Draining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	if b.pressure.Level() >= PressureCritical {
		http.Error(w, "memory pressure critical", http.StatusServiceUnavailable)
		return
	}
	if b.conns.Count() >= b.cfg.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	if b.cfg.AuthToken != "" && extractToken(r) != b.cfg.AuthToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		transportLogger := log.WithComponent("transport")
		transportLogger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	conn := b.conns.Register(connID, sock)
	b.recordEvent(events.EventConnectionOpened, connID)
	connLogger := log.ForConn(connID)
	connLogger.Info().Str("remote", r.RemoteAddr).Msg("connection accepted")

	go b.readPump(conn)
}

// extractToken pulls the bearer token from the Authorization header,
// falling back to the deprecated query parameter
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
		return ""
	}
	// Deprecated: tokens in query strings leak into access logs
	return r.URL.Query().Get("token")
}

// readPump processes one connection's frames in arrival order
func (b *Bridge) readPump(c *Conn) {
	// Oversize detection is the router's job so the peer gets a
	// structured error frame; the hard cap here only guards against
	// frames large enough to threaten the process
	c.sock.SetReadLimit(int64(b.cfg.MaxMessageSize)*2 + 4096)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
		b.conns.RecordActivity(c.ID)
		return nil
	})

	for {
		_, frame, err := c.sock.ReadMessage()
		if err != nil {
			if _, stillThere := b.conns.Get(c.ID); stillThere {
				b.conns.Kick(c.ID, "connection closed")
			}
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
		b.router.HandleFrame(c.ID, frame)
	}
}
