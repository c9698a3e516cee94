// Package realtime exposes the websocket endpoint that feeds connect and
// disconnect events into the presence registry.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/kalambet/recoverd/internal/presence"
)

// Registry is the presence bookkeeping the handler drives.
type Registry interface {
	Join(userID string, conn presence.Conn)
	Leave(connID string) (string, bool)
}

// frame is the client-to-server message shape.
type frame struct {
	Type   string `json:"type"`
	UserID string `json:"user_id,omitempty"`
}

type reply struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id,omitempty"`
	ConnID  string `json:"conn_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler upgrades HTTP requests to websocket connections. The user ID in
// the join frame is trusted; the fronting gateway has authenticated it.
type Handler struct {
	registry     Registry
	idleTimeout  time.Duration
	replyTimeout time.Duration
	logger       *slog.Logger
}

// NewHandler creates a Handler. A connection that sends nothing for
// idleTimeout (default 90s) is closed.
func NewHandler(reg Registry, idleTimeout time.Duration) *Handler {
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	return &Handler{
		registry:     reg,
		idleTimeout:  idleTimeout,
		replyTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv := websocket.Server{
		// Origin checks belong to the gateway; native clients send none.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   h.serve,
	}
	srv.ServeHTTP(w, r)
}

func (h *Handler) serve(ws *websocket.Conn) {
	c := &conn{id: uuid.New().String(), ws: ws}
	var userID string
	defer func() {
		if userID != "" {
			if left, ok := h.registry.Leave(c.id); ok {
				h.logger.Info("client left", "user_id", left, "conn_id", c.id)
			} else {
				h.logger.Debug("stale disconnect ignored", "user_id", userID, "conn_id", c.id)
			}
		}
		ws.Close()
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(h.idleTimeout))
		var f frame
		if err := websocket.JSON.Receive(ws, &f); err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("websocket read ended", "conn_id", c.id, "error", err)
			}
			return
		}

		switch f.Type {
		case "join":
			if f.UserID == "" {
				h.reply(c, reply{Type: "error", Message: "user_id is required"})
				continue
			}
			h.registry.Join(f.UserID, c)
			userID = f.UserID
			h.logger.Info("client joined", "user_id", userID, "conn_id", c.id)
			h.reply(c, reply{Type: "joined", UserID: userID, ConnID: c.id})
		case "ping":
			h.reply(c, reply{Type: "pong"})
		default:
			h.reply(c, reply{Type: "error", Message: "unknown frame type"})
		}
	}
}

func (h *Handler) reply(c *conn, r reply) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.replyTimeout)
	defer cancel()
	if err := c.Send(ctx, payload); err != nil {
		h.logger.Debug("websocket reply failed", "conn_id", c.id, "error", err)
	}
}

// conn adapts a websocket to presence.Conn. Writes are serialized because
// replies and dispatcher pushes share the socket.
type conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return websocket.Message.Send(c.ws, string(payload))
}
