package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Default time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second

	// Default maximum message size allowed from peer.
	defaultMaxMessageSize = 64 * 1024
)

// Session consumes the inbound traffic of one client. HandleMessage is called
// sequentially in arrival order; HandleClose is called once after the last message.
type Session interface {
	HandleMessage(ctx context.Context, event string, data json.RawMessage)
	HandleClose(ctx context.Context)
}

// AcceptFunc binds a freshly registered client to its Session.
type AcceptFunc func(client *Client) Session

// Options configures the Handler.
type Options struct {
	MaxMessageBytes int64
	AllowedOrigins  []string // empty allows every origin
	// PongWait is how long a silent peer is kept. Pings go out at 9/10 of it.
	PongWait time.Duration
}

// Handler upgrades HTTP requests to worker sessions and runs their pumps.
type Handler struct {
	ctx            context.Context
	hub            *Hub
	accept         AcceptFunc
	upgrader       websocket.Upgrader
	maxMessageSize int64
	pongWait       time.Duration
	pingPeriod     time.Duration
	logger         zerolog.Logger
	wg             sync.WaitGroup
}

// NewHandler creates a new WebSocket handler. ctx is handed to every Session call.
func NewHandler(ctx context.Context, hub *Hub, accept AcceptFunc, opts Options, logger zerolog.Logger) *Handler {
	limit := opts.MaxMessageBytes
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	pongWait := opts.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	return &Handler{
		ctx:            ctx,
		hub:            hub,
		accept:         accept,
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		maxMessageSize: limit,
		pongWait:       pongWait,
		pingPeriod:     (pongWait * 9) / 10,
		logger:         logger,
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser workers
			}
			return originSet[origin]
		},
	}
}

// HandleConnection upgrades the request and starts the session pumps.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	if h.hub.Closed() {
		http.Error(w, "Manager is shutting down", http.StatusServiceUnavailable)
		return nil
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(h.hub, conn)
	// Counted before registration so a concurrent Wait never misses the pumps.
	h.wg.Add(2)
	if !h.hub.Register(client) {
		h.wg.Add(-2)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return nil
	}

	session := h.accept(client)
	h.logger.Debug().Str("session_id", client.ID()).Str("remote", r.RemoteAddr).Msg("session opened")

	go h.writePump(client)
	go h.readPump(client, session)
	return nil
}

// Wait blocks until every pump has exited or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump pumps frames from the connection into the session, one at a time.
func (h *Handler) readPump(client *Client, session Session) {
	defer func() {
		h.hub.Unregister(client)
		client.Conn().Close()
		session.HandleClose(h.ctx)
		h.logger.Debug().Str("session_id", client.ID()).Msg("session closed")
		h.wg.Done()
	}()

	client.Conn().SetReadLimit(h.maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(h.pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	for {
		_, frame, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("session_id", client.ID()).Msg("websocket error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Event == "" {
			h.logger.Debug().Str("session_id", client.ID()).Msg("dropping malformed frame")
			continue
		}

		session.HandleMessage(h.ctx, msg.Event, msg.Data)
		// Pongs are only read between messages; a slow session must not count
		// against the peer.
		client.Conn().SetReadDeadline(time.Now().Add(h.pongWait))
	}
}

// writePump pumps queued frames to the connection and keeps it alive with pings.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
		h.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session was closed locally.
				client.Conn().WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// One frame per event so the worker can decode each independently.
			if err := client.Conn().WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
