package ws

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// Service manages the WebSocket side of the manager: the hub of open sessions
// and the handler that feeds them into their lifecycle.
type Service struct {
	hub     *Hub
	handler *Handler
	logger  zerolog.Logger
}

// NewService creates a new WebSocket service. accept binds each registered
// client to the Session that consumes its traffic.
func NewService(ctx context.Context, accept AcceptFunc, opts Options, logger zerolog.Logger) *Service {
	hub := NewHub()
	return &Service{
		hub:     hub,
		handler: NewHandler(ctx, hub, accept, opts, logger),
		logger:  logger,
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Hub returns the hub of open sessions.
func (s *Service) Hub() *Hub {
	return s.hub
}

// ServeHTTP upgrades the request into a worker session.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.HandleConnection(w, r); err != nil {
		// the upgrader already answered the request
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
	}
}

// SessionCount returns the number of open sessions, confirmed or not.
func (s *Service) SessionCount() int {
	return s.hub.ClientCount()
}

// Close stops accepting sessions, closes the open ones and waits for their
// pumps to finish or ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	s.hub.Close()
	return s.handler.Wait(ctx)
}
