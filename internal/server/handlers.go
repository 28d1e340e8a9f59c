package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Tyrowin/nearchat/internal/room"
)

// RoomHandler upgrades GET /rooms/{roomID} to a WebSocket session in that room. The
// room is resolved, and created if needed, before the upgrade.
func (s *Server) RoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	rm, err := s.rooms.GetOrCreate(roomID)
	if err != nil {
		if errors.Is(err, room.ErrClosed) {
			http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Room unavailable.", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		s.log.Debug().Err(err).Str("room", roomID).Msg("websocket upgrade failed")
		return
	}

	logger := s.log.With().Str("request_id", middleware.GetReqID(r.Context())).Str("remote_addr", r.RemoteAddr).Logger()
	s.serve(NewSession(rm, s.cfg, logger), conn)
}

// HealthHandler reports liveness and the number of rooms in plain text.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "nearchat server is running (%d rooms)", s.rooms.Len())
}
