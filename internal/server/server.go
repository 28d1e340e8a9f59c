package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nearchat/internal/room"
)

// Server owns the room registry and every live session it has upgraded.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	rooms    *room.Registry
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

// New creates a Server around rooms using cfg.
func New(cfg Config, rooms *room.Registry, logger zerolog.Logger) *Server {
	cfg = cfg.sanitize()
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	return &Server{
		cfg:   cfg,
		log:   logger,
		rooms: rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

// Config returns the sanitized configuration the server runs with.
func (s *Server) Config() Config {
	return s.cfg
}

// serve runs sess on conn on a tracked goroutine.
func (s *Server) serve(sess *Session, conn Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := sess.Serve(conn); err != nil {
			s.log.Warn().Err(err).Str("session", sess.ID().String()).Msg("session bind failed")
		}
	}()
}

// Shutdown stops every room, which kicks all members, and waits for the
// session goroutines to finish. It returns context.DeadlineExceeded when the
// timeout is reached first.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info().Msg("initiating session shutdown")
	deadline := time.Now().Add(timeout)

	if err := s.rooms.Shutdown(timeout); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("session shutdown completed")
		return nil
	case <-time.After(time.Until(deadline)):
		s.log.Warn().Msg("session shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
