package server

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nearchat/internal/metrics"
	"github.com/Tyrowin/nearchat/internal/room"
	"github.com/Tyrowin/nearchat/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrAlreadyBound is returned by Bind on a session that already has a
	// connection.
	ErrAlreadyBound = errors.New("session: already bound")
	// ErrNotBound is returned by operations on a session without a connection.
	ErrNotBound = errors.New("session: not bound")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session: closed")
	// ErrSendQueueFull is returned by Send when the outbound queue is full.
	ErrSendQueueFull = errors.New("session: send queue full")
)

// Conn is the part of *websocket.Conn a Session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type sessionState int

const (
	stateUnbound sessionState = iota
	stateBound
	stateClosed
)

// Session binds one WebSocket connection to one room membership.
//
// A Session starts Unbound, becomes Bound exactly once through Bind, and ends
// Closed. It implements room.Subscriber: frames published by the room are
// queued on a buffered channel and written by the write pump.
type Session struct {
	id      uuid.UUID
	room    *room.Room
	cfg     Config
	log     zerolog.Logger
	limiter *rateLimiter

	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	state   sessionState
	conn    Conn
	user    uint32
	counted bool
}

// NewSession creates an Unbound session for rm.
func NewSession(rm *room.Room, cfg Config, logger zerolog.Logger) *Session {
	cfg = cfg.sanitize()
	id := uuid.New()

	return &Session{
		id:      id,
		room:    rm,
		cfg:     cfg,
		log:     logger.With().Str("session", id.String()).Str("room", rm.ID()).Logger(),
		limiter: newRateLimiter(cfg.RateLimit),
		send:    make(chan []byte, cfg.SendQueueSize),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id used for log correlation.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// User returns the user id assigned by the room, or wire.SourceSelf before
// the session is bound.
func (s *Session) User() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Bind attaches conn and joins the room. It may succeed at most once.
func (s *Session) Bind(conn Conn) error {
	if err := s.attach(conn); err != nil {
		return err
	}
	return s.join()
}

func (s *Session) attach(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUnbound {
		return ErrAlreadyBound
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn = conn
	s.state = stateBound
	return nil
}

func (s *Session) join() error {
	user, err := s.room.Join(s)
	if err != nil {
		_ = s.Close(websocket.CloseTryAgainLater, "room unavailable")
		return fmt.Errorf("join room %s: %w", s.room.ID(), err)
	}

	s.mu.Lock()
	s.user = user
	if s.state == stateBound {
		s.counted = true
		metrics.SessionsActive.Inc()
	}
	s.mu.Unlock()

	s.log.Info().Uint32("user", user).Msg("session bound")
	return nil
}

func (s *Session) bound() (Conn, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateUnbound:
		return nil, 0, ErrNotBound
	case stateClosed:
		return nil, 0, ErrSessionClosed
	}
	return s.conn, s.user, nil
}

// Send queues env for this session only, outside the room's sequence. The
// room's own unicasts, such as the joiner's self-announcement, go through
// Deliver on the room goroutine.
func (s *Session) Send(env wire.Envelope) error {
	if _, _, err := s.bound(); err != nil {
		return err
	}
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if !s.Deliver(frame) {
		return ErrSendQueueFull
	}
	return nil
}

// Push decodes raw and forwards it to the room on behalf of this session. A
// frame that does not decode closes the connection.
func (s *Session) Push(raw []byte) error {
	_, user, err := s.bound()
	if err != nil {
		return err
	}

	env, err := wire.Decode(raw)
	if err != nil {
		metrics.DecodeErrors.Inc()
		s.log.Warn().Err(err).Msg("closing session after undecodable frame")
		_ = s.Close(websocket.CloseInvalidFramePayloadData, "malformed envelope")
		return err
	}

	switch env.Payload.(type) {
	case wire.Join, wire.Exit:
		s.log.Debug().Stringer("kind", env.Kind()).Msg("dropping room-only payload from client")
		return nil
	}

	return s.room.Forward(env, user)
}

// Close sends a close frame with code and reason, closes the connection and
// leaves the room. Closing an already closed session is a no-op.
func (s *Session) Close(code int, reason string) error {
	s.mu.Lock()
	switch s.state {
	case stateUnbound:
		s.mu.Unlock()
		return ErrNotBound
	case stateClosed:
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	conn, user := s.conn, s.user
	if s.counted {
		s.counted = false
		metrics.SessionsActive.Dec()
	}
	s.mu.Unlock()

	close(s.done)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		s.log.Debug().Err(err).Msg("error writing close frame")
	}
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Debug().Err(err).Msg("error closing connection")
	}

	s.room.Exit(s)
	s.log.Info().Uint32("user", user).Int("code", code).Str("reason", reason).Msg("session closed")
	return nil
}

// Deliver queues frame without blocking. It implements room.Subscriber.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Kick closes the session from the room goroutine. It implements
// room.Subscriber.
func (s *Session) Kick() {
	go func() {
		_ = s.Close(websocket.ClosePolicyViolation, "dropped by room")
	}()
}

// Run drives a bound session: it starts the write pump and reads until the
// connection fails, then closes the session.
func (s *Session) Run() error {
	conn, _, err := s.bound()
	if err != nil {
		return err
	}
	s.run(conn, s.startWriter(conn))
	return nil
}

// Serve binds conn and runs the session until the connection ends. The write
// pump starts before the room is joined, so the join notices and the roster
// replay drain while they are queued.
func (s *Session) Serve(conn Conn) error {
	if err := s.attach(conn); err != nil {
		return err
	}
	writerDone := s.startWriter(conn)
	if err := s.join(); err != nil {
		<-writerDone
		return err
	}
	s.run(conn, writerDone)
	return nil
}

func (s *Session) startWriter(conn Conn) <-chan struct{} {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn)
	}()
	return writerDone
}

func (s *Session) run(conn Conn, writerDone <-chan struct{}) {
	s.readPump(conn)
	_ = s.Close(websocket.CloseNormalClosure, "")
	<-writerDone
}

func (s *Session) setupReadConnection(conn Conn) {
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Debug().Err(err).Msg("error setting initial read deadline")
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (s *Session) readPump(conn Conn) {
	s.setupReadConnection(conn)

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if messageType != websocket.BinaryMessage {
			s.log.Warn().Int("type", messageType).Msg("closing session after non-binary frame")
			_ = s.Close(websocket.CloseUnsupportedData, "binary frames only")
			return
		}

		if !s.checkRateLimit() {
			continue
		}

		if err := s.Push(raw); err != nil {
			if !errors.Is(err, room.ErrClosed) && !wire.IsDecodeError(err) {
				s.log.Warn().Err(err).Msg("push failed")
			}
			return
		}
	}
}

// handleReadError logs read failures at a level that matches how expected
// they are.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn().Int64("limit", s.cfg.MaxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		s.log.Debug().Err(err).Msg("connection closed")
	default:
		s.log.Warn().Err(err).Msg("websocket read error")
	}
}

func (s *Session) checkRateLimit() bool {
	if s.limiter.allow() {
		return true
	}
	metrics.RateLimited.Inc()
	s.log.Warn().
		Int("burst", s.cfg.RateLimit.Burst).
		Dur("interval", s.cfg.RateLimit.RefillInterval).
		Msg("rate limit exceeded; discarding frame")
	return false
}

func (s *Session) writePump(conn Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			if !s.write(conn, websocket.BinaryMessage, frame) {
				_ = s.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if !s.write(conn, websocket.PingMessage, nil) {
				_ = s.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(conn Conn, messageType int, data []byte) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Debug().Err(err).Msg("error setting write deadline")
		return false
	}
	if err := conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warn().Err(err).Msg("error writing frame")
		}
		return false
	}
	return true
}

// isExpectedCloseError reports errors that routinely occur while a
// connection is being torn down.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
