// Package room sequences and fans out traffic for a single chat room.
//
// Each Room runs one goroutine that owns the user-id and message-id counters
// and the member list. Join, Exit and Forward are queued on a single inbox
// and applied in arrival order, so every Envelope a room publishes carries a
// strictly increasing message id.
package room

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nearchat/internal/metrics"
	"github.com/Tyrowin/nearchat/internal/wire"
)

// ErrClosed is returned by operations on a Room that has been stopped.
var ErrClosed = errors.New("room: closed")

const inboxSize = 256

// Subscriber receives the frames a Room publishes.
//
// Deliver must not block: it queues frame for asynchronous transport delivery
// and reports false if it could not. A subscriber that refuses a frame is
// dropped from the room and kicked. Kick must not block either, and must not
// call back into the Room synchronously.
type Subscriber interface {
	Deliver(frame []byte) bool
	Kick()
}

type member struct {
	user uint32
	sub  Subscriber
}

type joinRequest struct {
	sub   Subscriber
	reply chan uint32
}

type exitRequest struct {
	sub Subscriber
}

type forwardRequest struct {
	env    wire.Envelope
	source uint32
}

// Room is the sequencing and fan-out authority for one room id.
type Room struct {
	id    string
	topic string
	log   zerolog.Logger
	now   func() time.Time

	inbox     chan any
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the Run goroutine.
	members  []member
	nextUser uint32
	nextMsg  uint32
}

// New creates a Room. The caller must start Run before using it.
func New(id string, logger zerolog.Logger) *Room {
	return &Room{
		id:       id,
		topic:    "rooms/" + id,
		log:      logger.With().Str("room", id).Logger(),
		now:      time.Now,
		inbox:    make(chan any, inboxSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		nextUser: wire.FirstUserID,
	}
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// Topic returns the publish topic of the room.
func (r *Room) Topic() string {
	return r.topic
}

// Join adds sub to the room and returns its user id. Before Join returns, sub
// has been handed its own join notice followed by one join notice for every
// member already present.
func (r *Room) Join(sub Subscriber) (uint32, error) {
	req := joinRequest{sub: sub, reply: make(chan uint32, 1)}
	if !r.enqueue(req) {
		return 0, ErrClosed
	}
	select {
	case user := <-req.reply:
		return user, nil
	case <-r.stopped:
		return 0, ErrClosed
	}
}

// Exit removes sub from the room and tells the remaining members. Exiting a
// subscriber that is not a member, or exiting a stopped room, does nothing.
func (r *Room) Exit(sub Subscriber) {
	r.enqueue(exitRequest{sub: sub})
}

// Forward restamps env with a fresh message id, the server clock and source,
// then publishes it to every member, the sender included.
func (r *Room) Forward(env wire.Envelope, source uint32) error {
	if !r.enqueue(forwardRequest{env: env, source: source}) {
		return ErrClosed
	}
	return nil
}

func (r *Room) enqueue(req any) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.inbox <- req:
		return true
	case <-r.done:
		return false
	}
}

// Run processes the inbox until Close is called. It kicks every remaining
// member on the way out.
func (r *Room) Run() {
	defer close(r.stopped)

	for {
		select {
		case <-r.done:
			r.kickAll()
			return
		case req := <-r.inbox:
			r.handle(req)
		}
	}
}

// Close stops the room and waits for Run to return.
func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	<-r.stopped
}

func (r *Room) handle(req any) {
	switch req := req.(type) {
	case joinRequest:
		req.reply <- r.join(req.sub)
	case exitRequest:
		r.exit(req.sub)
	case forwardRequest:
		r.forward(req.env, req.source)
	default:
		r.log.Error().Msgf("unexpected request %T", req)
	}
}

func (r *Room) nextUserID() uint32 {
	id := r.nextUser
	r.nextUser++
	return id
}

func (r *Room) nextMessageID() uint32 {
	id := r.nextMsg
	r.nextMsg++
	return id
}

// stamp is the only place a server message id is minted.
func (r *Room) stamp(p wire.Payload, source uint32) wire.Envelope {
	return wire.NewAt(r.nextMessageID(), source, p, r.now())
}

func (r *Room) join(sub Subscriber) uint32 {
	user := r.nextUserID()
	notice := wire.MustEncode(r.stamp(wire.Join{User: user}, wire.SourceRoom))

	if !sub.Deliver(notice) {
		r.log.Warn().Uint32("user", user).Msg("joiner refused its own join notice")
		sub.Kick()
		return user
	}
	r.publish(notice, wire.KindJoin)

	// The member list may have shrunk if publish dropped anyone.
	for _, m := range r.members {
		if !sub.Deliver(wire.MustEncode(r.stamp(wire.Join{User: m.user}, wire.SourceRoom))) {
			// Peers already saw the join notice.
			r.log.Warn().Uint32("user", user).Msg("joiner send queue full during roster replay")
			sub.Kick()
			metrics.SessionsDropped.Inc()
			r.announceExit(user)
			return user
		}
	}

	r.members = append(r.members, member{user: user, sub: sub})
	r.log.Info().Uint32("user", user).Int("members", len(r.members)).Msg("user joined")
	return user
}

func (r *Room) exit(sub Subscriber) {
	m, ok := r.remove(sub)
	if !ok {
		return
	}
	r.log.Info().Uint32("user", m.user).Int("members", len(r.members)).Msg("user left")
	r.announceExit(m.user)
}

func (r *Room) forward(env wire.Envelope, source uint32) {
	if !r.isMember(source) {
		r.log.Debug().Uint32("user", source).Stringer("kind", env.Kind()).Msg("discarding frame from non-member")
		return
	}
	if t, ok := env.Payload.(wire.Tick); ok {
		t.User = source
		env.Payload = t
	}

	stamped := env.Restamp(r.nextMessageID(), source, r.now())
	frame, err := wire.Encode(stamped)
	if err != nil {
		r.log.Error().Err(err).Uint32("user", source).Msg("failed to encode forwarded envelope")
		return
	}
	r.publish(frame, stamped.Kind())
}

func (r *Room) announceExit(user uint32) {
	if len(r.members) == 0 {
		return
	}
	r.publish(wire.MustEncode(r.stamp(wire.Exit{User: user}, wire.SourceRoom)), wire.KindExit)
}

// publish hands frame to every member. Members that refuse it are dropped.
func (r *Room) publish(frame []byte, kind wire.Kind) {
	metrics.FramesForwarded.WithLabelValues(kind.String()).Inc()

	var failed []Subscriber
	for _, m := range r.members {
		if !m.sub.Deliver(frame) {
			failed = append(failed, m.sub)
		}
	}

	for _, sub := range failed {
		r.drop(sub)
	}
}

func (r *Room) drop(sub Subscriber) {
	m, ok := r.remove(sub)
	if !ok {
		return
	}
	sub.Kick()
	metrics.SessionsDropped.Inc()
	r.log.Warn().Uint32("user", m.user).Msg("dropping member with full send queue")
	r.announceExit(m.user)
}

func (r *Room) remove(sub Subscriber) (member, bool) {
	for i, m := range r.members {
		if m.sub == sub {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return m, true
		}
	}
	return member{}, false
}

func (r *Room) isMember(user uint32) bool {
	for _, m := range r.members {
		if m.user == user {
			return true
		}
	}
	return false
}

func (r *Room) kickAll() {
	for _, m := range r.members {
		m.sub.Kick()
	}
	r.log.Info().Int("members", len(r.members)).Msg("room closed")
	r.members = nil
}
