// Package presence tracks who is in a room and where their cursor is, as
// seen by one client.
package presence

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Tyrowin/nearchat/internal/wire"
)

// Position is a cursor position in screen coordinates.
type Position struct {
	X, Y uint32
}

// User is one known member of the room.
type User struct {
	ID       uint32
	Position Position
	LastSeen time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	self  uint32
	users map[uint32]*User
	order []uint32
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{users: make(map[uint32]*User)}
}

// Name returns the display name for a source id.
func Name(user uint32) string {
	switch user {
	case wire.SourceSelf:
		return "SELF"
	case wire.SourceRoom:
		return "ROOM"
	default:
		return "user-" + strconv.FormatUint(uint64(user), 10)
	}
}

// SetSelf records the local user's id.
func (t *Tracker) SetSelf(user uint32) {
	t.mu.Lock()
	t.self = user
	t.mu.Unlock()
}

// Self returns the local user's id, or wire.SourceSelf if not known yet.
func (t *Tracker) Self() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// OnJoin adds user at (0,0). A user already present is left as is.
func (t *Tracker) OnJoin(user uint32, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.users[user]; ok {
		return
	}
	t.users[user] = &User{ID: user, LastSeen: at}
	t.order = append(t.order, user)
}

// OnExit forgets user.
func (t *Tracker) OnExit(user uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.users[user]; !ok {
		return
	}
	delete(t.users, user)
	t.order = slices.DeleteFunc(t.order, func(id uint32) bool { return id == user })
}

// OnMove updates the position of a remote user. Unknown users are ignored,
// and so is the echo of the local user's own move, which MoveSelf has
// already applied.
func (t *Tracker) OnMove(user, x, y uint32, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if user == t.self && t.self != wire.SourceSelf {
		return
	}
	u, ok := t.users[user]
	if !ok {
		return
	}
	u.Position = Position{X: x, Y: y}
	u.LastSeen = at
}

// OnTick records that user is still around.
func (t *Tracker) OnTick(user uint32, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u, ok := t.users[user]; ok {
		u.LastSeen = at
	}
}

// MoveSelf sets the local user's position without waiting for the room.
func (t *Tracker) MoveSelf(x, y uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u, ok := t.users[t.self]; ok {
		u.Position = Position{X: x, Y: y}
		u.LastSeen = time.Now()
	}
}

// Position returns the last known position of user.
func (t *Tracker) Position(user uint32) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.users[user]
	if !ok {
		return Position{}, false
	}
	return u.Position, true
}

// Users returns the known users in join order.
func (t *Tracker) Users() []User {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]User, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.users[id])
	}
	return out
}

// Apply updates the tracker from a room envelope. Chat traffic only refreshes
// the sender's last-seen time.
func (t *Tracker) Apply(env wire.Envelope) {
	at := env.Time()

	switch p := env.Payload.(type) {
	case wire.Join:
		t.OnJoin(p.User, at)
	case wire.Exit:
		t.OnExit(p.User)
	case wire.Move:
		t.OnMove(env.Source, p.X, p.Y, at)
	case wire.Tick:
		t.OnTick(p.User, at)
	case wire.Chat:
		t.OnTick(env.Source, at)
	}
}
