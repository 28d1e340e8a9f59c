// Package ledger keeps a client's view of the chat log in a room.
//
// Messages the local user sends are shown at once under a negative
// placeholder id and moved to their server id when the room echoes them
// back. Replies are indexed by the id of the message they answer; replies
// that arrive before their parent are held as orphans until it shows up.
package ledger

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nearchat/internal/wire"
)

// ErrUnknownReplyParent reports a reply whose parent message has not been
// seen. The reply is kept as an orphan.
var ErrUnknownReplyParent = errors.New("ledger: unknown reply parent")

// Entry is one chat message as the local client sees it. ID is negative
// while the message awaits its server echo.
type Entry struct {
	ID     int64
	Source uint32
	Body   string
	ReID   *uint32
	Time   time.Time
}

// Pending reports whether the entry still carries a placeholder id.
func (e Entry) Pending() bool {
	return e.ID < 0
}

// Parent returns the replied-to message id, if any.
func (e Entry) Parent() (uint32, bool) {
	if e.ReID == nil {
		return 0, false
	}
	return *e.ReID, true
}

func (e *Entry) matches(c wire.Chat) bool {
	if e.Body != c.Body {
		return false
	}
	p, ok := c.Parent()
	q, ok2 := e.Parent()
	return ok == ok2 && p == q
}

// Ledger is safe for concurrent use.
type Ledger struct {
	log zerolog.Logger

	mu          sync.Mutex
	self        uint32
	placeholder int64
	entries     map[int64]*Entry
	topLevel    []*Entry
	replies     map[uint32][]*Entry
	orphans     map[uint32][]*Entry
	pending     []*Entry
}

// New returns an empty Ledger.
func New(logger zerolog.Logger) *Ledger {
	return &Ledger{
		log:     logger,
		entries: make(map[int64]*Entry),
		replies: make(map[uint32][]*Entry),
		orphans: make(map[uint32][]*Entry),
	}
}

// SetSelf records the local user's id so echoes can be matched on source.
func (l *Ledger) SetSelf(user uint32) {
	l.mu.Lock()
	l.self = user
	l.mu.Unlock()
}

// AddOptimistic records a message the local user is about to send. The
// returned entry has a placeholder id no server message can carry.
func (l *Ledger) AddOptimistic(body string, reID *uint32) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.placeholder--
	e := &Entry{
		ID:     l.placeholder,
		Source: l.self,
		Body:   body,
		ReID:   copyID(reID),
		Time:   time.Now(),
	}
	l.entries[e.ID] = e
	l.pending = append(l.pending, e)

	if parent, ok := e.Parent(); ok {
		l.attachReply(parent, e)
	} else {
		l.topLevel = append(l.topLevel, e)
	}
	return *e
}

// OnServerEcho moves the oldest matching optimistic entry to the server id
// carried by env and reports whether env was one of ours. Applying the same
// echo again is a no-op that still reports true.
//
// Matching is FIFO on content. If the room discarded an earlier send, for
// example over the rate limit, a later identical send's echo reconciles the
// earlier entry and the later one stays pending until Expire removes it.
func (l *Ledger) OnServerEcho(env wire.Envelope) bool {
	chat, ok := env.Payload.(wire.Chat)
	if !ok {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := int64(env.Meta.ID)
	if existing, ok := l.entries[id]; ok {
		return existing.matches(chat) && existing.Source == env.Source
	}

	i := slices.IndexFunc(l.pending, func(e *Entry) bool {
		return e.matches(chat) && (l.self == wire.SourceSelf || env.Source == l.self)
	})
	if i < 0 {
		return false
	}

	e := l.pending[i]
	l.pending = slices.Delete(l.pending, i, i+1)

	// The entry keeps its render slot; only its identity changes.
	delete(l.entries, e.ID)
	e.ID = id
	e.Source = env.Source
	e.Time = env.Time()
	l.entries[id] = e

	l.adoptOrphans(env.Meta.ID)
	return true
}

// OnRemoteChat inserts a message that is not an echo of a local send. A reply
// to an unseen message is kept as an orphan and ErrUnknownReplyParent is
// returned.
func (l *Ledger) OnRemoteChat(env wire.Envelope) error {
	chat, ok := env.Payload.(wire.Chat)
	if !ok {
		return fmt.Errorf("ledger: %s is not a chat", env.Kind())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := int64(env.Meta.ID)
	if _, ok := l.entries[id]; ok {
		return nil
	}

	e := &Entry{
		ID:     id,
		Source: env.Source,
		Body:   chat.Body,
		ReID:   copyID(chat.ReID),
		Time:   env.Time(),
	}
	l.entries[id] = e

	var err error
	if parent, ok := e.Parent(); ok {
		if !l.attachReply(parent, e) {
			err = fmt.Errorf("message %d replies to %d: %w", id, parent, ErrUnknownReplyParent)
		}
	} else {
		l.topLevel = append(l.topLevel, e)
	}

	l.adoptOrphans(env.Meta.ID)
	return err
}

// Apply routes a chat envelope to echo reconciliation or remote insertion and
// reports whether it was the echo of a local send. Other payloads are
// ignored. An orphaned reply is logged and returned as ErrUnknownReplyParent.
func (l *Ledger) Apply(env wire.Envelope) (echo bool, err error) {
	if _, ok := env.Payload.(wire.Chat); !ok {
		return false, nil
	}
	if l.OnServerEcho(env) {
		return true, nil
	}
	err = l.OnRemoteChat(env)
	if errors.Is(err, ErrUnknownReplyParent) {
		l.log.Warn().Err(err).Msg("holding orphaned reply")
	}
	return false, err
}

// Expire removes optimistic entries created before cutoff that are still
// waiting for their echo, and returns them oldest first.
func (l *Ledger) Expire(cutoff time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []Entry
	l.pending = slices.DeleteFunc(l.pending, func(e *Entry) bool {
		if !e.Time.Before(cutoff) {
			return false
		}
		expired = append(expired, *e)
		l.discard(e)
		return true
	})
	return expired
}

// discard unlinks e from every index except pending.
func (l *Ledger) discard(e *Entry) {
	delete(l.entries, e.ID)
	without := func(list []*Entry) []*Entry {
		return slices.DeleteFunc(list, func(x *Entry) bool { return x == e })
	}

	parent, ok := e.Parent()
	if !ok {
		l.topLevel = without(l.topLevel)
		return
	}
	if list, ok := l.replies[parent]; ok {
		l.replies[parent] = without(list)
	}
	if list, ok := l.orphans[parent]; ok {
		if list = without(list); len(list) == 0 {
			delete(l.orphans, parent)
		} else {
			l.orphans[parent] = list
		}
	}
}

// attachReply files e under parent, or under the orphans of parent when the
// parent is unknown. It reports whether the parent was known.
func (l *Ledger) attachReply(parent uint32, e *Entry) bool {
	if _, ok := l.entries[int64(parent)]; ok {
		l.replies[parent] = append(l.replies[parent], e)
		return true
	}
	l.orphans[parent] = append(l.orphans[parent], e)
	return false
}

func (l *Ledger) adoptOrphans(parent uint32) {
	waiting, ok := l.orphans[parent]
	if !ok {
		return
	}
	delete(l.orphans, parent)
	l.replies[parent] = append(l.replies[parent], waiting...)
}

// RepliesOf returns the replies to id in arrival order.
func (l *Ledger) RepliesOf(id uint32) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return snapshot(l.replies[id])
}

// TopLevel returns the messages that reply to nothing, in render order.
func (l *Ledger) TopLevel() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return snapshot(l.topLevel)
}

// Get returns the entry stored under id, placeholder ids included.
func (l *Ledger) Get(id int64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Orphans returns replies whose parent is still unknown, grouped by parent id
// in ascending order.
func (l *Ledger) Orphans() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, parent := range slices.Sorted(maps.Keys(l.orphans)) {
		out = append(out, snapshot(l.orphans[parent])...)
	}
	return out
}

// Pending returns optimistic entries still waiting for their echo, oldest
// first.
func (l *Ledger) Pending() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return snapshot(l.pending)
}

// Len reports how many entries the ledger holds.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func snapshot(in []*Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		out[i] = *e
	}
	return out
}

func copyID(id *uint32) *uint32 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
