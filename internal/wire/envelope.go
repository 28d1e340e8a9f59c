// Package wire defines the Envelope exchanged between room participants and
// the binary codec used to put it on a WebSocket frame.
//
// An Envelope carries a metadata header (message id and timestamp), the
// numeric source user, and exactly one payload. Payload is a closed set of
// variants; consumers switch on the concrete type.
package wire

import (
	"fmt"
	"time"
)

// Reserved source ids. Real users are numbered from FirstUserID upwards.
const (
	SourceSelf  uint32 = 0
	SourceRoom  uint32 = 1
	FirstUserID uint32 = 2
)

// Kind tags the payload variant carried by an Envelope.
type Kind uint8

// Payload kinds.
const (
	KindUnknown Kind = iota
	KindChat
	KindJoin
	KindExit
	KindMove
	KindTick
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindJoin:
		return "join"
	case KindExit:
		return "exit"
	case KindMove:
		return "move"
	case KindTick:
		return "tick"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Meta is the header every Envelope carries.
type Meta struct {
	ID        uint32
	Timestamp uint64 // unix milliseconds
}

// Payload is implemented only by the variant types in this package.
type Payload interface {
	Kind() Kind
	payload()
}

// Chat is a text message. ReID, when set, names the message being replied to.
type Chat struct {
	Body string
	ReID *uint32
}

// Join announces that User is present in the room.
type Join struct {
	User uint32
}

// Exit announces that User left the room.
type Exit struct {
	User uint32
}

// Move reports the sender's cursor position.
type Move struct {
	X, Y uint32
}

// Tick is a presence ping from User.
type Tick struct {
	User uint32
}

func (Chat) Kind() Kind { return KindChat }
func (Join) Kind() Kind { return KindJoin }
func (Exit) Kind() Kind { return KindExit }
func (Move) Kind() Kind { return KindMove }
func (Tick) Kind() Kind { return KindTick }

func (Chat) payload() {}
func (Join) payload() {}
func (Exit) payload() {}
func (Move) payload() {}
func (Tick) payload() {}

// Parent returns the replied-to message id, if any.
func (c Chat) Parent() (uint32, bool) {
	if c.ReID == nil {
		return 0, false
	}
	return *c.ReID, true
}

// ReplyTo returns a ReID value for a Chat replying to id.
func ReplyTo(id uint32) *uint32 {
	return &id
}

// Envelope is the unit of traffic within a room.
type Envelope struct {
	Meta    Meta
	Source  uint32
	Payload Payload
}

// New builds a fully stamped Envelope at the current time. New and NewAt are
// the supported ways to create an Envelope destined for the wire; Restamp
// re-issues one that was received.
func New(messageID, source uint32, p Payload) Envelope {
	return NewAt(messageID, source, p, time.Now())
}

// NewAt is New with an explicit clock reading.
func NewAt(messageID, source uint32, p Payload, at time.Time) Envelope {
	return Envelope{
		Meta: Meta{
			ID:        messageID,
			Timestamp: uint64(at.UnixMilli()),
		},
		Source:  source,
		Payload: p,
	}
}

// Kind reports the payload kind, or KindUnknown for an empty Envelope.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// Restamp returns a copy of e carrying a new message id, source and time.
func (e Envelope) Restamp(messageID, source uint32, at time.Time) Envelope {
	e.Meta = Meta{ID: messageID, Timestamp: uint64(at.UnixMilli())}
	e.Source = source
	return e
}

// Time returns the header timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(int64(e.Meta.Timestamp))
}
