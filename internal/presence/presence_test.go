package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nearchat/internal/wire"
)

func userIDs(users []User) []uint32 {
	out := make([]uint32, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}

// TestJoinMoveExit follows a peer through the room.
func TestJoinMoveExit(t *testing.T) {
	tr := NewTracker()
	tr.SetSelf(2)

	tr.Apply(wire.New(0, wire.SourceRoom, wire.Join{User: 2}))
	tr.Apply(wire.New(1, wire.SourceRoom, wire.Join{User: 3}))
	require.Equal(t, []uint32{2, 3}, userIDs(tr.Users()))

	pos, ok := tr.Position(3)
	require.True(t, ok)
	require.Equal(t, Position{}, pos)

	tr.Apply(wire.New(2, 3, wire.Move{X: 120, Y: 80}))
	pos, _ = tr.Position(3)
	require.Equal(t, Position{X: 120, Y: 80}, pos)

	tr.Apply(wire.New(3, wire.SourceRoom, wire.Exit{User: 3}))
	_, ok = tr.Position(3)
	require.False(t, ok)
	require.Equal(t, []uint32{2}, userIDs(tr.Users()))
}

// TestMoveUnknownUserIsNoop verifies that a move from a stranger neither
// fails nor adds them.
func TestMoveUnknownUserIsNoop(t *testing.T) {
	tr := NewTracker()

	tr.OnMove(9, 1, 1, time.Now())
	tr.Apply(wire.New(0, 9, wire.Move{X: 5, Y: 5}))

	_, ok := tr.Position(9)
	require.False(t, ok)
	require.Empty(t, tr.Users())
}

// TestMoveSelfIsLocal verifies that the local position changes immediately
// and the later echo does not overwrite a newer local move.
func TestMoveSelfIsLocal(t *testing.T) {
	tr := NewTracker()
	tr.SetSelf(2)
	tr.OnJoin(2, time.Now())

	tr.MoveSelf(120, 80)
	pos, _ := tr.Position(2)
	require.Equal(t, Position{X: 120, Y: 80}, pos)

	tr.MoveSelf(130, 90)
	tr.Apply(wire.New(4, 2, wire.Move{X: 120, Y: 80}))
	pos, _ = tr.Position(2)
	require.Equal(t, Position{X: 130, Y: 90}, pos)
}

// TestTickUpdatesLastSeen verifies presence pings.
func TestTickUpdatesLastSeen(t *testing.T) {
	tr := NewTracker()
	joined := time.UnixMilli(1_000)
	tr.OnJoin(3, joined)

	ping := wire.Envelope{Meta: wire.Meta{ID: 5, Timestamp: 9_000}, Source: 3, Payload: wire.Tick{User: 3}}
	tr.Apply(ping)

	require.Equal(t, time.UnixMilli(9_000), tr.Users()[0].LastSeen)
}

// TestDuplicateJoinAndExit verifies that repeated notices are harmless.
func TestDuplicateJoinAndExit(t *testing.T) {
	tr := NewTracker()
	tr.OnJoin(3, time.Now())
	tr.OnMove(3, 4, 4, time.Now())
	tr.OnJoin(3, time.Now())

	pos, _ := tr.Position(3)
	require.Equal(t, Position{X: 4, Y: 4}, pos)
	require.Len(t, tr.Users(), 1)

	tr.OnExit(3)
	tr.OnExit(3)
	require.Empty(t, tr.Users())
}

func TestName(t *testing.T) {
	require.Equal(t, "SELF", Name(wire.SourceSelf))
	require.Equal(t, "ROOM", Name(wire.SourceRoom))
	require.Equal(t, "user-7", Name(7))
}
