package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nearchat/internal/ledger"
	"github.com/Tyrowin/nearchat/internal/presence"
	"github.com/Tyrowin/nearchat/internal/room"
	"github.com/Tyrowin/nearchat/internal/server"
	"github.com/Tyrowin/nearchat/internal/wire"
)

const testOrigin = "http://chat.example"

func startServer(t *testing.T) string {
	t.Helper()
	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}

	srv := server.New(cfg, room.NewRegistry(zerolog.Nop()), zerolog.Nop())
	ts := httptest.NewServer(server.NewRouter(srv))
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func join(t *testing.T, base, roomID string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, base+server.RoomsPath+roomID, Options{Origin: testOrigin, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.WaitSelf(ctx)
	require.NoError(t, err)
	return c
}

func ids(entries []ledger.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// TestConversation drives two clients through chat, reply, move and exit and
// checks both local views.
func TestConversation(t *testing.T) {
	base := startServer(t)

	a := join(t, base, "42")
	b := join(t, base, "42")

	selfA, _ := a.Self()
	selfB, _ := b.Self()
	require.Equal(t, uint32(2), selfA)
	require.Equal(t, uint32(3), selfB)

	eventually(t, func() bool { return len(a.Presence().Users()) == 2 })
	require.Len(t, b.Presence().Users(), 2)

	own, err := a.Chat("hi")
	require.NoError(t, err)
	require.True(t, own.Pending())
	require.Equal(t, []int64{own.ID}, ids(a.Ledger().TopLevel()))

	eventually(t, func() bool { return len(a.Ledger().Pending()) == 0 })
	require.Equal(t, []int64{3}, ids(a.Ledger().TopLevel()))
	eventually(t, func() bool { return len(b.Ledger().TopLevel()) == 1 })
	require.Equal(t, []int64{3}, ids(b.Ledger().TopLevel()))

	_, err = b.Reply(3, "hey")
	require.NoError(t, err)
	for _, c := range []*Client{a, b} {
		eventually(t, func() bool {
			replies := c.Ledger().RepliesOf(3)
			return len(replies) == 1 && replies[0].ID == 4 && replies[0].Body == "hey"
		})
		require.Len(t, c.Ledger().TopLevel(), 1)
	}

	require.NoError(t, a.Move(120, 80))
	pos, _ := a.Presence().Position(selfA)
	require.Equal(t, presence.Position{X: 120, Y: 80}, pos)
	eventually(t, func() bool {
		pos, _ := b.Presence().Position(selfA)
		return pos == presence.Position{X: 120, Y: 80}
	})

	require.NoError(t, b.Close())
	eventually(t, func() bool {
		_, ok := a.Presence().Position(selfB)
		return !ok
	})
	require.NoError(t, b.Err())
}

// TestUpdatesReportEchoes verifies the update stream seen by a lone client.
func TestUpdatesReportEchoes(t *testing.T) {
	base := startServer(t)
	c := join(t, base, "solo")

	first := <-c.Updates()
	require.Equal(t, wire.Join{User: 2}, first.Envelope.Payload)

	_, err := c.Chat("ping")
	require.NoError(t, err)

	select {
	case u := <-c.Updates():
		require.True(t, u.Echo)
		require.NoError(t, u.Err)
		require.Equal(t, uint32(1), u.Envelope.Meta.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	require.NoError(t, c.Tick())
	select {
	case u := <-c.Updates():
		require.Equal(t, wire.Tick{User: 2}, u.Envelope.Payload)
		require.False(t, u.Echo)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}
}

// TestSendAfterClose verifies the error returned once the connection is gone.
func TestSendAfterClose(t *testing.T) {
	base := startServer(t)
	c := join(t, base, "closing")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Chat("late")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.Move(1, 1), ErrClosed)

	_, open := <-c.Updates()
	for open {
		_, open = <-c.Updates()
	}
}

// TestDialRejectedOrigin verifies that a refused upgrade surfaces as an error.
func TestDialRejectedOrigin(t *testing.T) {
	base := startServer(t)

	_, err := Dial(t.Context(), base+server.RoomsPath+"lobby", Options{Origin: "http://evil.example", Logger: zerolog.Nop()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}

// TestReplyBeforeParentIsHeld sends a reply to a message id that the room has
// not issued yet and checks that both clients attach it once the parent
// arrives.
func TestReplyBeforeParentIsHeld(t *testing.T) {
	base := startServer(t)
	a := join(t, base, "early")
	b := join(t, base, "early")

	_, err := b.Reply(4, "early")
	require.NoError(t, err)

	var orphan Update
	for orphan.Envelope.Kind() != wire.KindChat {
		select {
		case orphan = <-a.Updates():
		case <-time.After(2 * time.Second):
			t.Fatal("reply never reached a")
		}
	}
	require.False(t, orphan.Echo)
	require.ErrorIs(t, orphan.Err, ledger.ErrUnknownReplyParent)
	require.Equal(t, []int64{3}, ids(a.Ledger().Orphans()))

	_, err = a.Chat("root")
	require.NoError(t, err)

	for _, c := range []*Client{a, b} {
		eventually(t, func() bool {
			return len(c.Ledger().RepliesOf(4)) == 1 && len(c.Ledger().Orphans()) == 0
		})
		require.Equal(t, []int64{3}, ids(c.Ledger().RepliesOf(4)))
		require.Equal(t, []int64{4}, ids(c.Ledger().TopLevel()))
	}
}
