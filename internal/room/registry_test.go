package room

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestGetOrCreateIsAtomic races many first references to one id and
// verifies they all resolve to the same Room.
func TestGetOrCreateIsAtomic(t *testing.T) {
	g := NewRegistry(zerolog.Nop())
	t.Cleanup(func() { _ = g.Shutdown(time.Second) })

	const workers = 32
	rooms := make([]*Room, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, err := g.GetOrCreate("fresh")
			if err == nil {
				rooms[i] = r
			}
		}()
	}
	close(start)
	wg.Wait()

	for _, r := range rooms {
		require.NotNil(t, r)
		require.Same(t, rooms[0], r)
	}
	require.Equal(t, 1, g.Len())
}

// TestRegistryKeepsRoomsSeparate verifies that distinct ids get independent
// counters.
func TestRegistryKeepsRoomsSeparate(t *testing.T) {
	g := NewRegistry(zerolog.Nop())
	t.Cleanup(func() { _ = g.Shutdown(time.Second) })

	one, err := g.GetOrCreate("one")
	require.NoError(t, err)
	two, err := g.GetOrCreate("two")
	require.NoError(t, err)
	require.NotSame(t, one, two)

	u1, err := one.Join(&fakeSubscriber{})
	require.NoError(t, err)
	u2, err := two.Join(&fakeSubscriber{})
	require.NoError(t, err)
	require.Equal(t, u1, u2)
	require.Equal(t, 2, g.Len())
}

// TestRegistryShutdown verifies that shutdown kicks members and refuses new
// rooms.
func TestRegistryShutdown(t *testing.T) {
	g := NewRegistry(zerolog.Nop())

	r, err := g.GetOrCreate("lobby")
	require.NoError(t, err)
	sub := &fakeSubscriber{}
	_, err = r.Join(sub)
	require.NoError(t, err)

	require.NoError(t, g.Shutdown(time.Second))
	require.True(t, sub.wasKicked())

	_, err = g.GetOrCreate("lobby")
	require.ErrorIs(t, err, ErrClosed)
	_, err = g.GetOrCreate("other")
	require.ErrorIs(t, err, ErrClosed)
}
