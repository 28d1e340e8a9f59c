package room

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/nearchat/internal/metrics"
)

// Registry maps room ids to running Rooms. Rooms are created on first
// reference and kept for the life of the process.
type Registry struct {
	log zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		log:   logger,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreate returns the Room for id, starting it if this is the first
// reference. Concurrent first references to the same id get the same Room.
func (g *Registry) GetOrCreate(id string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}
	if r, ok := g.rooms[id]; ok {
		return r, nil
	}

	r := New(id, g.log)
	g.rooms[id] = r
	go r.Run()

	metrics.RoomsActive.Set(float64(len(g.rooms)))
	g.log.Info().Str("room", id).Int("rooms", len(g.rooms)).Msg("room created")
	return r, nil
}

// Len reports how many rooms exist.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Shutdown stops every room, kicking their members, and refuses new rooms.
// It returns context.DeadlineExceeded if the rooms did not stop in time.
func (g *Registry) Shutdown(timeout time.Duration) error {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	g.log.Info().Int("rooms", len(rooms)).Msg("shutting down rooms")

	var eg errgroup.Group
	for _, r := range rooms {
		eg.Go(func() error {
			r.Close()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		metrics.RoomsActive.Set(0)
		return nil
	case <-time.After(timeout):
		g.log.Warn().Dur("timeout", timeout).Msg("room shutdown timed out")
		return context.DeadlineExceeded
	}
}
