// Package client connects to a room over WebSocket and keeps a local ledger
// and presence view up to date.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nearchat/internal/ledger"
	"github.com/Tyrowin/nearchat/internal/presence"
	"github.com/Tyrowin/nearchat/internal/wire"
)

const writeWait = 10 * time.Second

// ErrClosed is returned by sends on a closed client.
var ErrClosed = errors.New("client: closed")

// Options configure Dial.
type Options struct {
	// Origin is sent as the Origin header; the server checks it against its
	// allow-list.
	Origin string
	Header http.Header
	Dialer *websocket.Dialer
	Logger zerolog.Logger
	// UpdateBuffer sizes the Updates channel. Updates are dropped when it is
	// full.
	UpdateBuffer int
}

// Update is one envelope received from the room.
type Update struct {
	Envelope wire.Envelope
	// Echo is set when the envelope confirmed a local optimistic send.
	Echo bool
	// Err carries a non-fatal problem applying the envelope, such as
	// ledger.ErrUnknownReplyParent.
	Err error
}

// Client is a participant in one room.
type Client struct {
	conn     *websocket.Conn
	log      zerolog.Logger
	ledger   *ledger.Ledger
	presence *presence.Tracker

	writeMu sync.Mutex
	updates chan Update
	done    chan struct{}

	mu       sync.Mutex
	self     uint32
	closed   bool
	readErr  error
	selfSeen chan struct{}
}

// Dial connects to the room at url, for example ws://localhost:8080/rooms/42.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 256
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		log:      opts.Logger.With().Str("url", url).Logger(),
		ledger:   ledger.New(opts.Logger),
		presence: presence.NewTracker(),
		updates:  make(chan Update, opts.UpdateBuffer),
		done:     make(chan struct{}),
		selfSeen: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Ledger returns the client's chat log.
func (c *Client) Ledger() *ledger.Ledger {
	return c.ledger
}

// Presence returns the client's view of room members.
func (c *Client) Presence() *presence.Tracker {
	return c.presence
}

// Updates delivers every envelope after it has been applied locally. It is
// closed when the connection ends.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Self returns the local user id once the room has announced it.
func (c *Client) Self() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, c.self != wire.SourceSelf
}

// WaitSelf blocks until the room has announced the local user id.
func (c *Client) WaitSelf(ctx context.Context) (uint32, error) {
	select {
	case <-c.selfSeen:
		user, _ := c.Self()
		return user, nil
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Chat sends a top-level message and records it optimistically.
func (c *Client) Chat(body string) (ledger.Entry, error) {
	return c.sendChat(body, nil)
}

// Reply sends body as a reply to the message with server id parent.
func (c *Client) Reply(parent uint32, body string) (ledger.Entry, error) {
	return c.sendChat(body, wire.ReplyTo(parent))
}

func (c *Client) sendChat(body string, reID *uint32) (ledger.Entry, error) {
	entry := c.ledger.AddOptimistic(body, reID)
	if err := c.send(wire.Chat{Body: body, ReID: reID}); err != nil {
		return entry, err
	}
	return entry, nil
}

// ExpirePending drops local sends that have waited longer than maxAge for
// their echo and returns them.
func (c *Client) ExpirePending(maxAge time.Duration) []ledger.Entry {
	return c.ledger.Expire(time.Now().Add(-maxAge))
}

// Move reports a new cursor position. The local view updates immediately.
func (c *Client) Move(x, y uint32) error {
	c.presence.MoveSelf(x, y)
	return c.send(wire.Move{X: x, Y: y})
}

// Tick sends a presence ping.
func (c *Client) Tick() error {
	user, _ := c.Self()
	return c.send(wire.Tick{User: user})
}

// send writes a client envelope. Id and source are left for the room to
// stamp.
func (c *Client) send(p wire.Payload) error {
	frame, err := wire.Encode(wire.New(0, wire.SourceSelf, p))
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a normal close frame and waits for the read loop to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))

	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		_ = c.conn.Close()
		close(c.done)
		close(c.updates)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setReadErr(err)
			return
		}
		if messageType != websocket.BinaryMessage {
			c.log.Warn().Int("type", messageType).Msg("ignoring non-binary frame")
			continue
		}

		env, err := wire.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring undecodable frame")
			continue
		}
		c.publish(c.apply(env))
	}
}

func (c *Client) apply(env wire.Envelope) Update {
	if join, ok := env.Payload.(wire.Join); ok {
		c.claimSelf(join.User)
	}

	c.presence.Apply(env)

	u := Update{Envelope: env}
	u.Echo, u.Err = c.ledger.Apply(env)
	return u
}

// claimSelf takes the first join notice as the local user's own: the room
// always announces a joiner to itself before anyone else.
func (c *Client) claimSelf(user uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.self != wire.SourceSelf {
		return
	}
	c.self = user
	c.ledger.SetSelf(user)
	c.presence.SetSelf(user)
	close(c.selfSeen)
	c.log = c.log.With().Uint32("user", user).Logger()
}

func (c *Client) publish(u Update) {
	select {
	case c.updates <- u:
	default:
		c.log.Warn().Stringer("kind", u.Envelope.Kind()).Msg("update buffer full; dropping update")
	}
}

func (c *Client) setReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	c.readErr = err
}
