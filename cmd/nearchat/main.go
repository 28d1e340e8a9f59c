// Command nearchat is a line-oriented client for a nearchat room.
//
// Plain lines are sent as chat messages. Commands:
//
//	/re <id> <text>   reply to message <id>
//	/move <x> <y>     move the cursor
//	/who              list room members
//	/log              print the conversation so far
//	/quit             leave the room
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/nearchat/internal/client"
	"github.com/Tyrowin/nearchat/internal/ledger"
	"github.com/Tyrowin/nearchat/internal/presence"
	"github.com/Tyrowin/nearchat/internal/wire"
)

var errQuit = errors.New("quit")

func main() {
	url := flag.String("url", "ws://localhost:8080/rooms/lobby", "room URL")
	origin := flag.String("origin", "http://localhost:8080", "Origin header sent on connect")
	level := flag.String("log-level", "warn", "log level")
	tick := flag.Duration("tick", 30*time.Second, "presence ping interval, 0 to disable")
	pendingTimeout := flag.Duration("pending-timeout", 30*time.Second, "drop unconfirmed sends after this long, 0 to keep them")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, *url, client.Options{Origin: *origin, Logger: logger})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("could not connect")
	}
	defer func() { _ = c.Close() }()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return printUpdates(ctx, c, os.Stdout) })
	g.Go(func() error { return readCommands(ctx, c, os.Stdin, os.Stdout) })
	if *tick > 0 {
		g.Go(func() error { return ping(ctx, c, *tick) })
	}
	if *pendingTimeout > 0 {
		g.Go(func() error { return expire(ctx, c, *pendingTimeout, os.Stdout) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("disconnected")
		os.Exit(1)
	}
}

func printUpdates(ctx context.Context, c *client.Client, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-c.Updates():
			if !ok {
				if err := c.Err(); err != nil {
					return err
				}
				return errQuit
			}
			printUpdate(out, u)
		}
	}
}

func printUpdate(out io.Writer, u client.Update) {
	env := u.Envelope
	at := env.Time().Format(time.Kitchen)

	switch p := env.Payload.(type) {
	case wire.Chat:
		reply := ""
		if p.ReID != nil {
			reply = fmt.Sprintf(" (re #%d)", *p.ReID)
		}
		fmt.Fprintf(out, "%s #%d%s %s: %s\n", at, env.Meta.ID, reply, presence.Name(env.Source), p.Body)
		if errors.Is(u.Err, ledger.ErrUnknownReplyParent) {
			fmt.Fprintf(out, "  (message #%d not seen yet; reply held until it arrives)\n", *p.ReID)
		}
	case wire.Join:
		fmt.Fprintf(out, "%s * %s joined\n", at, presence.Name(p.User))
	case wire.Exit:
		fmt.Fprintf(out, "%s * %s left\n", at, presence.Name(p.User))
	case wire.Move:
		fmt.Fprintf(out, "%s * %s moved to (%d,%d)\n", at, presence.Name(env.Source), p.X, p.Y)
	}
}

func readCommands(ctx context.Context, c *client.Client, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return err
				}
				return errQuit
			}
			if err := runCommand(c, strings.TrimSpace(line), out); err != nil {
				return err
			}
		}
	}
}

func runCommand(c *client.Client, line string, out io.Writer) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.Chat(line)
		return err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return errQuit
	case "/who":
		for _, u := range c.Presence().Users() {
			fmt.Fprintf(out, "  %s at (%d,%d)\n", presence.Name(u.ID), u.Position.X, u.Position.Y)
		}
	case "/move":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /move <x> <y>")
			return nil
		}
		x, errX := strconv.ParseUint(fields[0], 10, 32)
		y, errY := strconv.ParseUint(fields[1], 10, 32)
		if errX != nil || errY != nil {
			fmt.Fprintln(out, "usage: /move <x> <y>")
			return nil
		}
		return c.Move(uint32(x), uint32(y))
	case "/re":
		id, body, _ := strings.Cut(strings.TrimSpace(rest), " ")
		parent, err := strconv.ParseUint(id, 10, 32)
		if err != nil || strings.TrimSpace(body) == "" {
			fmt.Fprintln(out, "usage: /re <id> <text>")
			return nil
		}
		if _, ok := c.Ledger().Get(int64(parent)); !ok {
			fmt.Fprintf(out, "no message #%d yet; sending anyway\n", parent)
		}
		_, err = c.Reply(uint32(parent), strings.TrimSpace(body))
		return err
	case "/log":
		printLedger(c.Ledger(), out)
	default:
		fmt.Fprintf(out, "unknown command %s\n", cmd)
	}
	return nil
}

func printLedger(l *ledger.Ledger, out io.Writer) {
	for _, e := range l.TopLevel() {
		printEntry(out, e, "")
		if e.Pending() {
			continue
		}
		for _, r := range l.RepliesOf(uint32(e.ID)) {
			printEntry(out, r, "  ")
		}
	}
}

func printEntry(out io.Writer, e ledger.Entry, indent string) {
	id := strconv.FormatInt(e.ID, 10)
	if e.Pending() {
		id = "…"
	}
	fmt.Fprintf(out, "%s#%s %s: %s\n", indent, id, presence.Name(e.Source), e.Body)
}

func ping(ctx context.Context, c *client.Client, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				return err
			}
		}
	}
}

func expire(ctx context.Context, c *client.Client, maxAge time.Duration, out io.Writer) error {
	ticker := time.NewTicker(max(maxAge/2, 100*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, e := range c.ExpirePending(maxAge) {
				fmt.Fprintf(out, "not delivered: %s\n", e.Body)
			}
		}
	}
}
