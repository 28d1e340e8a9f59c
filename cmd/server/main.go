package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/nearchat/internal/room"
	"github.com/Tyrowin/nearchat/internal/server"
)

func main() {
	cfg := server.Load()
	logger := server.NewLogger(cfg, os.Stdout)

	rooms := room.NewRegistry(logger)
	srv := server.New(cfg, rooms, logger)
	httpServer := server.CreateServer(cfg.Port, server.NewRouter(srv))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("env", cfg.Env).Msg("starting nearchat server")
		return server.StartServer(httpServer, logger)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server...")

		if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
			logger.Warn().Err(err).Msg("sessions did not stop cleanly")
		}
		return server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
	logger.Info().Msg("server stopped")
}
