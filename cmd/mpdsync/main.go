// Command mpdsync keeps a live mirror of an MPD server and serves it to
// Volumio-compatible clients over Socket.IO.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/edumarques81/stellar-mpdsync/internal/config"
	"github.com/edumarques81/stellar-mpdsync/internal/domain/player"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd"
	"github.com/edumarques81/stellar-mpdsync/internal/transport/socketio"
	"github.com/edumarques81/stellar-mpdsync/internal/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Error().Err(err).Msg("mpdsync stopped")
		os.Exit(1)
	}
}

// run starts the daemon and blocks until a signal or a server failure.
func run(args []string) error {
	flags := config.Flags()
	if err := flags.Parse(args); err != nil {
		return err
	}
	if v, _ := flags.GetBool("version"); v {
		fmt.Println(version.GetInfo().String())
		return nil
	}

	file, _ := flags.GetString("config")
	cfg, err := config.Load(file, flags)
	if err != nil {
		return err
	}

	setupLogging(cfg.Logging)

	versionInfo := version.GetInfo()
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", versionInfo.String())
	log.Info().Msg("  MPD Queue Sync Daemon")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().
		Str("listen", cfg.Server.Listen).
		Str("mpd", cfg.MPD.Address).
		Bool("password_set", cfg.MPD.Password != "").
		Int("max_remote_clients", cfg.Socket.MaxRemoteClients).
		Msg("Configuration")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mpdLogger := log.With().Str("component", "mpd").Logger()
	cfg.MPD.Logger = &mpdLogger
	mpdClient := mpd.NewClient(cfg.MPD)
	defer mpdClient.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = mpdClient.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return err
	}
	log.Info().Str("version", mpdClient.Version().String()).Msg("MPD connection verified")

	playerService := player.NewService(mpdClient)

	socketServer, err := socketio.NewServer(playerService, mpdClient, cfg.Socket)
	if err != nil {
		return fmt.Errorf("failed to create Socket.io server: %w", err)
	}
	defer socketServer.Close()

	socketServer.StartWatcher(ctx)

	mux := newMux(socketServer, mpdClient, playerService, cfg.Server.StaticDir)
	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Listen).Msg("HTTP server listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if !cfg.JSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Unknown log level, using info")
	}
}
