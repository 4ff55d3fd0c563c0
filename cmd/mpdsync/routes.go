package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/player"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd"
	"github.com/edumarques81/stellar-mpdsync/internal/version"
)

const requestTimeout = 5 * time.Second

func newMux(socket http.Handler, mpdClient *mpd.Client, playerService *player.Service, staticDir string) *http.ServeMux {
	mux := http.NewServeMux()

	if socket != nil {
		mux.Handle("/socket.io/", socket)
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := mpdClient.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "mpd": "disconnected"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mpd": "connected"})
	})

	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.GetInfo())
	})

	// REST fallbacks for clients without a socket
	mux.HandleFunc("/api/v1/getState", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		state, err := playerService.GetState(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, state)
	})

	mux.HandleFunc("/api/v1/getQueue", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		queue, err := playerService.GetQueue(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, queue)
	})

	// Serve static files if directory specified (SPA mode)
	if staticDir != "" {
		log.Info().Str("dir", staticDir).Msg("Serving static files")
		mux.Handle("/", spaHandler(staticDir))
	}

	return mux
}

// spaHandler serves files from dir and falls back to index.html for
// unknown paths.
func spaHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.ServeFile(w, r, index)
			return
		}
		path := filepath.Join(dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			http.ServeFile(w, r, index)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
