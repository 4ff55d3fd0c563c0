package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/player"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/mpdtest"
)

func newTestMux(t *testing.T, staticDir string) (*mpdtest.Server, http.Handler) {
	t.Helper()
	srv := mpdtest.NewServer(t)
	nop := zerolog.Nop()
	client := mpd.NewClient(mpd.Config{
		Address:    srv.Addr(),
		RetryDelay: 10 * time.Millisecond,
		Logger:     &nop,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return srv, corsMiddleware(newMux(nil, client, player.NewService(client), staticDir))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	srv, h := newTestMux(t, "")

	rec := get(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["mpd"] != "connected" {
		t.Errorf("mpd = %q, want connected", body["mpd"])
	}

	srv.Handle("ping", func([]string) (string, error) {
		return "", &mpdtest.Ack{Code: 4, Message: "you don't have permission for \"ping\""}
	})
	rec = get(t, h, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q on error response", got)
	}
}

func TestVersionEndpoint(t *testing.T) {
	_, h := newTestMux(t, "")

	rec := get(t, h, "/api/v1/version")
	var info map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if info["name"] != "mpdsync" || info["version"] == "" {
		t.Errorf("unexpected version info %v", info)
	}
}

func TestStateAndQueueEndpoints(t *testing.T) {
	srv, h := newTestMux(t, "")
	srv.AddSongs("A/one.flac", "A/two.flac")

	rec := get(t, h, "/api/v1/getState")
	if rec.Code != http.StatusOK {
		t.Fatalf("getState status = %d", rec.Code)
	}
	var state map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if state["status"] != "stop" || state["volume"] != float64(50) {
		t.Errorf("unexpected state %v", state)
	}

	// the mirror catches up after the idle wakeup
	var queue []map[string]interface{}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec = get(t, h, "/api/v1/getQueue")
		if rec.Code != http.StatusOK {
			t.Fatalf("getQueue status = %d", rec.Code)
		}
		queue = nil
		if err := json.NewDecoder(rec.Body).Decode(&queue); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(queue) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(queue) != 2 || queue[1]["uri"] != "A/two.flac" {
		t.Errorf("unexpected queue %v", queue)
	}
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, h := newTestMux(t, dir)

	tests := []struct {
		path string
		want string
	}{
		{"/", "<html>app</html>"},
		{"/app.js", "console.log(1)"},
		{"/queue/current", "<html>app</html>"},
	}
	for _, tt := range tests {
		rec := get(t, h, tt.path)
		if rec.Code != http.StatusOK || rec.Body.String() != tt.want {
			t.Errorf("GET %s = %d %q, want %q", tt.path, rec.Code, rec.Body.String(), tt.want)
		}
	}
}
