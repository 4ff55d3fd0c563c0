package idle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/conn"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/idle"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/mpdtest"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/protocol"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		subsystems []string
		want       idle.Change
	}{
		{"database", []string{"database"}, idle.ChangeStats},
		{"update", []string{"update"}, idle.ChangeStats},
		{"playlist", []string{"playlist"}, idle.ChangeQueue},
		{"player", []string{"player"}, idle.ChangeStatus},
		{"mixer", []string{"mixer"}, idle.ChangeStatus},
		{"output", []string{"output"}, idle.ChangeStatus},
		{"options", []string{"options"}, idle.ChangeStatus},
		{"stored playlist", []string{"stored_playlist"}, idle.ChangeStoredPlaylists},
		{"playlist and mixer", []string{"playlist", "mixer"}, idle.ChangeQueue | idle.ChangeStatus},
		{"unknown", []string{"sticker", "neighbor"}, 0},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := idle.Classify(tt.subsystems); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.subsystems, got, tt.want)
			}
		})
	}
}

func TestChangeHasAndString(t *testing.T) {
	c := idle.ChangeQueue | idle.ChangeStatus
	if !c.Has(idle.ChangeQueue) || !c.Has(idle.ChangeStatus) {
		t.Error("expected queue and status flags")
	}
	if c.Has(idle.ChangeStats) {
		t.Error("unexpected stats flag")
	}
	if c.Has(0) {
		t.Error("empty flag set should never match")
	}
	if got := c.String(); got != "queue|status" {
		t.Errorf("expected queue|status, got %q", got)
	}
	if got := idle.Change(0).String(); got != "none" {
		t.Errorf("expected none, got %q", got)
	}
}

func testOptions(addr string) conn.Options {
	nop := zerolog.Nop()
	return conn.Options{
		Address:    addr,
		RetryDelay: 10 * time.Millisecond,
		Logger:     &nop,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func nextEvent(t *testing.T, ch *idle.Channel) idle.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no idle event")
	}
	return idle.Event{}
}

// startChannel runs a channel against srv; the returned stop cancels Run
// and returns its error. It is safe to call more than once.
func startChannel(t *testing.T, srv *mpdtest.Server, subsystems ...string) (*idle.Channel, func() error) {
	t.Helper()
	ch := idle.New(testOptions(srv.Addr()), subsystems...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(2 * time.Second):
				runErr = errors.New("Run did not return")
			}
		})
		return runErr
	}
	t.Cleanup(func() { stop() })
	return ch, stop
}

func TestChannelClassifiesWakeUp(t *testing.T) {
	srv := mpdtest.NewServer(t)
	ch, _ := startChannel(t, srv)

	waitFor(t, func() bool { return srv.Count("idle") == 1 })
	srv.Notify("playlist", "mixer")

	ev := nextEvent(t, ch)
	if ev.Synthetic {
		t.Error("unexpected synthetic event")
	}
	if !ev.Changes.Has(idle.ChangeQueue) || !ev.Changes.Has(idle.ChangeStatus) {
		t.Errorf("expected queue re-check and status re-fetch, got %s", ev.Changes)
	}
	if len(ev.Subsystems) != 2 {
		t.Errorf("expected 2 subsystems, got %v", ev.Subsystems)
	}

	waitFor(t, func() bool { return srv.Count("idle") == 2 })
}

func TestChannelSubsystemFilter(t *testing.T) {
	srv := mpdtest.NewServer(t)
	ch, _ := startChannel(t, srv, "player")

	waitFor(t, func() bool { return srv.Count("idle") == 1 })
	srv.Notify("playlist")
	srv.Notify("player")

	ev := nextEvent(t, ch)
	if len(ev.Subsystems) != 1 || ev.Subsystems[0] != "player" {
		t.Errorf("expected only player, got %v", ev.Subsystems)
	}
}

func TestChannelExecuteInterruptsIdle(t *testing.T) {
	srv := mpdtest.NewServer(t)
	srv.AddSongs("a.flac")
	ch, _ := startChannel(t, srv)

	waitFor(t, func() bool { return srv.Count("idle") == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := ch.Execute(ctx, protocol.NewBatch(protocol.New("status")))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	attrs, _ := resp.Attrs()
	if attrs["playlistlength"] != "1" {
		t.Errorf("expected playlistlength 1, got %q", attrs["playlistlength"])
	}
	if srv.Count("noidle") != 1 {
		t.Errorf("expected one noidle, got %d", srv.Count("noidle"))
	}

	waitFor(t, func() bool { return srv.Count("idle") == 2 })
	if srv.Accepted() != 1 {
		t.Errorf("expected the socket to be reused, got %d connections", srv.Accepted())
	}
}

func TestChannelReconnectEmitsSyntheticPlaylistEvent(t *testing.T) {
	srv := mpdtest.NewServer(t)
	ch, _ := startChannel(t, srv)

	waitFor(t, func() bool { return srv.Count("idle") == 1 })
	srv.DropConnections()

	ev := nextEvent(t, ch)
	if !ev.Synthetic {
		t.Fatal("expected synthetic event")
	}
	if ev.Changes != idle.ChangeQueue {
		t.Errorf("expected queue change, got %s", ev.Changes)
	}
	if len(ev.Subsystems) != 1 || ev.Subsystems[0] != "playlist" {
		t.Errorf("expected playlist, got %v", ev.Subsystems)
	}
	if srv.Accepted() != 2 {
		t.Errorf("expected one reconnect, got %d connections", srv.Accepted())
	}

	select {
	case ev := <-ch.Events():
		t.Errorf("expected a single synthetic event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelStopsOnCancel(t *testing.T) {
	srv := mpdtest.NewServer(t)
	ch, stop := startChannel(t, srv)

	waitFor(t, func() bool { return srv.Count("idle") == 1 })
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if _, ok := <-ch.Events(); ok {
		t.Error("expected events channel to be closed")
	}
	if ch.State() != conn.Disconnected {
		t.Errorf("expected disconnected, got %s", ch.State())
	}
	_, err := ch.Execute(context.Background(), protocol.NewBatch(protocol.New("ping")))
	if !errors.Is(err, idle.ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestChannelStopsWhenIdleIsRejected(t *testing.T) {
	srv := mpdtest.NewServer(t)
	ch, stop := startChannel(t, srv, "bogus")

	select {
	case ev, ok := <-ch.Events():
		if ok {
			t.Fatalf("expected no events, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept going after the server rejected idle")
	}

	if err := stop(); !protocol.IsAck(err, protocol.AckArg) {
		t.Errorf("expected ACK 2 from Run, got %v", err)
	}
	if srv.Accepted() != 1 || srv.Count("idle") != 1 {
		t.Errorf("expected no reconnect loop, got %d connections and %d idles", srv.Accepted(), srv.Count("idle"))
	}
	if _, err := ch.Execute(context.Background(), protocol.NewBatch(protocol.New("ping"))); !errors.Is(err, idle.ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
