package mpd_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/music"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/idle"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/mpdtest"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/protocol"
)

func testConfig(addr string) mpd.Config {
	nop := zerolog.Nop()
	return mpd.Config{
		Address:        addr,
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
		RetryDelay:     10 * time.Millisecond,
		Logger:         &nop,
	}
}

func connectClient(t *testing.T, cfg mpd.Config) *mpd.Client {
	t.Helper()
	c := mpd.NewClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// nextUpdate reads updates until match accepts one.
func nextUpdate(t *testing.T, c *mpd.Client, match func(mpd.Update) bool) mpd.Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-c.Updates():
			if !ok {
				t.Fatal("updates closed")
			}
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("no matching update")
		}
	}
}

func files(entries []*music.Music) []string {
	out := make([]string, len(entries))
	for i, m := range entries {
		out[i] = m.File
	}
	return out
}

func serverFiles(srv *mpdtest.Server) []string {
	q := srv.Queue()
	out := make([]string, len(q))
	for i, s := range q {
		out[i] = s.File
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewClient(t *testing.T) {
	c := mpd.NewClient(testConfig("localhost:6600"))
	if c == nil {
		t.Fatal("NewClient should return a non-nil client")
	}
	if c.ID() == "" {
		t.Error("expected a client id")
	}
	if mpd.NewClient(testConfig("localhost:6600")).ID() == c.ID() {
		t.Error("client ids should be unique")
	}
}

func TestClientWithoutConnect(t *testing.T) {
	c := mpd.NewClient(testConfig("localhost:6600"))

	if err := c.Ping(context.Background()); !errors.Is(err, mpd.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := c.Status(context.Background()); !errors.Is(err, mpd.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestClientConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := mpd.NewClient(testConfig(addr))
	err = c.Connect(context.Background())
	var ce *protocol.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, mpd.ErrNotConnected) {
		t.Errorf("nothing should run after a failed connect, got %v", err)
	}
	c.Close()
}

func TestInitialSync(t *testing.T) {
	srv := mpdtest.NewServer(t)
	srv.AddSongs("a.flac", "b.flac", "c.flac")
	c := connectClient(t, testConfig(srv.Addr()))

	u := nextUpdate(t, c, func(mpd.Update) bool { return true })
	if u.Err != nil {
		t.Fatalf("initial sync failed: %v", u.Err)
	}
	if u.Status == nil || u.Stats == nil {
		t.Fatalf("expected status and stats, got %+v", u)
	}
	if u.Status.PlaylistLength != 3 {
		t.Errorf("expected queue length 3, got %d", u.Status.PlaylistLength)
	}

	snap, err := c.QueueSnapshot(ctxT(t))
	if err != nil {
		t.Fatalf("QueueSnapshot failed: %v", err)
	}
	if !equalStrings(files(snap), []string{"a.flac", "b.flac", "c.flac"}) {
		t.Errorf("unexpected queue %v", files(snap))
	}
	if c.Queue().Version() != srv.Version() {
		t.Errorf("expected version %d, got %d", srv.Version(), c.Queue().Version())
	}
	if !c.Connected() {
		t.Error("expected connected command channel")
	}
}

func TestQueueFollowsServerMutations(t *testing.T) {
	srv := mpdtest.NewServer(t)
	srv.AddSongs("a.flac", "b.flac", "c.flac")
	c := connectClient(t, testConfig(srv.Addr()))
	ctx := ctxT(t)

	if _, err := c.QueueSnapshot(ctx); err != nil {
		t.Fatalf("QueueSnapshot failed: %v", err)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"add", func() error { return c.Add(ctx, "d.flac") }},
		{"delete", func() error { return c.Delete(ctx, 0) }},
		{"move", func() error { return c.Move(ctx, 2, 0) }},
		{"addid", func() error { _, err := c.AddID(ctx, "e.flac", 1); return err }},
		{"deleteid", func() error { return c.DeleteID(ctx, srv.Queue()[0].ID) }},
		{"clear", func() error { return c.Clear(ctx) }},
		{"add all", func() error { return c.AddAll(ctx, "x.flac", "y.flac") }},
	}

	for _, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("%s failed: %v", step.name, err)
		}
		waitFor(t, "queue after "+step.name, func() bool {
			return c.Queue().Version() == srv.Version() &&
				equalStrings(files(c.Queue().Snapshot()), serverFiles(srv))
		})
	}

	if srv.Count("plchanges") == 0 {
		t.Error("expected incremental diffs")
	}
}

func TestIdleWakeupRefreshesQueueAndStatus(t *testing.T) {
	srv := mpdtest.NewServer(t)
	c := connectClient(t, testConfig(srv.Addr()))
	nextUpdate(t, c, func(mpd.Update) bool { return true })
	waitFor(t, "idle", func() bool { return srv.Count("idle") >= 1 })

	srv.Notify("playlist", "mixer")

	u := nextUpdate(t, c, func(u mpd.Update) bool { return u.Changes.Has(idle.ChangeQueue) })
	if !u.Changes.Has(idle.ChangeStatus) {
		t.Errorf("expected a status re-fetch in the same update, got %s", u.Changes)
	}
	if u.Status == nil {
		t.Error("expected status in update")
	}
	if u.Stats != nil {
		t.Error("stats were not asked for")
	}
}

func TestPlaybackCommands(t *testing.T) {
	srv := mpdtest.NewServer(t)
	srv.AddSongs("a.flac", "b.flac")
	c := connectClient(t, testConfig(srv.Addr()))
	ctx := ctxT(t)

	song, err := c.CurrentSong(ctx)
	if err != nil || song != nil {
		t.Fatalf("expected no current song, got %v / %v", song, err)
	}

	if err := c.Play(ctx, 1); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Playing() || st.Song != 1 {
		t.Errorf("expected playing song 1, got %+v", st)
	}
	song, err = c.CurrentSong(ctx)
	if err != nil || song == nil || song.File != "b.flac" {
		t.Fatalf("expected b.flac, got %v / %v", song, err)
	}

	if err := c.Pause(ctx, true); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := c.SetVolume(ctx, 150); err != nil {
		t.Fatalf("SetVolume failed: %v", err)
	}
	for _, set := range []func(context.Context, bool) error{c.SetRandom, c.SetRepeat, c.SetSingle, c.SetConsume} {
		if err := set(ctx, true); err != nil {
			t.Fatalf("option failed: %v", err)
		}
	}
	if err := c.Seek(ctx, 30); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}

	st, err = c.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.State != music.StatePause {
		t.Errorf("expected pause, got %s", st.State)
	}
	if st.Volume != 100 {
		t.Errorf("expected clamped volume 100, got %d", st.Volume)
	}
	if !st.Random || !st.Repeat || !st.Consume || !st.RepeatSingle() {
		t.Errorf("expected all options on, got %+v", st)
	}

	if err := c.Previous(ctx); err != nil {
		t.Fatalf("Previous failed: %v", err)
	}
	if err := c.Next(ctx); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := c.Play(ctx, -1); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if srv.Count("seekcur") != 1 {
		t.Errorf("expected seekcur, got %d", srv.Count("seekcur"))
	}
}

func TestAddMissingSurfacesAckWithoutReconnect(t *testing.T) {
	srv := mpdtest.NewServer(t)
	c := connectClient(t, testConfig(srv.Addr()))
	waitFor(t, "both connections", func() bool { return srv.Accepted() == 2 })

	err := c.Add(ctxT(t), "missing/dir")
	if !protocol.IsAck(err, protocol.AckNoExist) {
		t.Fatalf("expected ACK 50, got %v", err)
	}
	if srv.Count("add") != 1 {
		t.Errorf("add must be sent once, got %d", srv.Count("add"))
	}
	if srv.Accepted() != 2 {
		t.Errorf("expected no reconnect, got %d connections", srv.Accepted())
	}
}

func TestPingChecksBothConnections(t *testing.T) {
	srv := mpdtest.NewServer(t)
	c := connectClient(t, testConfig(srv.Addr()))
	waitFor(t, "both connections", func() bool { return srv.Accepted() == 2 })

	if err := c.Ping(ctxT(t)); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if srv.Count("ping") != 2 {
		t.Errorf("expected a ping on each connection, got %d", srv.Count("ping"))
	}
	if srv.Count("noidle") == 0 {
		t.Error("the idle connection must leave idle to answer")
	}

	c.Close()
	if err := c.Ping(ctxT(t)); !errors.Is(err, mpd.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestReplaceQueue(t *testing.T) {
	srv := mpdtest.NewServer(t)
	srv.AddSongs("old.flac")
	c := connectClient(t, testConfig(srv.Addr()))
	ctx := ctxT(t)

	if err := c.ReplaceQueue(ctx, true, "A/1.flac", "A/2.flac"); err != nil {
		t.Fatalf("ReplaceQueue failed: %v", err)
	}
	if got := serverFiles(srv); !equalStrings(got, []string{"A/1.flac", "A/2.flac"}) {
		t.Errorf("unexpected queue %v", got)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.State != music.StatePlay || st.Song != 0 {
		t.Errorf("expected playing position 0, got %s at %d", st.State, st.Song)
	}

	// a failing add stops the list before play
	err = c.ReplaceQueue(ctx, true, "B/1.flac", "missing/dir")
	if !protocol.IsAck(err, protocol.AckNoExist) {
		t.Fatalf("expected ACK 50, got %v", err)
	}
	if srv.Count("play") != 1 {
		t.Errorf("play must not run after a failed add, got %d", srv.Count("play"))
	}

	if err := c.ReplaceQueue(ctx, true); err != nil {
		t.Fatalf("ReplaceQueue failed: %v", err)
	}
	if len(srv.Queue()) != 0 || srv.Count("play") != 1 {
		t.Errorf("expected an empty queue without play, got %v", serverFiles(srv))
	}
}

func TestAddIDReturnsID(t *testing.T) {
	srv := mpdtest.NewServer(t)
	srv.AddSongs("a.flac")
	c := connectClient(t, testConfig(srv.Addr()))

	id, err := c.AddID(ctxT(t), "b.flac", 0)
	if err != nil {
		t.Fatalf("AddID failed: %v", err)
	}
	q := srv.Queue()
	if q[0].File != "b.flac" || q[0].ID != id {
		t.Errorf("expected b.flac with id %d first, got %+v", id, q[0])
	}
}

func TestFind(t *testing.T) {
	srv := mpdtest.NewServer(t)
	var got []string
	var mu sync.Mutex
	srv.Handle("find", func(args []string) (string, error) {
		mu.Lock()
		got = args
		mu.Unlock()
		return "file: x/1.flac\nTitle: One\nfile: x/2.flac\nTitle: Two\n", nil
	})
	c := connectClient(t, testConfig(srv.Addr()))

	tracks, err := c.Find(ctxT(t), "album", `Say "Hi"`, "albumartist", "Band")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(tracks) != 2 || tracks[1].Title != "Two" {
		t.Errorf("unexpected tracks %v", files(tracks))
	}

	mu.Lock()
	defer mu.Unlock()
	if !equalStrings(got, []string{"album", `Say "Hi"`, "albumartist", "Band"}) {
		t.Errorf("arguments not preserved: %q", got)
	}

	if _, err := c.Find(ctxT(t), "album", "x", "dangling"); err == nil {
		t.Error("expected error for odd arguments")
	}
}

func listHandler(args []string) (string, error) {
	switch {
	case len(args) == 1 && args[0] == "AlbumArtist":
		return "AlbumArtist: Zappa\nAlbumArtist: abba\n", nil
	case len(args) == 1 && args[0] == "Artist":
		return "Artist: Solo\n", nil
	case len(args) == 3 && args[1] == "albumartist":
		return "Album: Kind of Blue\nAlbum: Bitches Brew\n", nil
	case len(args) == 3 && args[1] == "artist":
		return "Album: Bitches Brew\nAlbum: A Jazz Compilation\n", nil
	}
	return "", &mpdtest.Ack{Code: protocol.AckArg, Message: "bad list"}
}

func TestAlbumsMergeListings(t *testing.T) {
	srv := mpdtest.NewServer(t)
	srv.Handle("list", listHandler)

	cfg := testConfig(srv.Addr())
	cfg.Listing = music.ListingConfig{UseAlbumArtist: true}
	c := connectClient(t, cfg)

	albums, err := c.Albums(ctxT(t), "Miles Davis")
	if err != nil {
		t.Fatalf("Albums failed: %v", err)
	}
	want := []string{"Kind of Blue", "Bitches Brew", "A Jazz Compilation"}
	var got []string
	for _, a := range albums {
		got = append(got, a.Name)
	}
	if !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !albums[1].FromAlbumArtist {
		t.Error("duplicate must be taken from the album artist listing")
	}

	artists, err := c.Artists(ctxT(t))
	if err != nil {
		t.Fatalf("Artists failed: %v", err)
	}
	if len(artists) != 2 || artists[0].Name != "Zappa" {
		t.Errorf("expected server order without sorting, got %v", artists)
	}
}

func TestAlbumsByArtistOnly(t *testing.T) {
	srv := mpdtest.NewServer(t)
	srv.Handle("list", listHandler)

	cfg := testConfig(srv.Addr())
	cfg.Listing = music.ListingConfig{SortByName: true}
	c := connectClient(t, cfg)

	albums, err := c.Albums(ctxT(t), "Miles Davis")
	if err != nil {
		t.Fatalf("Albums failed: %v", err)
	}
	if len(albums) != 2 || albums[0].Name != "A Jazz Compilation" || albums[0].FromAlbumArtist {
		t.Errorf("unexpected albums %+v", albums)
	}

	artists, err := c.Artists(ctxT(t))
	if err != nil {
		t.Fatalf("Artists failed: %v", err)
	}
	if len(artists) != 1 || artists[0].Name != "Solo" {
		t.Errorf("unexpected artists %v", artists)
	}
}

func TestListInfo(t *testing.T) {
	srv := mpdtest.NewServer(t)
	srv.Handle("lsinfo", func(args []string) (string, error) {
		if len(args) != 0 {
			return "", &mpdtest.Ack{Code: protocol.AckNoExist, Message: "No such directory"}
		}
		return "directory: Jazz\nfile: loose.flac\nplaylist: mix\n", nil
	})
	c := connectClient(t, testConfig(srv.Addr()))

	entries, err := c.ListInfo(ctxT(t), "")
	if err != nil {
		t.Fatalf("ListInfo failed: %v", err)
	}
	if len(entries) != 3 || entries[0].FullPath() != "Jazz" || entries[2].FullPath() != "mix" {
		t.Errorf("unexpected entries %v", entries)
	}

	if _, err := c.ListInfo(ctxT(t), "nope"); !protocol.IsAck(err, protocol.AckNoExist) {
		t.Errorf("expected ACK 50, got %v", err)
	}
}

func TestUpdateDB(t *testing.T) {
	srv := mpdtest.NewServer(t)
	running := false
	srv.Handle("update", func(args []string) (string, error) {
		if running {
			return "", &mpdtest.Ack{Code: protocol.AckUpdateAlready, Message: "already updating"}
		}
		running = true
		return "updating_db: 3\n", nil
	})
	c := connectClient(t, testConfig(srv.Addr()))

	job, err := c.UpdateDB(ctxT(t), "Jazz")
	if err != nil || job != 3 {
		t.Fatalf("expected job 3, got %d / %v", job, err)
	}
	job, err = c.UpdateDB(ctxT(t), "")
	if err != nil || job != -1 {
		t.Errorf("a running update should be tolerated, got %d / %v", job, err)
	}
}

func TestSubmitPreservesOrder(t *testing.T) {
	srv := mpdtest.NewServer(t)
	c := connectClient(t, testConfig(srv.Addr()))
	ctx := ctxT(t)

	var mu sync.Mutex
	var order []int
	futures := make([]*mpd.Future[int], 50)
	for i := range futures {
		i := i
		futures[i] = mpd.Submit(ctx, c, func(ctx context.Context) (int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i * 2, nil
		})
	}

	for i, f := range futures {
		v, err := f.Await(ctx)
		if err != nil || v != i*2 {
			t.Fatalf("future %d: got %d / %v", i, v, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran at slot %d", v, i)
		}
	}
}

func TestSubmitSkipsCanceledTask(t *testing.T) {
	srv := mpdtest.NewServer(t)
	c := connectClient(t, testConfig(srv.Addr()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	f := mpd.Submit(ctx, c, func(ctx context.Context) (bool, error) {
		ran = true
		return true, nil
	})
	<-f.Done()
	if _, err := f.Await(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if ran {
		t.Error("canceled task must not run")
	}
}

func TestCloseFailsOutstandingFutures(t *testing.T) {
	srv := mpdtest.NewServer(t)
	c := mpd.NewClient(testConfig(srv.Addr()))
	if err := c.Connect(ctxT(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := c.QueueSnapshot(ctxT(t)); err != nil {
		t.Fatalf("QueueSnapshot failed: %v", err)
	}

	started := make(chan struct{})
	blocking := mpd.Submit(context.Background(), c, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started
	queued := mpd.Submit(context.Background(), c, func(ctx context.Context) (int, error) {
		return 1, nil
	})

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for name, f := range map[string]*mpd.Future[int]{"running": blocking, "queued": queued} {
		if _, err := f.Await(ctxT(t)); !errors.Is(err, mpd.ErrClosed) {
			t.Errorf("%s future: expected ErrClosed, got %v", name, err)
		}
	}
	if err := c.Ping(context.Background()); !errors.Is(err, mpd.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if c.Queue().Len() != 0 || c.Queue().Version() != -1 {
		t.Error("queue mirror should be invalidated")
	}
	if c.Connected() {
		t.Error("command connection should be closed")
	}
	for range c.Updates() {
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, mpd.ErrClosed) {
		t.Errorf("expected ErrClosed on reconnect, got %v", err)
	}
}
