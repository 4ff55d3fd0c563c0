package mpd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/music"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/protocol"
)

// run executes b on the command connection through the worker.
func (c *Client) run(ctx context.Context, b *protocol.Batch) (protocol.Response, error) {
	return Submit(ctx, c, func(ctx context.Context) (protocol.Response, error) {
		return c.cmd.Execute(ctx, b)
	}).Await(ctx)
}

func (c *Client) command(ctx context.Context, verb string, args ...any) error {
	_, err := c.run(ctx, protocol.NewBatch(protocol.New(verb, args...)))
	return err
}

// status and stats run on the worker goroutine already.
func (c *Client) status(ctx context.Context) (music.Status, error) {
	resp, err := c.cmd.Execute(ctx, protocol.NewBatch(protocol.New("status")))
	if err != nil {
		return music.Status{}, err
	}
	attrs, err := resp.Attrs()
	if err != nil {
		return music.Status{}, err
	}
	return music.ParseStatus(attrs), nil
}

func (c *Client) stats(ctx context.Context) (music.Statistics, error) {
	resp, err := c.cmd.Execute(ctx, protocol.NewBatch(protocol.New("stats")))
	if err != nil {
		return music.Statistics{}, err
	}
	attrs, err := resp.Attrs()
	if err != nil {
		return music.Statistics{}, err
	}
	return music.ParseStatistics(attrs), nil
}

// Ping checks that both the command and the idle connection answer.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.command(ctx, "ping"); err != nil {
		return err
	}
	if _, err := c.idle.Execute(ctx, protocol.NewBatch(protocol.New("ping"))); err != nil {
		return fmt.Errorf("idle connection: %w", err)
	}
	return nil
}

// Status returns the current MPD status.
func (c *Client) Status(ctx context.Context) (music.Status, error) {
	return Submit(ctx, c, c.status).Await(ctx)
}

// Stats returns database statistics.
func (c *Client) Stats(ctx context.Context) (music.Statistics, error) {
	return Submit(ctx, c, c.stats).Await(ctx)
}

// CurrentSong returns the current track, or nil when there is none.
func (c *Client) CurrentSong(ctx context.Context) (*music.Music, error) {
	resp, err := c.run(ctx, protocol.NewBatch(protocol.New("currentsong")))
	if err != nil {
		return nil, err
	}
	if len(resp.Lines) == 0 {
		return nil, nil
	}
	return music.Parse(resp.Lines)
}

// Play starts playback. If pos is negative, resumes the current track.
func (c *Client) Play(ctx context.Context, pos int) error {
	if pos < 0 {
		return c.command(ctx, "play")
	}
	return c.command(ctx, "play", pos)
}

// PlayID starts playback at the queue entry with the given id.
func (c *Client) PlayID(ctx context.Context, id int) error {
	return c.command(ctx, "playid", id)
}

// Pause pauses or resumes playback.
func (c *Client) Pause(ctx context.Context, pause bool) error {
	return c.command(ctx, "pause", pause)
}

// Stop stops playback.
func (c *Client) Stop(ctx context.Context) error {
	return c.command(ctx, "stop")
}

// Next plays the next song.
func (c *Client) Next(ctx context.Context) error {
	return c.command(ctx, "next")
}

// Previous plays the previous song.
func (c *Client) Previous(ctx context.Context) error {
	return c.command(ctx, "previous")
}

// Seek seeks within the current song (seconds).
func (c *Client) Seek(ctx context.Context, seconds int) error {
	if seconds < 0 {
		seconds = 0
	}
	return c.command(ctx, "seekcur", seconds)
}

// SetVolume sets the volume (0-100).
func (c *Client) SetVolume(ctx context.Context, vol int) error {
	if vol < 0 {
		vol = 0
	} else if vol > 100 {
		vol = 100
	}
	return c.command(ctx, "setvol", vol)
}

// SetRandom sets random/shuffle mode.
func (c *Client) SetRandom(ctx context.Context, on bool) error {
	return c.command(ctx, "random", on)
}

// SetRepeat sets repeat mode.
func (c *Client) SetRepeat(ctx context.Context, on bool) error {
	return c.command(ctx, "repeat", on)
}

// SetSingle sets single mode (repeat single song).
func (c *Client) SetSingle(ctx context.Context, on bool) error {
	return c.command(ctx, "single", on)
}

// SetConsume sets consume mode.
func (c *Client) SetConsume(ctx context.Context, on bool) error {
	return c.command(ctx, "consume", on)
}

// Add appends a URI to the queue.
func (c *Client) Add(ctx context.Context, uri string) error {
	if err := c.command(ctx, "add", uri); err != nil {
		return fmt.Errorf("failed to add %s: %w", uri, err)
	}
	return nil
}

// AddAll appends every URI in one command list.
func (c *Client) AddAll(ctx context.Context, uris ...string) error {
	if len(uris) == 0 {
		return nil
	}
	if _, err := c.run(ctx, addBatch(uris)); err != nil {
		return fmt.Errorf("failed to add %d URIs: %w", len(uris), err)
	}
	return nil
}

// ReplaceQueue clears the queue, adds uris and, when play is set, starts
// the first one, all in one command list.
func (c *Client) ReplaceQueue(ctx context.Context, play bool, uris ...string) error {
	b := protocol.NewBatch(protocol.New("clear"))
	b.Append(addBatch(uris))
	if play && len(uris) > 0 {
		b.Add(protocol.New("play", 0))
	}
	if _, err := c.run(ctx, b); err != nil {
		return fmt.Errorf("failed to replace queue: %w", err)
	}
	return nil
}

func addBatch(uris []string) *protocol.Batch {
	b := protocol.NewBatch()
	for _, uri := range uris {
		b.Add(protocol.New("add", uri))
	}
	return b
}

// AddID inserts a URI at pos, or appends it when pos is negative, and
// returns the new queue id.
func (c *Client) AddID(ctx context.Context, uri string, pos int) (int, error) {
	cmd := protocol.New("addid", uri)
	if pos >= 0 {
		cmd = protocol.New("addid", uri, pos)
	}
	resp, err := c.run(ctx, protocol.NewBatch(cmd))
	if err != nil {
		return -1, fmt.Errorf("failed to add %s: %w", uri, err)
	}
	attrs, err := resp.Attrs()
	if err != nil {
		return -1, err
	}
	id, err := strconv.Atoi(attrs["Id"])
	if err != nil {
		return -1, &protocol.ProtocolError{Line: "Id: " + attrs["Id"], Err: err}
	}
	return id, nil
}

// Move moves the entry at from to position to.
func (c *Client) Move(ctx context.Context, from, to int) error {
	return c.command(ctx, "move", from, to)
}

// Delete removes the entry at pos.
func (c *Client) Delete(ctx context.Context, pos int) error {
	return c.command(ctx, "delete", pos)
}

// DeleteID removes the entry with the given queue id.
func (c *Client) DeleteID(ctx context.Context, id int) error {
	return c.command(ctx, "deleteid", id)
}

// Clear clears the current queue.
func (c *Client) Clear(ctx context.Context) error {
	return c.command(ctx, "clear")
}

// Find returns the library tracks matching every tag/value pair, e.g.
// Find(ctx, "album", "Kind of Blue", "albumartist", "Miles Davis").
func (c *Client) Find(ctx context.Context, tag, value string, more ...string) ([]*music.Music, error) {
	if len(more)%2 != 0 {
		return nil, fmt.Errorf("find: odd number of tag/value arguments")
	}
	args := []any{tag, value}
	for _, s := range more {
		args = append(args, s)
	}
	resp, err := c.run(ctx, protocol.NewBatch(protocol.New("find", args...)))
	if err != nil {
		return nil, fmt.Errorf("failed to find %s %q: %w", tag, value, err)
	}
	list, err := music.NewList(resp.Lines)
	if err != nil {
		return nil, err
	}
	return list.All()
}

// Albums lists the albums of artist. With Listing.UseAlbumArtist both the
// AlbumArtist and the Artist listings are fetched in one round trip and
// merged, AlbumArtist entries first.
func (c *Client) Albums(ctx context.Context, artist string) ([]music.Album, error) {
	cfg := c.cfg.Listing

	if !cfg.UseAlbumArtist {
		resp, err := c.run(ctx, protocol.NewBatch(protocol.New("list", "album", "artist", artist)))
		if err != nil {
			return nil, fmt.Errorf("failed to list albums: %w", err)
		}
		albums, err := music.ParseAlbums(resp.Lines, artist, false)
		if err != nil {
			return nil, err
		}
		music.SortAlbums(albums, cfg)
		return albums, nil
	}

	b := protocol.NewBatch(
		protocol.New("list", "album", "albumartist", artist),
		protocol.New("list", "album", "artist", artist),
	)
	parts, err := Submit(ctx, c, func(ctx context.Context) ([]protocol.Response, error) {
		return c.cmd.ExecuteSeparated(ctx, b)
	}).Await(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list albums: %w", err)
	}

	byAlbumArtist, err := music.ParseAlbums(parts[0].Lines, artist, true)
	if err != nil {
		return nil, err
	}
	byArtist, err := music.ParseAlbums(parts[1].Lines, artist, false)
	if err != nil {
		return nil, err
	}
	albums := music.MergeAlbums(byAlbumArtist, byArtist)
	music.SortAlbums(albums, cfg)
	return albums, nil
}

// Artists lists artists, by AlbumArtist when the listing config asks for it.
func (c *Client) Artists(ctx context.Context) ([]music.Artist, error) {
	tag := "Artist"
	if c.cfg.Listing.UseAlbumArtist {
		tag = "AlbumArtist"
	}
	resp, err := c.run(ctx, protocol.NewBatch(protocol.New("list", tag)))
	if err != nil {
		return nil, fmt.Errorf("failed to list artists: %w", err)
	}
	artists, err := music.ParseArtists(resp.Lines, tag)
	if err != nil {
		return nil, err
	}
	music.SortArtists(artists, c.cfg.Listing)
	return artists, nil
}

// ListInfo lists the directories, tracks and playlists under path.
func (c *Client) ListInfo(ctx context.Context, path string) ([]music.FullPath, error) {
	var arg any
	if path != "" {
		arg = path
	}
	resp, err := c.run(ctx, protocol.NewBatch(protocol.New("lsinfo", arg)))
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", path, err)
	}
	return music.ParseEntries(resp.Lines)
}

// UpdateDB starts a database update below path and returns the job id. An
// update already running is not an error; the job id is then -1.
func (c *Client) UpdateDB(ctx context.Context, path string) (int, error) {
	var arg any
	if path != "" {
		arg = path
	}
	cmd := protocol.New("update", arg).WithNonFatal(protocol.AckUpdateAlready)
	resp, err := c.run(ctx, protocol.NewBatch(cmd))
	if err != nil {
		return -1, fmt.Errorf("failed to update database: %w", err)
	}
	attrs, err := resp.Attrs()
	if err != nil {
		return -1, err
	}
	job, err := strconv.Atoi(attrs["updating_db"])
	if err != nil {
		return -1, nil
	}
	return job, nil
}

// QueueSnapshot waits for a valid queue mirror and returns a copy of it.
func (c *Client) QueueSnapshot(ctx context.Context) ([]*music.Music, error) {
	if err := c.queue.WaitValid(ctx); err != nil {
		return nil, err
	}
	return c.queue.Snapshot(), nil
}
