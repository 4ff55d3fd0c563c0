package player

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/music"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd"
)

// Service handles player operations.
type Service struct {
	mpd *mpd.Client
}

// NewService creates a new player service.
func NewService(mpdClient *mpd.Client) *Service {
	return &Service{
		mpd: mpdClient,
	}
}

// State returns the current player state.
func (s *Service) State(ctx context.Context) (State, error) {
	status, err := s.mpd.Status(ctx)
	if err != nil {
		return State{}, err
	}

	song, err := s.mpd.CurrentSong(ctx)
	if err != nil {
		// Not fatal - might not have a song playing
		log.Debug().Err(err).Msg("Failed to get current song")
		song = nil
	}
	return FromMPD(status, song), nil
}

// GetState returns the current player state in Volumio-compatible format.
func (s *Service) GetState(ctx context.Context) (map[string]interface{}, error) {
	state, err := s.State(ctx)
	if err != nil {
		return nil, err
	}
	return state.ToJSON(), nil
}

// GetQueue returns the synchronized queue in Volumio-compatible format. It
// waits until the queue mirror is valid.
func (s *Service) GetQueue(ctx context.Context) ([]map[string]interface{}, error) {
	entries, err := s.mpd.QueueSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue not available: %w", err)
	}

	queue := make([]map[string]interface{}, len(entries))
	for i, m := range entries {
		queue[i] = QueueItem(m)
	}
	return queue, nil
}

// Play starts playback at the given position, or resumes if pos < 0.
func (s *Service) Play(ctx context.Context, pos int) error {
	log.Info().Int("position", pos).Msg("Play")
	return s.mpd.Play(ctx, pos)
}

// Pause pauses playback.
func (s *Service) Pause(ctx context.Context) error {
	log.Info().Msg("Pause")
	return s.mpd.Pause(ctx, true)
}

// Toggle pauses when playing and resumes otherwise.
func (s *Service) Toggle(ctx context.Context) error {
	status, err := s.mpd.Status(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("from", status.State).Msg("Toggle")
	if status.Playing() {
		return s.mpd.Pause(ctx, true)
	}
	return s.mpd.Play(ctx, -1)
}

// Stop stops playback.
func (s *Service) Stop(ctx context.Context) error {
	log.Info().Msg("Stop")
	return s.mpd.Stop(ctx)
}

// Next plays the next track.
func (s *Service) Next(ctx context.Context) error {
	log.Info().Msg("Next")
	return s.mpd.Next(ctx)
}

// Previous plays the previous track.
func (s *Service) Previous(ctx context.Context) error {
	log.Info().Msg("Previous")
	return s.mpd.Previous(ctx)
}

// Seek seeks to position in seconds.
func (s *Service) Seek(ctx context.Context, pos int) error {
	log.Info().Int("position", pos).Msg("Seek")
	return s.mpd.Seek(ctx, pos)
}

// SetVolume sets the volume (0-100).
func (s *Service) SetVolume(ctx context.Context, vol int) error {
	log.Info().Int("volume", vol).Msg("SetVolume")
	return s.mpd.SetVolume(ctx, vol)
}

// SetRandom sets shuffle/random mode.
func (s *Service) SetRandom(ctx context.Context, on bool) error {
	log.Info().Bool("random", on).Msg("SetRandom")
	return s.mpd.SetRandom(ctx, on)
}

// SetRepeat sets repeat mode.
func (s *Service) SetRepeat(ctx context.Context, on, single bool) error {
	log.Info().Bool("repeat", on).Bool("single", single).Msg("SetRepeat")
	if err := s.mpd.SetRepeat(ctx, on); err != nil {
		return err
	}
	return s.mpd.SetSingle(ctx, single)
}

// ClearQueue clears the queue.
func (s *Service) ClearQueue(ctx context.Context) error {
	log.Info().Msg("ClearQueue")
	return s.mpd.Clear(ctx)
}

// AddToQueue adds a URI to the queue.
func (s *Service) AddToQueue(ctx context.Context, uri string) error {
	log.Info().Str("uri", uri).Msg("AddToQueue")
	return s.mpd.Add(ctx, uri)
}

// AddAndPlay appends uri and starts playing it.
func (s *Service) AddAndPlay(ctx context.Context, uri string) error {
	log.Info().Str("uri", uri).Msg("AddAndPlay")
	id, err := s.mpd.AddID(ctx, uri, -1)
	if err != nil {
		return err
	}
	return s.mpd.PlayID(ctx, id)
}

// InsertNext inserts uri right after the current track, or at the end when
// nothing is playing.
func (s *Service) InsertNext(ctx context.Context, uri string) error {
	status, err := s.mpd.Status(ctx)
	if err != nil {
		return err
	}
	pos := -1
	if status.Song >= 0 {
		pos = status.Song + 1
	}
	log.Info().Str("uri", uri).Int("position", pos).Msg("InsertNext")
	_, err = s.mpd.AddID(ctx, uri, pos)
	return err
}

// MoveQueueItem moves the queue entry at from to position to.
func (s *Service) MoveQueueItem(ctx context.Context, from, to int) error {
	log.Info().Int("from", from).Int("to", to).Msg("MoveQueueItem")
	return s.mpd.Move(ctx, from, to)
}

// RemoveQueueItem removes the queue entry at pos.
func (s *Service) RemoveQueueItem(ctx context.Context, pos int) error {
	log.Info().Int("position", pos).Msg("RemoveQueueItem")
	return s.mpd.Delete(ctx, pos)
}

// ReplaceAndPlay replaces the queue with uri and starts playback. A
// directory is expanded to the audio files directly inside it.
func (s *Service) ReplaceAndPlay(ctx context.Context, uri string) error {
	log.Info().Str("uri", uri).Msg("ReplaceAndPlay")

	uri = LibraryPath(uri)
	uris := []string{uri}
	if !isAudioFile(uri) && !strings.Contains(uri, "://") {
		entries, err := s.mpd.ListInfo(ctx, uri)
		if err != nil {
			return err
		}
		uris = uris[:0]
		for _, e := range entries {
			if m, ok := e.(*music.Music); ok && isAudioFile(m.File) {
				uris = append(uris, m.File)
			}
		}
		if len(uris) == 0 {
			return fmt.Errorf("no audio files in %q", uri)
		}
	}

	return s.mpd.ReplaceQueue(ctx, true, uris...)
}

// LibraryPrefix is the Volumio uri prefix of library browse entries.
const LibraryPrefix = "music-library"

// Browse lists a library directory as Volumio browse items.
func (s *Service) Browse(ctx context.Context, uri string) ([]map[string]interface{}, error) {
	entries, err := s.mpd.ListInfo(ctx, LibraryPath(uri))
	if err != nil {
		return nil, err
	}

	items := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		item := map[string]interface{}{
			"service": "mpd",
			"uri":     LibraryPrefix + "/" + e.FullPath(),
		}
		switch v := e.(type) {
		case *music.Music:
			item["type"] = "song"
			item["title"] = v.DisplayTitle()
			item["artist"] = v.DisplayArtist()
			item["album"] = v.Album
			item["uri"] = v.File
		case music.Directory:
			item["type"] = "folder"
			item["title"] = path.Base(v.Path)
		case music.PlaylistFile:
			item["type"] = "playlist"
			item["title"] = path.Base(v.Path)
		}
		items = append(items, item)
	}
	return items, nil
}

// LibraryPath strips the Volumio library prefix from a browse uri.
func LibraryPath(uri string) string {
	return strings.Trim(strings.TrimPrefix(uri, LibraryPrefix), "/")
}

var audioExtensions = map[string]bool{
	".flac": true, ".mp3": true, ".wav": true, ".aiff": true, ".aif": true,
	".ogg": true, ".m4a": true, ".aac": true, ".wma": true,
	".dsf": true, ".dff": true, ".dsd": true,
	".ape": true, ".wv": true, ".mpc": true, ".opus": true, ".alac": true,
}

func isAudioFile(uri string) bool {
	return audioExtensions[strings.ToLower(path.Ext(uri))]
}
