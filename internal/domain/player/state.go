// Package player turns MPD status and queue data into the Volumio-style
// maps pushed to clients and wraps playback control.
package player

import (
	"path"
	"strings"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/music"
)

// Status constants for player state
const (
	StatusPlay  = music.StatePlay
	StatusPause = music.StatePause
	StatusStop  = music.StateStop
)

const defaultVolume = 100

// State is the player state pushed to clients. It is a value built from one
// status reply and the current song.
type State struct {
	// Playback state
	Status   string
	Position int // Current position in queue
	Seek     int // Current seek position in milliseconds

	// Track info
	Title      string
	Artist     string
	Album      string
	URI        string
	Duration   int    // Duration in seconds
	TrackType  string // flac, mp3, dsf, etc.
	SampleRate string
	BitDepth   string
	Channels   string
	BitRate    int
	Service    string

	// Playback options
	Random       bool
	Repeat       bool
	RepeatSingle bool
	Consume      bool

	Volume               int
	DisableVolumeControl bool
	Stream               string
	UpdatingDB           bool
}

// NewState creates a stopped player state with default values.
func NewState() State {
	return State{
		Status:  StatusStop,
		Volume:  defaultVolume,
		Service: "mpd",
	}
}

// FromMPD builds the state from a status reply and the current song, which
// may be nil.
func FromMPD(st music.Status, song *music.Music) State {
	s := NewState()

	switch st.State {
	case StatusPlay, StatusPause:
		s.Status = st.State
	}
	if st.Song >= 0 {
		s.Position = st.Song
	}
	s.Seek = int(st.Elapsed.Milliseconds())
	s.Duration = int(st.Duration.Seconds())

	// MPD reports no volume when mixer_type is none
	if st.Volume >= 0 {
		s.Volume = st.Volume
	} else {
		s.DisableVolumeControl = true
	}

	s.Random = st.Random
	s.Repeat = st.Repeat
	s.RepeatSingle = st.RepeatSingle()
	s.Consume = st.Consume
	s.UpdatingDB = st.Updating()
	s.BitRate = st.Bitrate

	if st.AudioFormat != "" {
		s.SampleRate, s.BitDepth, s.Channels = st.Audio()
	}

	if song != nil {
		s.Title = song.DisplayTitle()
		s.Artist = song.DisplayArtist()
		s.Album = song.Album
		s.URI = song.File
		s.TrackType = trackType(song)
		if song.IsStream() {
			s.Stream = song.Name
		}
		if s.Duration == 0 {
			s.Duration = int(song.Duration.Seconds())
		}
	}
	return s
}

// ToJSON returns the state as a map suitable for JSON serialization.
// This matches the Volumio pushState format.
func (s State) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"status":               s.Status,
		"position":             s.Position,
		"seek":                 s.Seek,
		"title":                s.Title,
		"artist":               s.Artist,
		"album":                s.Album,
		"uri":                  s.URI,
		"duration":             s.Duration,
		"trackType":            s.TrackType,
		"samplerate":           s.SampleRate,
		"bitdepth":             s.BitDepth,
		"channels":             s.Channels,
		"bitrate":              s.BitRate,
		"service":              s.Service,
		"random":               s.Random,
		"repeat":               s.Repeat,
		"repeatSingle":         s.RepeatSingle,
		"consume":              s.Consume,
		"volume":               s.Volume,
		"mute":                 false,
		"disableVolumeControl": s.DisableVolumeControl,
		"stream":               s.Stream,
		"updatingDb":           s.UpdatingDB,
		"volatile":             false,
	}
}

// QueueItem converts a queue entry to the Volumio pushQueue item format.
func QueueItem(m *music.Music) map[string]interface{} {
	item := map[string]interface{}{
		"uri":      m.File,
		"title":    m.DisplayTitle(),
		"artist":   m.DisplayArtist(),
		"album":    m.Album,
		"service":  "mpd",
		"position": m.Pos,
		"id":       m.ID,
	}
	if d := int(m.Duration.Seconds()); d > 0 {
		item["duration"] = d
	}
	if t := trackType(m); t != "" {
		item["trackType"] = t
	}
	return item
}

func trackType(m *music.Music) string {
	if m.IsStream() {
		return "webradio"
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(m.File)), ".")
}
