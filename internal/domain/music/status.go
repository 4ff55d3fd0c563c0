package music

import (
	"strconv"
	"strings"
	"time"

	"github.com/fhs/gompd/v2/mpd"
)

// Player states reported in status.
const (
	StatePlay  = "play"
	StatePause = "pause"
	StateStop  = "stop"
)

// Status is a snapshot of the status reply. Integer fields the server did
// not report are -1.
type Status struct {
	Volume  int
	Repeat  bool
	Random  bool
	Consume bool
	// Single is "0", "1" or "oneshot".
	Single string

	PlaylistVersion int
	PlaylistLength  int

	State      string
	Song       int
	SongID     int
	NextSong   int
	NextSongID int
	Elapsed    time.Duration
	Duration   time.Duration

	Bitrate     int
	AudioFormat string
	Crossfade   int
	UpdatingDB  int
	Error       string
}

// ParseStatus decodes a status reply.
func ParseStatus(a mpd.Attrs) Status {
	s := Status{
		Volume:          intOr(a["volume"], -1),
		Repeat:          a["repeat"] == "1",
		Random:          a["random"] == "1",
		Consume:         a["consume"] == "1",
		Single:          a["single"],
		PlaylistVersion: intOr(a["playlist"], -1),
		PlaylistLength:  intOr(a["playlistlength"], 0),
		State:           a["state"],
		Song:            intOr(a["song"], -1),
		SongID:          intOr(a["songid"], -1),
		NextSong:        intOr(a["nextsong"], -1),
		NextSongID:      intOr(a["nextsongid"], -1),
		Bitrate:         intOr(a["bitrate"], 0),
		AudioFormat:     a["audio"],
		Crossfade:       intOr(a["xfade"], 0),
		UpdatingDB:      intOr(a["updating_db"], -1),
		Error:           a["error"],
	}
	if s.State == "" {
		s.State = StateStop
	}
	if s.Single == "" {
		s.Single = "0"
	}

	if f, err := strconv.ParseFloat(a["elapsed"], 64); err == nil {
		s.Elapsed = seconds(f)
	}
	if f, err := strconv.ParseFloat(a["duration"], 64); err == nil {
		s.Duration = seconds(f)
	} else if elapsed, total, ok := strings.Cut(a["time"], ":"); ok {
		// pre 0.20 servers only send "time: elapsed:total"
		if s.Elapsed == 0 {
			s.Elapsed = time.Duration(intOr(elapsed, 0)) * time.Second
		}
		s.Duration = time.Duration(intOr(total, 0)) * time.Second
	}
	return s
}

// Playing reports whether playback is active.
func (s Status) Playing() bool { return s.State == StatePlay }

// RepeatSingle reports whether the current track repeats.
func (s Status) RepeatSingle() bool { return s.Single == "1" }

// Updating reports whether a database update job is running.
func (s Status) Updating() bool { return s.UpdatingDB >= 0 }

// Audio splits the "samplerate:bits:channels" audio field.
func (s Status) Audio() (sampleRate, bits, channels string) {
	parts := strings.SplitN(s.AudioFormat, ":", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}

// Statistics is the stats reply.
type Statistics struct {
	Artists    int
	Albums     int
	Songs      int
	Uptime     time.Duration
	Playtime   time.Duration
	DBPlaytime time.Duration
	DBUpdate   time.Time
}

// ParseStatistics decodes a stats reply.
func ParseStatistics(a mpd.Attrs) Statistics {
	st := Statistics{
		Artists:    intOr(a["artists"], 0),
		Albums:     intOr(a["albums"], 0),
		Songs:      intOr(a["songs"], 0),
		Uptime:     time.Duration(intOr(a["uptime"], 0)) * time.Second,
		Playtime:   time.Duration(intOr(a["playtime"], 0)) * time.Second,
		DBPlaytime: time.Duration(intOr(a["db_playtime"], 0)) * time.Second,
	}
	if ts, err := strconv.ParseInt(a["db_update"], 10, 64); err == nil && ts > 0 {
		st.DBUpdate = time.Unix(ts, 0)
	}
	return st
}
