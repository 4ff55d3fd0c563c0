// Package music holds the values decoded from MPD replies: tracks, queue
// listings, player status, database statistics and album listings.
package music

import (
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/protocol"
)

// FullPath is implemented by entries addressed by a path in the music
// directory: tracks, directories and stored playlist files.
type FullPath interface {
	FullPath() string
}

// Music is one track as reported by the server. Pos and ID are -1 when the
// track is not part of the queue.
type Music struct {
	File         string        `msgpack:"file"`
	Title        string        `msgpack:"title,omitempty"`
	Artist       string        `msgpack:"artist,omitempty"`
	AlbumArtist  string        `msgpack:"album_artist,omitempty"`
	Album        string        `msgpack:"album,omitempty"`
	Genre        string        `msgpack:"genre,omitempty"`
	Date         string        `msgpack:"date,omitempty"`
	Composer     string        `msgpack:"composer,omitempty"`
	Performer    string        `msgpack:"performer,omitempty"`
	Name         string        `msgpack:"name,omitempty"`
	Track        int           `msgpack:"track,omitempty"`
	Disc         int           `msgpack:"disc,omitempty"`
	Duration     time.Duration `msgpack:"duration"`
	Pos          int           `msgpack:"pos"`
	ID           int           `msgpack:"id"`
	LastModified time.Time     `msgpack:"last_modified,omitempty"`
}

// FromAttrs builds a track from one parsed entry.
func FromAttrs(a mpd.Attrs) *Music {
	m := &Music{
		File:        a["file"],
		Title:       a["Title"],
		Artist:      a["Artist"],
		AlbumArtist: a["AlbumArtist"],
		Album:       a["Album"],
		Genre:       a["Genre"],
		Date:        a["Date"],
		Composer:    a["Composer"],
		Performer:   a["Performer"],
		Name:        a["Name"],
		Track:       leadingInt(a["Track"]),
		Disc:        leadingInt(a["Disc"]),
		Pos:         intOr(a["Pos"], -1),
		ID:          intOr(a["Id"], -1),
	}

	if d, err := strconv.ParseFloat(a["duration"], 64); err == nil {
		m.Duration = seconds(d)
	} else if d, err := strconv.Atoi(a["Time"]); err == nil {
		m.Duration = time.Duration(d) * time.Second
	}
	if t, err := time.Parse(time.RFC3339, a["Last-Modified"]); err == nil {
		m.LastModified = t
	}
	return m
}

// Parse builds a track from the lines of a single entry.
func Parse(lines []string) (*Music, error) {
	a, err := protocol.Attrs(lines)
	if err != nil {
		return nil, err
	}
	return FromAttrs(a), nil
}

// FullPath is the file path relative to the music directory, or a URL for
// streams.
func (m *Music) FullPath() string { return m.File }

// Parent is the directory containing the file.
func (m *Music) Parent() string {
	if m.IsStream() {
		return ""
	}
	dir := path.Dir(m.File)
	if dir == "." {
		return ""
	}
	return dir
}

// Filename is the last path element.
func (m *Music) Filename() string {
	return path.Base(m.File)
}

// IsStream reports whether the entry is a URL rather than a library file.
func (m *Music) IsStream() bool {
	return strings.Contains(m.File, "://")
}

// DisplayTitle falls back to the stream name and then the file name when the
// track has no title tag.
func (m *Music) DisplayTitle() string {
	switch {
	case m.Title != "":
		return m.Title
	case m.Name != "":
		return m.Name
	default:
		return strings.TrimSuffix(m.Filename(), path.Ext(m.File))
	}
}

// DisplayArtist prefers the album artist when the artist tag is missing.
func (m *Music) DisplayArtist() string {
	if m.Artist != "" {
		return m.Artist
	}
	return m.AlbumArtist
}

// InQueue reports whether the track carries a queue id.
func (m *Music) InQueue() bool { return m.ID >= 0 }

// msgpack would pick up the methods below on *Music itself.
type wireMusic Music

// MarshalBinary encodes the track with msgpack.
func (m *Music) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal((*wireMusic)(m))
}

// UnmarshalBinary decodes a track produced by MarshalBinary.
func (m *Music) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*wireMusic)(m))
}

// Directory is a directory entry from lsinfo.
type Directory struct {
	Path         string
	LastModified time.Time
}

func (d Directory) FullPath() string { return d.Path }

// PlaylistFile is a stored playlist entry from lsinfo.
type PlaylistFile struct {
	Path         string
	LastModified time.Time
}

func (p PlaylistFile) FullPath() string { return p.Path }

// ParseEntries decodes a mixed lsinfo listing. Lines before the first
// file, directory or playlist key are ignored.
func ParseEntries(lines []string) ([]FullPath, error) {
	ranges, err := protocol.RangesByKeys(lines, "file", "directory", "playlist")
	if err != nil {
		return nil, err
	}

	entries := make([]FullPath, 0, len(ranges))
	for _, r := range ranges {
		block := lines[r.Start:r.End]
		a, err := protocol.Attrs(block)
		if err != nil {
			return nil, err
		}
		key, value, _ := protocol.SplitLine(block[0])
		modified, _ := time.Parse(time.RFC3339, a["Last-Modified"])

		switch key {
		case "file":
			entries = append(entries, FromAttrs(a))
		case "directory":
			entries = append(entries, Directory{Path: value, LastModified: modified})
		case "playlist":
			entries = append(entries, PlaylistFile{Path: value, LastModified: modified})
		}
	}
	return entries, nil
}

func intOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// leadingInt parses "3" and "3/12" alike.
func leadingInt(s string) int {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return intOr(strings.TrimSpace(s), 0)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
