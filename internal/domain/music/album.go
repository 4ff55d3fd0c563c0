package music

import (
	"sort"
	"strings"

	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/protocol"
)

// ListingConfig controls how album and artist listings are built.
type ListingConfig struct {
	// UseAlbumArtist lists by the AlbumArtist tag and merges in albums only
	// known through the Artist tag.
	UseAlbumArtist bool `mapstructure:"use_album_artist"`
	// SortByName sorts listings case-insensitively instead of keeping the
	// server order.
	SortByName bool `mapstructure:"sort_by_name"`
}

// Album is one album of an artist listing.
type Album struct {
	Name   string
	Artist string
	// FromAlbumArtist is set when the album came from an AlbumArtist listing.
	FromAlbumArtist bool
}

// Artist is one entry of an artist listing.
type Artist struct {
	Name string
}

// ParseAlbums reads the Album values of a list reply. Empty names are
// dropped.
func ParseAlbums(lines []string, artist string, fromAlbumArtist bool) ([]Album, error) {
	names, err := protocol.Values(lines, "Album")
	if err != nil {
		return nil, err
	}
	albums := make([]Album, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		albums = append(albums, Album{Name: n, Artist: artist, FromAlbumArtist: fromAlbumArtist})
	}
	return albums, nil
}

// ParseArtists reads the values of key from a list reply.
func ParseArtists(lines []string, key string) ([]Artist, error) {
	names, err := protocol.Values(lines, key)
	if err != nil {
		return nil, err
	}
	artists := make([]Artist, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		artists = append(artists, Artist{Name: n})
	}
	return artists, nil
}

// MergeAlbums appends to first the albums of second whose name is not
// already present. Entries of first always win.
func MergeAlbums(first, second []Album) []Album {
	seen := make(map[string]struct{}, len(first)+len(second))
	merged := make([]Album, 0, len(first)+len(second))
	for _, a := range first {
		seen[a.Name] = struct{}{}
		merged = append(merged, a)
	}
	for _, a := range second {
		if _, dup := seen[a.Name]; dup {
			continue
		}
		seen[a.Name] = struct{}{}
		merged = append(merged, a)
	}
	return merged
}

// SortAlbums orders albums by name when cfg asks for it.
func SortAlbums(albums []Album, cfg ListingConfig) {
	if !cfg.SortByName {
		return
	}
	sort.SliceStable(albums, func(i, j int) bool {
		return strings.ToLower(albums[i].Name) < strings.ToLower(albums[j].Name)
	})
}

// SortArtists orders artists by name when cfg asks for it.
func SortArtists(artists []Artist, cfg ListingConfig) {
	if !cfg.SortByName {
		return
	}
	sort.SliceStable(artists, func(i, j int) bool {
		return strings.ToLower(artists[i].Name) < strings.ToLower(artists[j].Name)
	})
}
