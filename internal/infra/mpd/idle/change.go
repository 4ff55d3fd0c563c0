package idle

import "strings"

// Change is a set of coarse refresh flags derived from idle subsystems.
type Change uint8

const (
	// ChangeStats means database statistics should be re-fetched.
	ChangeStats Change = 1 << iota
	// ChangeQueue means the queue version should be re-checked.
	ChangeQueue
	// ChangeStatus means the player status should be re-fetched.
	ChangeStatus
	// ChangeStoredPlaylists means a stored playlist was modified.
	ChangeStoredPlaylists
)

var subsystemChanges = map[string]Change{
	"database":        ChangeStats,
	"update":          ChangeStats,
	"playlist":        ChangeQueue,
	"player":          ChangeStatus,
	"mixer":           ChangeStatus,
	"output":          ChangeStatus,
	"options":         ChangeStatus,
	"stored_playlist": ChangeStoredPlaylists,
}

// Classify maps subsystem names to change flags. Unknown names are ignored.
func Classify(subsystems []string) Change {
	var c Change
	for _, s := range subsystems {
		c |= subsystemChanges[s]
	}
	return c
}

// Has reports whether every flag in f is set.
func (c Change) Has(f Change) bool {
	return f != 0 && c&f == f
}

func (c Change) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		flag Change
		name string
	}{
		{ChangeStats, "stats"},
		{ChangeQueue, "queue"},
		{ChangeStatus, "status"},
		{ChangeStoredPlaylists, "stored_playlists"},
	} {
		if c&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Event is one idle wake-up.
type Event struct {
	Subsystems []string
	Changes    Change
	// Synthetic is set on the event emitted after the channel reconnected.
	Synthetic bool
}
