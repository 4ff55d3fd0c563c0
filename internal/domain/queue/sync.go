// Package queue keeps a local mirror of the server play queue in step with
// the queue version reported by status, using plchanges diffs where it can
// and full reloads where it must.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/music"
)

// ErrInconsistent reports a diff that left the mirror with holes or
// duplicate ids.
var ErrInconsistent = errors.New("queue mirror inconsistent")

// State of the mirror.
type State int

const (
	Uninitialized State = iota
	Valid
)

func (s State) String() string {
	if s == Valid {
		return "valid"
	}
	return "uninitialized"
}

// Source fetches queue data. Each call must return the status and the
// listing from one atomic exchange.
type Source interface {
	// FullQueue returns status and the whole queue.
	FullQueue(ctx context.Context) (music.Status, []*music.Music, error)
	// QueueChanges returns status and the entries changed since version.
	QueueChanges(ctx context.Context, since int) (music.Status, []*music.Music, error)
}

// Sync is the queue mirror.
type Sync struct {
	src    Source
	logger zerolog.Logger

	// refreshMu serializes refreshes; fetches run outside mu.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	entries []*music.Music
	byID    map[int]*music.Music
	version int
	// gen is bumped by Invalidate so in-flight refreshes are discarded.
	gen uint64

	// gate is open while the mirror is valid.
	gate *Gate
}

// New creates an uninitialized mirror fed by src.
func New(src Source, logger *zerolog.Logger) *Sync {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Sync{
		src:     src,
		logger:  l.With().Str("component", "queue").Logger(),
		byID:    map[int]*music.Music{},
		version: -1,
		gate:    NewGate(),
	}
}

// Refresh brings the mirror to the given queue version. A negative version
// forces a full reload.
func (s *Sync) Refresh(ctx context.Context, version int) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	last, size, gen := s.version, len(s.entries), s.gen
	valid := s.gate.IsOpen()
	s.mu.RUnlock()

	switch {
	case version >= 0 && valid && version == last:
		return nil
	case version < 0 || last < 0 || size == 0 || !valid:
		return s.fullReload(ctx, gen)
	}

	err := s.diff(ctx, last, gen)
	if errors.Is(err, ErrInconsistent) {
		s.logger.Warn().Err(err).Int("since", last).Msg("Queue diff rejected, reloading")
		return s.fullReload(ctx, gen)
	}
	return err
}

func (s *Sync) fullReload(ctx context.Context, gen uint64) error {
	status, entries, err := s.src.FullQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	byID, err := index(entries)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.logger.Debug().Msg("Queue invalidated during reload, discarding")
		return nil
	}
	s.entries = entries
	s.byID = byID
	s.version = status.PlaylistVersion
	s.gate.Open()

	s.logger.Debug().Int("version", s.version).Int("length", len(entries)).Msg("Queue reloaded")
	return nil
}

func (s *Sync) diff(ctx context.Context, since int, gen uint64) error {
	status, changes, err := s.src.QueueChanges(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to fetch queue changes: %w", err)
	}
	if status.PlaylistLength < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInconsistent, status.PlaylistLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil
	}

	entries := make([]*music.Music, status.PlaylistLength)
	copy(entries, s.entries)

	for _, m := range changes {
		if m.Pos < 0 || m.Pos >= len(entries) {
			s.logger.Debug().Int("pos", m.Pos).Int("length", len(entries)).Msg("Skipping out of range queue change")
			continue
		}
		entries[m.Pos] = m
	}

	for pos, m := range entries {
		if m == nil {
			return fmt.Errorf("%w: empty slot at %d", ErrInconsistent, pos)
		}
	}
	byID, err := index(entries)
	if err != nil {
		return err
	}

	s.entries = entries
	s.byID = byID
	s.version = status.PlaylistVersion

	s.logger.Debug().
		Int("since", since).
		Int("version", s.version).
		Int("changes", len(changes)).
		Int("length", len(entries)).
		Msg("Queue diff applied")
	return nil
}

func index(entries []*music.Music) (map[int]*music.Music, error) {
	byID := make(map[int]*music.Music, len(entries))
	for _, m := range entries {
		if m.ID < 0 {
			continue
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrInconsistent, m.ID)
		}
		byID[m.ID] = m
	}
	return byID, nil
}

// Invalidate clears the mirror and closes the validity gate.
func (s *Sync) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.entries = nil
	s.byID = map[int]*music.Music{}
	s.version = -1
	s.gate.Reset()
}

// WaitValid blocks until the mirror holds a full queue.
func (s *Sync) WaitValid(ctx context.Context) error {
	return s.gate.Wait(ctx)
}

// Snapshot returns a copy of the mirror in queue order.
func (s *Sync) Snapshot() []*music.Music {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*music.Music(nil), s.entries...)
}

// At returns the entry at pos.
func (s *Sync) At(pos int) (*music.Music, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos < 0 || pos >= len(s.entries) {
		return nil, false
	}
	return s.entries[pos], true
}

// ByID returns the entry with the given queue id.
func (s *Sync) ByID(id int) (*music.Music, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return m, ok
}

// Len is the mirrored queue length.
func (s *Sync) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Version is the last applied queue version, -1 when unknown.
func (s *Sync) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// State reports whether the mirror is valid.
func (s *Sync) State() State {
	if s.gate.IsOpen() {
		return Valid
	}
	return Uninitialized
}
