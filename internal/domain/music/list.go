package music

import (
	"fmt"

	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/protocol"
)

// List is a lazy view over a track listing. Entry boundaries are found up
// front; an entry is decoded only when At asks for it.
type List struct {
	lines  []string
	ranges []protocol.Range
}

// NewList splits lines into entries on the leading key.
func NewList(lines []string) (*List, error) {
	ranges, err := protocol.RangesByLeadingKey(lines)
	if err != nil {
		return nil, err
	}
	return &List{lines: lines, ranges: ranges}, nil
}

// Len is the number of entries.
func (l *List) Len() int { return len(l.ranges) }

// At decodes entry i.
func (l *List) At(i int) (*Music, error) {
	if i < 0 || i >= len(l.ranges) {
		return nil, fmt.Errorf("music list index %d out of range [0,%d)", i, len(l.ranges))
	}
	r := l.ranges[i]
	return Parse(l.lines[r.Start:r.End])
}

// All decodes every entry.
func (l *List) All() ([]*Music, error) {
	out := make([]*Music, 0, len(l.ranges))
	for i := range l.ranges {
		m, err := l.At(i)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
