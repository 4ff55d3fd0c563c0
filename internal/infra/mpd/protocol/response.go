package protocol

import (
	"errors"
	"strings"

	"github.com/fhs/gompd/v2/mpd"
)

var errNoColon = errors.New("missing key separator")

// Response holds the lines of one reply without its OK terminator.
type Response struct {
	Lines []string
}

// Range is a half-open [Start, End) span of response lines.
type Range struct {
	Start int
	End   int
}

// Len is the number of lines in r.
func (r Range) Len() int { return r.End - r.Start }

// SplitLine splits "key: value" at the first ": ". A bare "key:" is a key
// with an empty value.
func SplitLine(line string) (key, value string, err error) {
	if i := strings.Index(line, ": "); i >= 0 {
		return line[:i], line[i+2:], nil
	}
	if k, ok := strings.CutSuffix(line, ":"); ok && k != "" {
		return k, "", nil
	}
	return "", "", &ProtocolError{Line: line, Err: errNoColon}
}

// RangesByLeadingKey splits lines into blocks. The key of the first line
// opens a block and every later line with that same key opens the next one.
func RangesByLeadingKey(lines []string) ([]Range, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	lead, _, err := SplitLine(lines[0])
	if err != nil {
		return nil, err
	}
	var ranges []Range
	start := 0
	for i := 1; i < len(lines); i++ {
		key, _, err := SplitLine(lines[i])
		if err != nil {
			return nil, err
		}
		if key == lead {
			ranges = append(ranges, Range{Start: start, End: i})
			start = i
		}
	}
	return append(ranges, Range{Start: start, End: len(lines)}), nil
}

// RangesByKeys opens a new block at every line whose key is one of keys.
// Lines before the first opening key are skipped.
func RangesByKeys(lines []string, keys ...string) ([]Range, error) {
	var ranges []Range
	start := -1
	for i, line := range lines {
		key, _, err := SplitLine(line)
		if err != nil {
			return nil, err
		}
		if !contains(keys, key) {
			continue
		}
		if start >= 0 {
			ranges = append(ranges, Range{Start: start, End: i})
		}
		start = i
	}
	if start >= 0 {
		ranges = append(ranges, Range{Start: start, End: len(lines)})
	}
	return ranges, nil
}

// RangesBySeparator splits lines on the separator line, one range per
// sub-command of a separated command list. The separator lines themselves
// are excluded, and a trailing separator does not open an empty range.
func RangesBySeparator(lines []string, separator string) []Range {
	var ranges []Range
	start := 0
	for i, line := range lines {
		if line == separator {
			ranges = append(ranges, Range{Start: start, End: i})
			start = i + 1
		}
	}
	if start < len(lines) {
		ranges = append(ranges, Range{Start: start, End: len(lines)})
	}
	return ranges
}

// Attrs collects key/value lines into a map. Later duplicates win.
func Attrs(lines []string) (mpd.Attrs, error) {
	attrs := make(mpd.Attrs, len(lines))
	for _, line := range lines {
		k, v, err := SplitLine(line)
		if err != nil {
			return nil, err
		}
		attrs[k] = v
	}
	return attrs, nil
}

// Values returns the values of every line with key, compared case-insensitively.
func Values(lines []string, key string) ([]string, error) {
	var out []string
	for _, line := range lines {
		k, v, err := SplitLine(line)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(k, key) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Slice returns the lines covered by r.
func (resp Response) Slice(r Range) []string {
	return resp.Lines[r.Start:r.End]
}

// Attrs is a shortcut for Attrs(resp.Lines).
func (resp Response) Attrs() (mpd.Attrs, error) {
	return Attrs(resp.Lines)
}

// Split splits a separated command list reply into one response per command.
func (resp Response) Split() []Response {
	ranges := RangesBySeparator(resp.Lines, ListOK)
	out := make([]Response, len(ranges))
	for i, r := range ranges {
		out[i] = Response{Lines: resp.Slice(r)}
	}
	return out
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
