package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const greetingPrefix = "OK MPD "

// Version is the protocol version announced in the server greeting.
type Version [3]int

// ParseGreeting parses "OK MPD <major>.<minor>.<patch>".
func ParseGreeting(line string) (Version, error) {
	var v Version
	if !strings.HasPrefix(line, greetingPrefix) {
		return v, &ProtocolError{Line: line, Err: errors.New("unexpected greeting")}
	}
	parts := strings.Split(strings.TrimSpace(line[len(greetingPrefix):]), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return v, &ProtocolError{Line: line, Err: errors.New("malformed version")}
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, &ProtocolError{Line: line, Err: errors.New("malformed version")}
		}
		v[i] = n
	}
	return v, nil
}

// AtLeast reports whether v >= major.minor.patch.
func (v Version) AtLeast(major, minor, patch int) bool {
	other := Version{major, minor, patch}
	for i := range v {
		if v[i] != other[i] {
			return v[i] > other[i]
		}
	}
	return true
}

// UTF8 reports whether the server speaks UTF-8. Servers older than 0.10
// use a legacy 8-bit encoding.
func (v Version) UTF8() bool {
	return v.AtLeast(0, 10, 0)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}
