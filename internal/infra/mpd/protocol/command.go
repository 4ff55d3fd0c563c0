// Package protocol implements the wire level pieces of the MPD text protocol:
// command encoding, command list batching, reply splitting and the error
// taxonomy shared by the connection layer.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Verbs that mutate the queue or move the player. Resending one of these
// after a dropped connection could apply it twice.
var nonRetryable = map[string]struct{}{
	"add":            {},
	"addid":          {},
	"move":           {},
	"moveid":         {},
	"delete":         {},
	"deleteid":       {},
	"next":           {},
	"previous":       {},
	"playlistadd":    {},
	"playlistmove":   {},
	"playlistdelete": {},
}

// Command is a single rendered protocol command.
type Command struct {
	Verb     string
	text     string
	nonFatal map[int]struct{}
}

// New renders verb and args into a command. Nil arguments are omitted, every
// other argument is quoted.
func New(verb string, args ...any) Command {
	var b strings.Builder
	b.Grow(len(verb) + 1 + 8*len(args))
	b.WriteString(verb)
	for _, arg := range args {
		if arg == nil {
			continue
		}
		if p, ok := arg.(*string); ok && p == nil {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(Quote(argString(arg)))
	}
	b.WriteByte('\n')
	return Command{Verb: verb, text: b.String()}
}

func argString(arg any) string {
	switch v := arg.(type) {
	case string:
		return v
	case *string:
		return *v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Quote wraps s in double quotes, escaping backslashes and quotes.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// WithNonFatal returns a copy of c for which the given ACK codes are treated
// as an empty successful reply.
func (c Command) WithNonFatal(codes ...int) Command {
	set := make(map[int]struct{}, len(c.nonFatal)+len(codes))
	for code := range c.nonFatal {
		set[code] = struct{}{}
	}
	for _, code := range codes {
		set[code] = struct{}{}
	}
	c.nonFatal = set
	return c
}

// IsNonFatal reports whether an ACK with code is tolerated for c.
func (c Command) IsNonFatal(code int) bool {
	_, ok := c.nonFatal[code]
	return ok
}

// Retryable reports whether c may be resent after a transport failure.
func (c Command) Retryable() bool {
	_, deny := nonRetryable[c.Verb]
	return !deny
}

// String returns the wire text including the trailing newline.
func (c Command) String() string { return c.text }

// Len is the rendered length in bytes.
func (c Command) Len() int { return len(c.text) }
