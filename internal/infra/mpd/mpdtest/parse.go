package mpdtest

import (
	"errors"
	"strings"
)

// ParseCommand splits a command line into its verb and unquoted arguments,
// undoing the client side quoting.
func ParseCommand(line string) (string, []string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote, escaped, started := false, false, false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case inQuote && c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
			started = true
		case !inQuote && (c == ' ' || c == '\t'):
			if started {
				tokens = append(tokens, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	if inQuote || escaped {
		return "", nil, errors.New("unterminated quoted argument")
	}
	if started {
		tokens = append(tokens, cur.String())
	}
	if len(tokens) == 0 {
		return "", nil, errors.New("empty command")
	}
	return tokens[0], tokens[1:], nil
}
