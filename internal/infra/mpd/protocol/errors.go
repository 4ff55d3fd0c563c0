package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ACK error codes sent by the server.
const (
	AckNotList       = 1
	AckArg           = 2
	AckPassword      = 3
	AckPermission    = 4
	AckUnknown       = 5
	AckNoExist       = 50
	AckPlaylistMax   = 51
	AckSystem        = 52
	AckPlaylistLoad  = 53
	AckUpdateAlready = 54
	AckPlayerSync    = 55
	AckExist         = 56
)

var (
	// ErrNoResponse is matched by NoResponseError via errors.Is.
	ErrNoResponse = errors.New("no response from server")

	// ErrTruncated reports a reply that ended before its terminator.
	ErrTruncated = errors.New("reply ended before terminator")
)

// TransportError is a socket level failure (refused, reset, timeout).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mpd %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NoResponseError is returned when a command was written but not a single
// reply line came back. It is handled as a lost connection.
type NoResponseError struct {
	Command string
	Err     error
}

func (e *NoResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpd %s: %v: %v", e.Command, ErrNoResponse, e.Err)
	}
	return fmt.Sprintf("mpd %s: %v", e.Command, ErrNoResponse)
}

func (e *NoResponseError) Unwrap() error { return e.Err }

func (e *NoResponseError) Is(target error) bool { return target == ErrNoResponse }

// ServerError is a well formed ACK reply.
type ServerError struct {
	Code    int
	Index   int
	Command string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mpd ack [%d@%d] {%s} %s", e.Code, e.Index, e.Command, e.Message)
}

// ProtocolError is a reply that could not be parsed. It is never retried.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("mpd protocol violation: %v", e.Err)
	}
	return fmt.Sprintf("mpd protocol violation: %v: %q", e.Err, e.Line)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectionError is returned when a connection could not be established.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mpd connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport level failure that a
// reconnect may fix.
func IsTransient(err error) bool {
	var te *TransportError
	var nr *NoResponseError
	return errors.As(err, &te) || errors.As(err, &nr)
}

// IsAck reports whether err is a server ACK with the given code.
func IsAck(err error, code int) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}

var ackPattern = regexp.MustCompile(`^ACK \[(\d+)@(\d+)\] \{([^}]*)\} ?(.*)$`)

// ParseAck parses an "ACK [code@index] {command} message" line.
func ParseAck(line string) (*ServerError, error) {
	m := ackPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, &ProtocolError{Line: line, Err: errors.New("malformed ACK")}
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, &ProtocolError{Line: line, Err: err}
	}
	index, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, &ProtocolError{Line: line, Err: err}
	}
	return &ServerError{Code: code, Index: index, Command: m[3], Message: m[4]}, nil
}
