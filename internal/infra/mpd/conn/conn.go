// Package conn owns a single MPD socket: handshake, framing, and the
// reconnect/retry policy for commands sent over it.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"

	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/protocol"
)

var (
	// ErrNotConnected is returned by operations that need an open socket.
	ErrNotConnected = errors.New("mpd: not connected")

	// ErrEmptyBatch is returned when executing a batch without commands.
	ErrEmptyBatch = errors.New("mpd: empty command batch")

	errIdleCanceled = errors.New("idle canceled")
)

type exchange int

const (
	exPlain exchange = iota
	exSeparated
	exIdle
)

// State is the lifecycle state of a Connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Connection is one MPD socket. Exchanges are serialized: a second caller
// waits until the first reply has been read.
type Connection struct {
	opts   Options
	logger zerolog.Logger

	// mu serializes exchanges and state transitions.
	mu sync.Mutex
	rd *bufio.Reader

	// writeMu guards nc, the idle flags and writes to nc; NoIdle and
	// Disconnect take it without mu while another goroutine is blocked
	// reading.
	writeMu sync.Mutex
	nc      net.Conn
	idling  bool
	// noIdle records a NoIdle that arrived before idle was written.
	noIdle bool

	state   atomic.Int32
	version atomic.Pointer[protocol.Version]
}

// New creates a disconnected Connection.
func New(opts Options) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		opts:   opts,
		logger: opts.logger().With().Str("addr", opts.Address).Logger(),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Version is the protocol version from the last greeting.
func (c *Connection) Version() protocol.Version {
	if v := c.version.Load(); v != nil {
		return *v
	}
	return protocol.Version{}
}

// Address is the configured server address.
func (c *Connection) Address() string { return c.opts.Address }

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Connect opens the socket and performs the handshake, retrying a bounded
// number of times.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if c.State() == Connected {
		return nil
	}
	c.setState(Connecting)

	var lastErr error
attempts:
	for attempt := 1; attempt <= c.opts.MaxConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		err := c.dialLocked(ctx)
		if err == nil {
			c.setState(Connected)
			c.logger.Info().Str("version", c.Version().String()).Msg("Connected to MPD")
			return nil
		}
		lastErr = err

		var se *protocol.ServerError
		if errors.As(err, &se) || ctx.Err() != nil {
			break
		}

		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("MPD connect failed")
		if attempt < c.opts.MaxConnectAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			case <-time.After(c.opts.RetryDelay):
			}
		}
	}

	c.setState(Disconnected)
	return &protocol.ConnectionError{Addr: c.opts.Address, Err: lastErr}
}

func (c *Connection) dialLocked(ctx context.Context) error {
	d := net.Dialer{Timeout: c.opts.ConnectTimeout}
	nc, err := d.DialContext(ctx, c.opts.network(), c.opts.Address)
	if err != nil {
		return &protocol.TransportError{Op: "dial", Err: err}
	}

	rd := bufio.NewReader(nc)
	nc.SetReadDeadline(time.Now().Add(c.opts.ConnectTimeout))
	greeting, err := rd.ReadString('\n')
	if err != nil {
		nc.Close()
		return &protocol.TransportError{Op: "greeting", Err: err}
	}
	v, err := protocol.ParseGreeting(strings.TrimRight(greeting, "\r\n"))
	if err != nil {
		nc.Close()
		return err
	}
	nc.SetReadDeadline(time.Time{})

	c.writeMu.Lock()
	c.nc = nc
	c.idling, c.noIdle = false, false
	c.writeMu.Unlock()
	c.rd = rd
	c.version.Store(&v)

	if c.opts.Password != "" {
		b := protocol.NewBatch(protocol.New("password", c.opts.Password))
		if _, err := c.roundTripLocked(ctx, b, exPlain); err != nil {
			c.closeLocked()
			return fmt.Errorf("MPD authentication failed: %w", err)
		}
	}
	return nil
}

// Execute sends batch and returns the reply. Retryable batches are resent
// after transport failures with a reconnect in between; others surface the
// first failure.
func (c *Connection) Execute(ctx context.Context, b *protocol.Batch) (protocol.Response, error) {
	return c.execute(ctx, b, exPlain)
}

// ExecuteSeparated sends batch as a command_list_ok_begin list and returns
// one response per command, in order.
func (c *Connection) ExecuteSeparated(ctx context.Context, b *protocol.Batch) ([]protocol.Response, error) {
	resp, err := c.execute(ctx, b, exSeparated)
	if err != nil {
		return nil, err
	}
	parts := resp.Split()
	for len(parts) < b.Len() {
		parts = append(parts, protocol.Response{})
	}
	return parts, nil
}

func (c *Connection) execute(ctx context.Context, b *protocol.Batch, mode exchange) (protocol.Response, error) {
	if b.Len() == 0 {
		return protocol.Response{}, ErrEmptyBatch
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := 1
	retryable := b.Retryable()
	if retryable {
		attempts = c.opts.MaxCommandAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return protocol.Response{}, err
		}
		if c.State() != Connected {
			if err := c.connectLocked(ctx); err != nil {
				return protocol.Response{}, err
			}
		}

		resp, err := c.roundTripLocked(ctx, b, mode)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			c.closeLocked()
			return protocol.Response{}, ctx.Err()
		}
		if !protocol.IsTransient(err) {
			return protocol.Response{}, err
		}

		lastErr = err
		c.closeLocked()
		c.logger.Warn().
			Err(err).
			Str("command", b.Name()).
			Int("attempt", attempt).
			Bool("retryable", retryable).
			Msg("MPD command failed")
	}
	return protocol.Response{}, lastErr
}

// Idle blocks until the server reports changed subsystems and returns their
// names. NoIdle interrupts it; an interrupted Idle returns whatever changes
// the server had pending, possibly none. The read timeout does not apply.
func (c *Connection) Idle(ctx context.Context, subsystems ...string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Connected {
		return nil, ErrNotConnected
	}

	args := make([]any, len(subsystems))
	for i, s := range subsystems {
		args[i] = s
	}
	b := protocol.NewBatch(protocol.New("idle", args...))
	resp, err := c.roundTripLocked(ctx, b, exIdle)
	c.writeMu.Lock()
	c.idling, c.noIdle = false, false
	c.writeMu.Unlock()
	if errors.Is(err, errIdleCanceled) {
		return nil, nil
	}
	if err != nil {
		var se *protocol.ServerError
		if !errors.As(err, &se) {
			c.closeLocked()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return protocol.Values(resp.Lines, "changed")
}

// NoIdle cancels a pending Idle from another goroutine. Called before the
// idle command went out, it makes the next Idle return immediately.
func (c *Connection) NoIdle() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.nc == nil {
		return ErrNotConnected
	}
	if !c.idling {
		c.noIdle = true
		return nil
	}
	c.idling = false
	if _, err := c.nc.Write([]byte("noidle\n")); err != nil {
		return &protocol.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Disconnect sends a best-effort close and shuts the socket. It may be
// called while another goroutine is blocked on the connection.
func (c *Connection) Disconnect() error {
	c.writeMu.Lock()
	nc := c.nc
	if nc != nil {
		nc.SetWriteDeadline(time.Now().Add(time.Second))
		nc.Write([]byte("close\n"))
		nc.Close()
	}
	c.writeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if nc != nil {
		c.logger.Info().Msg("Disconnected from MPD")
	}
	c.closeLocked()
	return nil
}

func (c *Connection) closeLocked() {
	c.writeMu.Lock()
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	c.idling, c.noIdle = false, false
	c.writeMu.Unlock()
	c.rd = nil
	c.setState(Disconnected)
}

func (c *Connection) roundTripLocked(ctx context.Context, b *protocol.Batch, mode exchange) (protocol.Response, error) {
	text := b.Render()
	if mode == exSeparated {
		text = b.RenderSeparated()
	}

	c.writeMu.Lock()
	nc := c.nc
	c.writeMu.Unlock()
	if nc == nil || c.rd == nil {
		return protocol.Response{}, &protocol.TransportError{Op: "write", Err: ErrNotConnected}
	}

	nc.SetDeadline(c.deadline(ctx, mode))
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.write(text, mode == exIdle); err != nil {
		return protocol.Response{}, err
	}
	return c.readResponseLocked(b)
}

func (c *Connection) deadline(ctx context.Context, mode exchange) time.Time {
	var d time.Time
	if c.opts.ReadTimeout > 0 && mode != exIdle {
		d = time.Now().Add(c.opts.ReadTimeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

func (c *Connection) write(text string, idle bool) error {
	if !c.Version().UTF8() {
		encoded, err := charmap.ISO8859_1.NewEncoder().String(text)
		if err != nil {
			return fmt.Errorf("encode command: %w", err)
		}
		text = encoded
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.nc == nil {
		return &protocol.TransportError{Op: "write", Err: ErrNotConnected}
	}
	if idle {
		if c.noIdle {
			return errIdleCanceled
		}
		c.idling = true
	}
	if _, err := c.nc.Write([]byte(text)); err != nil {
		return &protocol.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Connection) readResponseLocked(b *protocol.Batch) (protocol.Response, error) {
	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			if len(lines) == 0 && line == "" {
				return protocol.Response{}, &protocol.NoResponseError{Command: b.Name(), Err: err}
			}
			c.closeLocked()
			return protocol.Response{}, &protocol.ProtocolError{
				Line: line,
				Err:  fmt.Errorf("%w: %v", protocol.ErrTruncated, err),
			}
		}

		switch {
		case line == "OK":
			return protocol.Response{Lines: lines}, nil
		case strings.HasPrefix(line, "ACK "):
			se, err := protocol.ParseAck(line)
			if err != nil {
				return protocol.Response{}, err
			}
			if cmd, ok := b.At(se.Index); ok && cmd.IsNonFatal(se.Code) {
				c.logger.Debug().Int("code", se.Code).Str("command", se.Command).Msg("Ignoring non-fatal ACK")
				// results of the commands before the ACK stay in place
				return protocol.Response{Lines: lines}, nil
			}
			return protocol.Response{}, se
		}
		lines = append(lines, line)
	}
}

func (c *Connection) readLine() (string, error) {
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return strings.TrimRight(line, "\r\n"), err
	}
	line = strings.TrimRight(line, "\r\n")
	if !c.Version().UTF8() {
		decoded, derr := charmap.ISO8859_1.NewDecoder().String(line)
		if derr == nil {
			line = decoded
		}
	}
	return line, nil
}
