// Package idle runs the notification connection: a socket parked in the
// idle command whose wake-ups are turned into change events.
package idle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/conn"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/protocol"
)

const (
	eventBuffer = 16
	maxBackoff  = 30 * time.Second
)

// ErrStopped is returned by Execute once Run has returned.
var ErrStopped = errors.New("idle channel stopped")

type result struct {
	resp protocol.Response
	err  error
}

type request struct {
	ctx   context.Context
	batch *protocol.Batch
	reply chan result
}

type waitResult struct {
	subsystems []string
	err        error
}

// Channel owns the idle connection. Only the goroutine running Run touches
// the socket, apart from the noidle that interrupts a wait.
type Channel struct {
	conn       *conn.Connection
	subsystems []string
	retryDelay time.Duration
	logger     zerolog.Logger

	events   chan Event
	requests chan request
	done     chan struct{}
}

// New creates a channel listening on the given subsystems, or all of them
// when none are named.
func New(opts conn.Options, subsystems ...string) *Channel {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = conn.DefaultRetryDelay
	}
	return &Channel{
		conn:       conn.New(opts),
		subsystems: subsystems,
		retryDelay: retryDelay,
		logger:     logger.With().Str("channel", "idle").Logger(),
		events:     make(chan Event, eventBuffer),
		requests:   make(chan request),
		done:       make(chan struct{}),
	}
}

// Events delivers wake-ups. It is closed when Run returns.
func (ch *Channel) Events() <-chan Event {
	return ch.events
}

// State is the state of the idle connection.
func (ch *Channel) State() conn.State {
	return ch.conn.State()
}

// Execute runs b on the idle socket between two idle waits.
func (ch *Channel) Execute(ctx context.Context, b *protocol.Batch) (protocol.Response, error) {
	req := request{ctx: ctx, batch: b, reply: make(chan result, 1)}
	select {
	case ch.requests <- req:
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	case <-ch.done:
		return protocol.Response{}, ErrStopped
	}

	select {
	case r := <-req.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// Run connects and loops on idle until ctx is canceled. Transport failures
// reconnect this channel only and are followed by one synthetic playlist
// event. An ACK to idle itself ends Run with that error. Run must be called
// once.
func (ch *Channel) Run(ctx context.Context) error {
	defer close(ch.events)
	defer close(ch.done)
	defer ch.conn.Disconnect()

	lost := false
	for {
		if ch.conn.State() != conn.Connected {
			if err := ch.reconnect(ctx); err != nil {
				return err
			}
		}
		if lost {
			ch.logger.Info().Msg("Idle connection restored, forcing queue re-check")
			ch.emit(ctx, Event{
				Subsystems: []string{"playlist"},
				Changes:    ChangeQueue,
				Synthetic:  true,
			})
			lost = false
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if lost, err = ch.waitOnce(ctx); err != nil {
			return err
		}
	}
}

func (ch *Channel) reconnect(ctx context.Context) error {
	delay := ch.retryDelay
	for {
		err := ch.conn.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ch.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Idle connection unavailable")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

// waitOnce parks the socket in idle until a change, a queued request or
// cancellation. It reports whether the connection was lost.
func (ch *Channel) waitOnce(ctx context.Context) (bool, error) {
	res := make(chan waitResult, 1)
	go func() {
		subs, err := ch.conn.Idle(ctx, ch.subsystems...)
		res <- waitResult{subsystems: subs, err: err}
	}()

	select {
	case r := <-res:
		return ch.handle(ctx, r)

	case req := <-ch.requests:
		if err := ch.conn.NoIdle(); err != nil {
			ch.logger.Debug().Err(err).Msg("noidle failed")
		}
		lost, err := ch.handle(ctx, <-res)
		if err != nil {
			req.reply <- result{err: err}
			return false, err
		}
		resp, execErr := ch.conn.Execute(req.ctx, req.batch)
		req.reply <- result{resp: resp, err: execErr}
		return lost, nil

	case <-ctx.Done():
		ch.conn.Disconnect()
		<-res
		return false, nil
	}
}

func (ch *Channel) handle(ctx context.Context, r waitResult) (bool, error) {
	if r.err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		var se *protocol.ServerError
		if errors.As(r.err, &se) {
			ch.logger.Error().Err(r.err).Strs("subsystems", ch.subsystems).Msg("Server rejected idle")
			return false, fmt.Errorf("idle rejected: %w", r.err)
		}
		ch.logger.Warn().Err(r.err).Msg("Idle wait failed, reconnecting")
		ch.conn.Disconnect()
		return true, nil
	}
	if len(r.subsystems) == 0 {
		return false, nil
	}

	ev := Event{Subsystems: r.subsystems, Changes: Classify(r.subsystems)}
	ch.logger.Debug().
		Strs("subsystems", ev.Subsystems).
		Str("changes", ev.Changes.String()).
		Msg("MPD subsystems changed")
	ch.emit(ctx, ev)
	return false, nil
}

func (ch *Channel) emit(ctx context.Context, ev Event) {
	select {
	case ch.events <- ev:
	case <-ctx.Done():
	}
}
