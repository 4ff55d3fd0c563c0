// Package mpd is the logical MPD client: a command connection driven by a
// single worker, an idle connection for change notification and the
// synchronized queue mirror.
package mpd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/music"
	"github.com/edumarques81/stellar-mpdsync/internal/domain/queue"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/conn"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/idle"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/protocol"
)

var (
	// ErrClosed is returned for work submitted to, or pending on, a closed
	// client.
	ErrClosed = errors.New("mpd client closed")

	// ErrNotConnected is returned for work submitted before Connect.
	ErrNotConnected = errors.New("mpd client not connected")
)

const updateBuffer = 16

// Config configures a Client.
type Config struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`

	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MaxConnectAttempts int           `mapstructure:"max_connect_attempts"`
	MaxCommandAttempts int           `mapstructure:"max_command_attempts"`

	Listing music.ListingConfig `mapstructure:"listing"`

	Logger *zerolog.Logger `mapstructure:"-"`
}

func (cfg Config) connOptions(logger *zerolog.Logger) conn.Options {
	return conn.Options{
		Address:            cfg.Address,
		Password:           cfg.Password,
		ConnectTimeout:     cfg.ConnectTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		RetryDelay:         cfg.RetryDelay,
		MaxCommandAttempts: cfg.MaxCommandAttempts,
		Logger:             logger,
	}
}

// Update is published after an idle wake-up has been handled. Status and
// Stats are set when the wake-up asked for them.
type Update struct {
	Changes   idle.Change
	Synthetic bool
	Status    *music.Status
	Stats     *music.Statistics
	Err       error
}

// Client is one logical MPD client.
type Client struct {
	id      string
	cfg     Config
	logger  zerolog.Logger
	cmd     *conn.Connection
	idle    *idle.Channel
	queue   *queue.Sync
	updates chan Update

	mu      sync.Mutex
	pending []task
	started bool
	closed  bool
	cancel  context.CancelFunc

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(cfg Config) *Client {
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	id := uuid.NewString()
	logger := base.With().Str("client", id).Logger()

	cmdLogger := logger.With().Str("channel", "command").Logger()
	c := &Client{
		id:      id,
		cfg:     cfg,
		logger:  logger,
		cmd:     conn.New(cfg.connOptions(&cmdLogger)),
		idle:    idle.New(cfg.connOptions(&logger)),
		updates: make(chan Update, updateBuffer),
		wake:    make(chan struct{}, 1),
	}
	c.queue = queue.New(source{c}, &logger)
	return c
}

// ID identifies the client in logs.
func (c *Client) ID() string { return c.id }

// Address is the configured server address.
func (c *Client) Address() string { return c.cmd.Address() }

// Connected reports whether the command connection is up.
func (c *Client) Connected() bool { return c.cmd.State() == conn.Connected }

// Version is the server protocol version.
func (c *Client) Version() protocol.Version { return c.cmd.Version() }

// Queue is the synchronized queue mirror.
func (c *Client) Queue() *queue.Sync { return c.queue }

// Updates delivers one Update per handled wake-up, starting with the
// initial synchronization. It is closed by Close. Updates are dropped when
// the buffer is full.
func (c *Client) Updates() <-chan Update { return c.updates }

// Connect opens the command connection and starts the worker and the idle
// loop. A failed Connect leaves nothing running.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}

	c.logger.Info().Str("addr", c.cmd.Address()).Msg("Connecting to MPD")
	if err := c.cmd.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MPD: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true

	c.wg.Add(3)
	go c.worker(runCtx)
	go func() {
		defer c.wg.Done()
		if err := c.idle.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Idle loop stopped")
		}
	}()
	go c.watch(runCtx)
	return nil
}

// Close fails pending work with ErrClosed, stops both connections and
// invalidates the queue mirror.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	cancel := c.cancel
	c.mu.Unlock()

	for _, t := range pending {
		t.fail(ErrClosed)
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	err := c.cmd.Disconnect()
	c.queue.Invalidate()
	close(c.updates)
	c.logger.Info().Int("cancelled", len(pending)).Msg("MPD client closed")
	return err
}

func (c *Client) watch(ctx context.Context) {
	defer c.wg.Done()

	c.handle(ctx, idle.Event{Changes: idle.ChangeQueue | idle.ChangeStatus | idle.ChangeStats})
	for ev := range c.idle.Events() {
		c.handle(ctx, ev)
	}
}

func (c *Client) handle(ctx context.Context, ev idle.Event) {
	upd, err := Submit(ctx, c, func(ctx context.Context) (Update, error) {
		upd := Update{Changes: ev.Changes, Synthetic: ev.Synthetic}

		if ev.Changes&(idle.ChangeQueue|idle.ChangeStatus) != 0 {
			st, err := c.status(ctx)
			if err != nil {
				return upd, err
			}
			upd.Status = &st

			if ev.Changes.Has(idle.ChangeQueue) {
				if err := c.queue.Refresh(ctx, st.PlaylistVersion); err != nil {
					return upd, err
				}
			}
		}
		if ev.Changes.Has(idle.ChangeStats) {
			stats, err := c.stats(ctx)
			if err != nil {
				return upd, err
			}
			upd.Stats = &stats
		}
		return upd, nil
	}).Await(ctx)

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return
		}
		c.logger.Warn().Err(err).Str("changes", ev.Changes.String()).Msg("Failed to handle MPD change")
		upd = Update{Changes: ev.Changes, Synthetic: ev.Synthetic, Err: err}
	}

	select {
	case c.updates <- upd:
	default:
		c.logger.Debug().Str("changes", ev.Changes.String()).Msg("Update dropped, no reader")
	}
}

// source feeds the queue mirror from the command connection. It runs
// inside worker tasks.
type source struct{ c *Client }

func (s source) FullQueue(ctx context.Context) (music.Status, []*music.Music, error) {
	return s.c.statusWithListing(ctx, protocol.New("playlistinfo"))
}

func (s source) QueueChanges(ctx context.Context, since int) (music.Status, []*music.Music, error) {
	return s.c.statusWithListing(ctx, protocol.New("plchanges", since))
}

func (c *Client) statusWithListing(ctx context.Context, listing protocol.Command) (music.Status, []*music.Music, error) {
	parts, err := c.cmd.ExecuteSeparated(ctx, protocol.NewBatch(protocol.New("status"), listing))
	if err != nil {
		return music.Status{}, nil, err
	}
	attrs, err := parts[0].Attrs()
	if err != nil {
		return music.Status{}, nil, err
	}
	list, err := music.NewList(parts[1].Lines)
	if err != nil {
		return music.Status{}, nil, err
	}
	entries, err := list.All()
	if err != nil {
		return music.Status{}, nil, err
	}
	return music.ParseStatus(attrs), entries, nil
}
