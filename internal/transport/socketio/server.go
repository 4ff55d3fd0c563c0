// Package socketio provides the Socket.io server for client communication.
package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/player"
	mpdclient "github.com/edumarques81/stellar-mpdsync/internal/infra/mpd"
)

// Options tunes the Socket.io server.
type Options struct {
	// MaxRemoteClients caps non-loopback clients; 0 disables the cap.
	MaxRemoteClients int           `mapstructure:"max_remote_clients"`
	DebounceWindow   time.Duration `mapstructure:"debounce_window"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
}

func (o Options) withDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 50 * time.Millisecond
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	return o
}

// stateCompareKeys are the pushState fields that decide whether a broadcast
// is needed. Seek is interpolated by the frontend.
var stateCompareKeys = []string{
	"status", "position", "title", "artist", "album", "uri", "duration",
	"volume", "random", "repeat", "repeatSingle", "consume",
	"samplerate", "bitdepth", "stream", "updatingDb", "disableVolumeControl",
}

// Server handles Socket.io connections and events.
type Server struct {
	io            *socket.Server
	playerService *player.Service
	mpdClient     *mpdclient.Client
	opts          Options
	limiter       *ConnectionLimiter

	mu      sync.RWMutex
	clients map[string]*socket.Socket

	stateMu   sync.Mutex
	lastState map[string]interface{}
}

// NewServer creates a new Socket.io server.
func NewServer(playerService *player.Service, mpdClient *mpdclient.Client, opts Options) (*Server, error) {
	opts = opts.withDefaults()

	// Configure Socket.io server options
	sopts := socket.DefaultServerOptions()
	sopts.SetPingTimeout(20 * time.Second)
	sopts.SetPingInterval(25 * time.Second)
	sopts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})

	s := &Server{
		io:            socket.NewServer(nil, sopts),
		playerService: playerService,
		mpdClient:     mpdClient,
		opts:          opts,
		limiter:       NewConnectionLimiter(opts.MaxRemoteClients),
		clients:       make(map[string]*socket.Socket),
	}

	s.setupHandlers()

	return s, nil
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// setupHandlers registers all Socket.io event handlers.
func (s *Server) setupHandlers() {
	volumio := NewVolumioHandlers(s.playerService, s)

	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		clientID := string(client.Id())
		addr := client.Handshake().Address

		log.Info().Str("id", clientID).Str("addr", addr).Msg("Client connected")

		s.mu.Lock()
		s.clients[clientID] = client
		s.mu.Unlock()

		if evicted := s.limiter.Add(clientID, addr); evicted != "" {
			s.evict(evicted)
		}

		// Send initial state after small delay
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.pushState(client)
			s.pushQueue(client)
		}()

		client.On("disconnect", func(args ...any) {
			reason := ""
			if len(args) > 0 {
				if r, ok := args[0].(string); ok {
					reason = r
				}
			}
			log.Info().Str("id", clientID).Str("reason", reason).Msg("Client disconnected")

			s.limiter.Remove(clientID)
			s.mu.Lock()
			delete(s.clients, clientID)
			s.mu.Unlock()
		})

		s.registerPlayerHandlers(client, clientID)
		s.registerQueueHandlers(client, clientID)
		volumio.RegisterHandlers(client)
	})
}

func (s *Server) registerPlayerHandlers(client *socket.Socket, clientID string) {
	client.On("getState", func(args ...any) {
		log.Debug().Str("id", clientID).Msg("getState")
		s.pushState(client)
	})

	client.On("play", func(args ...any) {
		log.Debug().Str("id", clientID).Interface("data", args).Msg("play")

		pos := -1 // Default: resume
		if len(args) > 0 {
			if m, ok := args[0].(map[string]interface{}); ok {
				pos = getIntFromMap(m, "value", -1)
			}
		}
		s.run(client, "Play", func(ctx context.Context) error {
			return s.playerService.Play(ctx, pos)
		})
	})

	client.On("pause", func(args ...any) {
		log.Debug().Str("id", clientID).Msg("pause")
		s.run(client, "Pause", s.playerService.Pause)
	})

	client.On("stop", func(args ...any) {
		log.Debug().Str("id", clientID).Msg("stop")
		s.run(client, "Stop", s.playerService.Stop)
	})

	client.On("next", func(args ...any) {
		log.Debug().Str("id", clientID).Msg("next")
		s.run(client, "Next", s.playerService.Next)
	})

	client.On("prev", func(args ...any) {
		log.Debug().Str("id", clientID).Msg("prev")
		s.run(client, "Previous", s.playerService.Previous)
	})

	client.On("seek", func(args ...any) {
		pos, ok := intArg(args)
		if !ok {
			return
		}
		log.Debug().Str("id", clientID).Int("pos", pos).Msg("seek")
		s.run(client, "Seek", func(ctx context.Context) error {
			return s.playerService.Seek(ctx, pos)
		})
	})

	client.On("volume", func(args ...any) {
		vol, ok := intArg(args)
		if !ok {
			return
		}
		log.Debug().Str("id", clientID).Int("vol", vol).Msg("volume")
		s.run(client, "SetVolume", func(ctx context.Context) error {
			return s.playerService.SetVolume(ctx, vol)
		})
	})

	client.On("setRandom", func(args ...any) {
		log.Debug().Str("id", clientID).Interface("data", args).Msg("setRandom")
		if len(args) > 0 {
			if m, ok := args[0].(map[string]interface{}); ok {
				if v, ok := m["value"].(bool); ok {
					s.run(client, "SetRandom", func(ctx context.Context) error {
						return s.playerService.SetRandom(ctx, v)
					})
				}
			}
		}
	})

	client.On("setRepeat", func(args ...any) {
		log.Debug().Str("id", clientID).Interface("data", args).Msg("setRepeat")
		if len(args) > 0 {
			if m, ok := args[0].(map[string]interface{}); ok {
				repeat, _ := m["value"].(bool)
				single, _ := m["repeatSingle"].(bool)
				s.run(client, "SetRepeat", func(ctx context.Context) error {
					return s.playerService.SetRepeat(ctx, repeat, single)
				})
			}
		}
	})
}

func (s *Server) registerQueueHandlers(client *socket.Socket, clientID string) {
	client.On("getQueue", func(args ...any) {
		log.Debug().Str("id", clientID).Msg("getQueue")
		s.pushQueue(client)
	})

	client.On("clearQueue", func(args ...any) {
		log.Debug().Str("id", clientID).Msg("clearQueue")
		s.run(client, "ClearQueue", s.playerService.ClearQueue)
	})

	client.On("addToQueue", func(args ...any) {
		log.Debug().Str("id", clientID).Interface("data", args).Msg("addToQueue")
		if uri := uriArg(args); uri != "" {
			s.run(client, "AddToQueue", func(ctx context.Context) error {
				return s.playerService.AddToQueue(ctx, uri)
			})
		}
	})
}

// run executes one player command with the command timeout and reports a
// failure back to the requesting client.
func (s *Server) run(client *socket.Socket, name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("command", name).Msg("Command failed")
		client.Emit("pushToastMessage", map[string]interface{}{
			"type":    "error",
			"title":   name,
			"message": err.Error(),
		})
	}
}

func (s *Server) evict(clientID string) {
	s.mu.RLock()
	client := s.clients[clientID]
	s.mu.RUnlock()
	if client == nil {
		return
	}
	log.Info().Str("id", clientID).Msg("Evicting oldest remote client")
	client.Disconnect(true)
}

// pushState sends current state to a client.
func (s *Server) pushState(client *socket.Socket) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()

	state, err := s.playerService.GetState(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get state")
		return
	}
	client.Emit("pushState", state)
}

// pushQueue sends current queue to a client.
func (s *Server) pushQueue(client *socket.Socket) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()

	queue, err := s.playerService.GetQueue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get queue")
		return
	}
	client.Emit("pushQueue", queue)
}

// BroadcastState sends state to all connected clients unless it matches the
// last broadcast.
func (s *Server) BroadcastState() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()

	state, err := s.playerService.GetState(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get state for broadcast")
		return
	}
	if s.isStateSame(state) {
		log.Debug().Msg("State unchanged, broadcast skipped")
		return
	}
	s.saveLastState(state)

	s.io.Emit("pushState", state)

	if log.Debug().Enabled() {
		data, _ := json.Marshal(state)
		log.Debug().RawJSON("state", data).Int("clients", s.Clients()).Msg("Broadcast state")
	}
}

// BroadcastQueue sends queue to all connected clients.
func (s *Server) BroadcastQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()

	queue, err := s.playerService.GetQueue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get queue for broadcast")
		return
	}

	s.io.Emit("pushQueue", queue)
	log.Debug().Int("items", len(queue)).Int("clients", s.Clients()).Msg("Broadcast queue")
}

func (s *Server) saveLastState(state map[string]interface{}) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	s.lastState = make(map[string]interface{}, len(stateCompareKeys))
	for _, k := range stateCompareKeys {
		s.lastState[k] = state[k]
	}
}

func (s *Server) isStateSame(state map[string]interface{}) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.lastState == nil {
		return false
	}
	for _, k := range stateCompareKeys {
		if s.lastState[k] != state[k] {
			return false
		}
	}
	return true
}

// StartWatcher broadcasts state and queue changes published by the MPD
// client until ctx is done or the client is closed.
func (s *Server) StartWatcher(ctx context.Context) {
	debouncer := NewBroadcastDebouncer(s.opts.DebounceWindow, s.BroadcastState, s.BroadcastQueue)
	updates := s.mpdClient.Updates()

	go func() {
		defer debouncer.Stop()
		log.Info().Str("client", s.mpdClient.ID()).Msg("MPD watcher started")
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("MPD watcher stopped")
				return
			case u, ok := <-updates:
				if !ok {
					log.Warn().Msg("MPD update channel closed")
					return
				}
				if u.Err != nil {
					log.Warn().Err(u.Err).Str("changes", u.Changes.String()).Msg("MPD refresh failed")
					continue
				}
				if u.Synthetic {
					log.Info().Msg("MPD idle channel reconnected, resyncing clients")
				}
				log.Debug().Str("changes", u.Changes.String()).Msg("MPD changed")
				debouncer.Trigger(u.Changes)
			}
		}
	}()
}

// ServeHTTP implements http.Handler for the Socket.io server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.io.ServeHandler(nil).ServeHTTP(w, r)
}

// Close closes the Socket.io server.
func (s *Server) Close() error {
	s.io.Close(nil)
	return nil
}

// intArg reads a numeric first argument.
func intArg(args []any) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	switch v := args[0].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// uriArg reads {"uri": ...} from the first argument.
func uriArg(args []any) string {
	if len(args) == 0 {
		return ""
	}
	if m, ok := args[0].(map[string]interface{}); ok {
		if uri, ok := m["uri"].(string); ok {
			return uri
		}
	}
	return ""
}
