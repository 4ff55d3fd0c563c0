package socketio

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zishang520/socket.io/servers/socket/v3"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/player"
)

// VolumioHandlers handles Volumio Connect app compatibility events.
type VolumioHandlers struct {
	playerService *player.Service
	server        *Server
}

// NewVolumioHandlers creates a new VolumioHandlers instance.
func NewVolumioHandlers(playerSvc *player.Service, server *Server) *VolumioHandlers {
	return &VolumioHandlers{
		playerService: playerSvc,
		server:        server,
	}
}

// RegisterHandlers registers all Volumio-specific Socket.IO event handlers.
func (h *VolumioHandlers) RegisterHandlers(client *socket.Socket) {
	clientID := string(client.Id())

	h.registerPlayerHandlers(client, clientID)
	h.registerQueueHandlers(client, clientID)
	h.registerBrowseHandlers(client, clientID)
}

func (h *VolumioHandlers) registerPlayerHandlers(client *socket.Socket, clientID string) {
	// toggle - Play/pause toggle (commonly used by Volumio Connect apps)
	client.On("toggle", func(args ...any) {
		log.Debug().Str("id", clientID).Msg("toggle")
		h.server.run(client, "Toggle", h.playerService.Toggle)
	})
}

func (h *VolumioHandlers) registerQueueHandlers(client *socket.Socket, clientID string) {
	// addPlay - Add to queue and play immediately
	client.On("addPlay", func(args ...any) {
		log.Debug().Str("id", clientID).Interface("data", args).Msg("addPlay")
		if uri := uriArg(args); uri != "" {
			h.server.run(client, "AddPlay", func(ctx context.Context) error {
				return h.playerService.AddAndPlay(ctx, uri)
			})
		}
	})

	// replaceAndPlay - Replace the queue with a track or folder
	client.On("replaceAndPlay", func(args ...any) {
		log.Debug().Str("id", clientID).Interface("data", args).Msg("replaceAndPlay")
		if uri := uriArg(args); uri != "" {
			h.server.run(client, "ReplaceAndPlay", func(ctx context.Context) error {
				return h.playerService.ReplaceAndPlay(ctx, uri)
			})
		}
	})

	// playNext / addToQueueNext - Insert as next track
	client.On("playNext", func(args ...any) {
		h.handlePlayNext(client, args, clientID)
	})
	client.On("addToQueueNext", func(args ...any) {
		h.handlePlayNext(client, args, clientID)
	})

	// moveQueue - Reorder queue items
	client.On("moveQueue", func(args ...any) {
		log.Debug().Str("id", clientID).Interface("data", args).Msg("moveQueue")
		if len(args) == 0 {
			return
		}
		m, ok := args[0].(map[string]interface{})
		if !ok {
			return
		}
		from := getIntFromMap(m, "from", -1)
		to := getIntFromMap(m, "to", -1)
		if from < 0 || to < 0 {
			return
		}
		h.server.run(client, "MoveQueue", func(ctx context.Context) error {
			return h.playerService.MoveQueueItem(ctx, from, to)
		})
	})

	// removeFromQueue - Remove item from queue
	client.On("removeFromQueue", func(args ...any) {
		log.Debug().Str("id", clientID).Interface("data", args).Msg("removeFromQueue")
		pos := queuePosition(args)
		if pos < 0 {
			return
		}
		h.server.run(client, "RemoveFromQueue", func(ctx context.Context) error {
			return h.playerService.RemoveQueueItem(ctx, pos)
		})
	})
}

func (h *VolumioHandlers) registerBrowseHandlers(client *socket.Socket, clientID string) {
	client.On("getBrowseSources", func(args ...any) {
		log.Debug().Str("id", clientID).Msg("getBrowseSources")
		client.Emit("pushBrowseSources", []map[string]interface{}{
			{
				"name":        "Music Library",
				"uri":         player.LibraryPrefix,
				"plugin_type": "music_service",
				"plugin_name": "mpd",
			},
		})
	})

	client.On("browseLibrary", func(args ...any) {
		log.Debug().Str("id", clientID).Interface("data", args).Msg("browseLibrary")
		uri := uriArg(args)
		h.server.run(client, "BrowseLibrary", func(ctx context.Context) error {
			items, err := h.playerService.Browse(ctx, uri)
			if err != nil {
				return err
			}
			client.Emit("pushBrowseLibrary", browseResponse(uri, items))
			return nil
		})
	})
}

// handlePlayNext handles the playNext/addToQueueNext event.
func (h *VolumioHandlers) handlePlayNext(client *socket.Socket, args []any, clientID string) {
	log.Debug().Str("id", clientID).Interface("data", args).Msg("playNext")
	if uri := uriArg(args); uri != "" {
		h.server.run(client, "PlayNext", func(ctx context.Context) error {
			return h.playerService.InsertNext(ctx, uri)
		})
	}
}

func browseResponse(uri string, items []map[string]interface{}) map[string]interface{} {
	prev := ""
	if path := player.LibraryPath(uri); path != "" {
		prev = player.LibraryPrefix
		if i := strings.LastIndexByte(path, '/'); i >= 0 {
			prev += "/" + path[:i]
		}
	}
	return map[string]interface{}{
		"navigation": map[string]interface{}{
			"prev":  map[string]interface{}{"uri": prev},
			"lists": []interface{}{map[string]interface{}{"availableListViews": []string{"list"}, "items": items}},
		},
	}
}

// queuePosition accepts a bare number or {"value"|"position": n}.
func queuePosition(args []any) int {
	if len(args) == 0 {
		return -1
	}
	switch v := args[0].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case map[string]interface{}:
		if pos := getIntFromMap(v, "value", -1); pos >= 0 {
			return pos
		}
		return getIntFromMap(v, "position", -1)
	}
	return -1
}

// getIntFromMap safely extracts an integer from a map.
func getIntFromMap(m map[string]interface{}, key string, defaultVal int) int {
	if m == nil {
		return defaultVal
	}
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case int64:
		return int(v)
	}
	return defaultVal
}
