package socketio

import (
	"net/netip"
	"slices"
	"sync"
)

// ConnectionLimiter caps concurrent remote (non-loopback) Socket.IO clients.
// Loopback clients are never limited. When a remote client exceeds the cap,
// the oldest remote client is evicted. A cap of zero or less disables the
// limit.
type ConnectionLimiter struct {
	mu        sync.Mutex
	maxRemote int
	// remote client ids, oldest first
	remote []string
	// every tracked client: id -> loopback
	clients map[string]bool
}

// NewConnectionLimiter creates a limiter allowing maxRemote remote clients.
func NewConnectionLimiter(maxRemote int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxRemote: maxRemote,
		clients:   make(map[string]bool),
	}
}

// Add registers a client connecting from addr (an IP, with or without a
// port) and returns the id of the client it evicts, if any.
func (cl *ConnectionLimiter) Add(clientID, addr string) (evictedID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, ok := cl.clients[clientID]; ok {
		return ""
	}

	loopback := isLoopback(addr)
	cl.clients[clientID] = loopback
	if loopback {
		return ""
	}

	cl.remote = append(cl.remote, clientID)
	if cl.maxRemote <= 0 || len(cl.remote) <= cl.maxRemote {
		return ""
	}

	evictedID = cl.remote[0]
	cl.remote = cl.remote[1:]
	delete(cl.clients, evictedID)
	return evictedID
}

// Remove unregisters a disconnected client.
func (cl *ConnectionLimiter) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	loopback, ok := cl.clients[clientID]
	if !ok {
		return
	}
	delete(cl.clients, clientID)
	if !loopback {
		if i := slices.Index(cl.remote, clientID); i >= 0 {
			cl.remote = slices.Delete(cl.remote, i, i+1)
		}
	}
}

// Remote returns the number of tracked remote clients.
func (cl *ConnectionLimiter) Remote() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.remote)
}

func isLoopback(addr string) bool {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap().IsLoopback()
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return ip.Unmap().IsLoopback()
}
