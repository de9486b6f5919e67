// Package hub fans received bus traffic out to monitor clients.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// DefaultOutBufSize is used by NewClient when the hub has none configured.
const DefaultOutBufSize = 512

type Client struct {
	Name   string
	Out    chan can.Frame
	Closed chan struct{}
	// Filter, when set, selects the frames this client wants.
	Filter func(can.Frame) bool

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Dropped reports frames discarded because Out was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// NewClient builds a client sized by OutBufSize. It is not registered.
func (h *Hub) NewClient(name string) *Client {
	n := h.OutBufSize
	if n <= 0 {
		n = DefaultOutBufSize
	}
	return &Client{Name: name, Out: make(chan can.Frame, n), Closed: make(chan struct{})}
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("monitor_first_client", "client", c.Name)
	}
}

// Remove unregisters a client and closes it; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("monitor_last_client_gone", "client", c.Name)
	}
}

// Broadcast offers a frame to every interested client without blocking.
// A full client either loses the frame or is kicked, per Policy.
func (h *Hub) Broadcast(fr can.Frame) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return
	}
	max, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		if l > max {
			max = l
		}
		sum += l
	}
	metrics.SetQueueDepth(max, sum/len(clients))
	for _, c := range clients {
		if c.Filter != nil && !c.Filter(fr) {
			continue
		}
		select {
		case c.Out <- fr:
			continue
		default:
		}
		c.dropped.Add(1)
		if h.Policy == PolicyKick {
			metrics.IncHubKick()
			logging.L().Warn("monitor_client_kicked", "client", c.Name)
			c.Close() // writer exits, server removes on disconnect
		} else {
			metrics.IncHubDrop()
		}
	}
}

// Snapshot returns a copy of the current client set.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
