package web

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
)

// envelope is the frame shape for every UI socket message.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// peer is one connected UI socket. Writes are serialized per peer so
// concurrent broadcasts never interleave frames.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) send(env *envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(env)
}

// Hub fans messages out to every connected UI socket. It also forwards every
// bus event as an event_notification frame so clients see the activity feed
// live.
type Hub struct {
	log      *logging.Logger
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
	subs  map[events.Type]uint64
}

// NewHub creates the hub and subscribes it to the event bus. Pass a nil bus
// to skip event forwarding.
func NewHub(bus *events.Bus, log *logging.Logger) *Hub {
	h := &Hub{
		log: log.With("component", "ws"),
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers: make(map[*peer]struct{}),
		subs:  make(map[events.Type]uint64),
	}
	if bus != nil {
		for _, t := range events.AllTypes() {
			h.subs[t] = bus.Subscribe(t, h.onEvent)
		}
	}
	return h
}

func (h *Hub) onEvent(evt events.Event) {
	h.Broadcast("event_notification", evt)
}

// HandleWS upgrades the connection and holds it open until the client goes
// away. Authentication happens upstream in the middleware chain.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ui socket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := &peer{conn: conn}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	metrics.WSPeers.Set(float64(n))
	h.log.Debug("ui socket connected", "remote", r.RemoteAddr, "peers", n)

	// Drain incoming frames; the UI socket is one-way and the read loop
	// only exists to notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(p)
}

// Broadcast delivers one frame to every connected peer. The peer set is
// copied under the lock and writes happen outside it; peers whose write
// fails are dropped.
func (h *Hub) Broadcast(msgType string, data any) {
	env := &envelope{Type: msgType, Data: data}

	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		targets = append(targets, p)
	}
	h.mu.Unlock()

	for _, p := range targets {
		if err := p.send(env); err != nil {
			h.log.Debug("ui socket write failed, dropping peer", "error", err)
			h.drop(p)
		}
	}
}

// Peers reports the number of connected UI sockets.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	_, present := h.peers[p]
	delete(h.peers, p)
	n := len(h.peers)
	h.mu.Unlock()
	metrics.WSPeers.Set(float64(n))
	if present {
		_ = p.conn.Close()
	}
}

// Close unsubscribes from the bus and closes every peer.
func (h *Hub) Close() {
	if h.bus != nil {
		for t, id := range h.subs {
			h.bus.Unsubscribe(t, id)
		}
	}
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[*peer]struct{})
	h.mu.Unlock()
	for p := range peers {
		_ = p.conn.Close()
	}
}
