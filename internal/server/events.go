package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// EventHub fans bus events out to websocket clients. Clients that cannot
// keep up are disconnected rather than slowing the bus down.
type EventHub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	unsubscribe func()
}

type wsClient struct {
	send chan plugin.Event
	// dropped is closed when the hub gives up on the client.
	dropped chan struct{}
	once    sync.Once
}

func (c *wsClient) drop() {
	c.once.Do(func() { close(c.dropped) })
}

// NewEventHub creates a hub subscribed to every topic on bus. A nil bus
// yields a hub that never sends anything.
func NewEventHub(bus plugin.EventBus, logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &EventHub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
	if bus != nil {
		h.unsubscribe = bus.SubscribeAll(h.broadcast)
	}
	return h
}

func (h *EventHub) broadcast(_ context.Context, event plugin.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			h.logger.Warn("websocket client too slow, disconnecting")
			delete(h.clients, c)
			c.drop()
		}
	}
}

func (h *EventHub) add() (*wsClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &wsClient{
		send:    make(chan plugin.Event, clientBuffer),
		dropped: make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *EventHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events as JSON messages until
// the client goes away or the hub closes.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	c, ok := h.add()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dropped:
			conn.Close(websocket.StatusGoingAway, "")
			return
		case event := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, event)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

// Close unsubscribes from the bus and disconnects every client.
func (h *EventHub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.drop()
	}
}
