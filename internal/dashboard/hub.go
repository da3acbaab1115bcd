package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"hazard-ensemble/internal/metrics"
	"hazard-ensemble/internal/ml"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	broadcastBuffer = 100
	clientBuffer    = 16
	writeWait       = 5 * time.Second
)

// feedClient is one websocket connection. Only its writer goroutine writes
// to conn; events reach it through send.
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *feedClient) writePump() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Msg("Failed to send event to websocket client")
			// closing the connection ends the reader, which unregisters us
			c.conn.Close()
			return
		}
	}
}

// Hub fans ensemble events out to connected websocket clients.
// Publish never blocks; events are dropped while the buffer is full. A
// client that falls behind loses its own events without stalling the others.
type Hub struct {
	upgrader  websocket.Upgrader
	clients   map[*feedClient]bool
	clientsMu sync.Mutex
	broadcast chan ml.Event
	stop      chan struct{}
	stopOnce  sync.Once
	gauge     metrics.MetricsGauge
}

// NewHub creates a hub. gauge tracks the number of connected clients and
// may be nil.
func NewHub(gauge metrics.MetricsGauge) *Hub {
	return &Hub{
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:   make(map[*feedClient]bool),
		broadcast: make(chan ml.Event, broadcastBuffer),
		stop:      make(chan struct{}),
		gauge:     gauge,
	}
}

// Publish queues an event for every client. It has the signature expected
// by ml.WithNotifier.
func (h *Hub) Publish(ev ml.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.stop:
	default:
		log.Debug().Str("type", ev.Type).Msg("Feed buffer full, dropping event")
	}
}

// Run delivers queued events until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case ev := <-h.broadcast:
			h.send(ev)
		case <-h.stop:
			return
		}
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.clientsMu.Lock()
		for client := range h.clients {
			close(client.send)
			client.conn.Close()
		}
		h.clients = make(map[*feedClient]bool)
		h.clientsMu.Unlock()
		h.setGauge(0)
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

func (h *Hub) send(ev ml.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("Failed to marshal event for broadcast")
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			log.Debug().Str("type", ev.Type).Msg("Feed client queue full, dropping event")
		}
	}
}

// serve upgrades the request, sends initial and keeps the client registered
// until it disconnects.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, initial ml.Event) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	client := &feedClient{conn: conn, send: make(chan []byte, clientBuffer)}
	// queued before registration so it is always the first message
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}

	h.clientsMu.Lock()
	select {
	case <-h.stop:
		h.clientsMu.Unlock()
		return
	default:
	}
	h.clients[client] = true
	h.setGauge(len(h.clients))
	h.clientsMu.Unlock()

	go client.writePump()

	log.Debug().Str("remote", r.RemoteAddr).Msg("Feed client connected")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.unregister(client)
}

func (h *Hub) unregister(client *feedClient) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.setGauge(len(h.clients))
}

func (h *Hub) setGauge(n int) {
	if h.gauge != nil {
		h.gauge.Set(float64(n))
	}
}
