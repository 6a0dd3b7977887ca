package whale

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ClientQueueSize bounds each client's outbound queue. A slow reader drops
// its own oldest messages; it never blocks the hub or other clients.
const ClientQueueSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected stream consumer with its own bounded queue.
type Client struct {
	send chan []byte
}

// Hub fans every signal out to all registered clients, FIFO per client.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	dropped uint64
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		log:     log.With().Str("component", "whale.hub").Logger(),
	}
}

// Register adds a client and returns it. Callers must Unregister when done.
func (h *Hub) Register() *Client {
	c := &Client{send: make(chan []byte, ClientQueueSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Int("clients", n).Msg("whale stream client connected")
	return c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Int("clients", n).Msg("whale stream client disconnected")
}

// Broadcast enqueues the message on every client. A full queue drops that
// client's oldest message to make room.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			select {
			case <-c.send:
				h.dropped++
				h.log.Warn().Uint64("total_dropped", h.dropped).Msg("slow client queue overflow, dropped oldest")
			default:
			}
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}

// ClientCount is used by health reporting.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Receive exposes the client's queue for the write pump and for tests.
func (c *Client) Receive() <-chan []byte {
	return c.send
}

// ServeWS upgrades the HTTP request and pumps the client's queue onto the
// socket until either side goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := h.Register()

	// Reader: we only push, but reads surface disconnects.
	go func() {
		defer h.Unregister(client)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for msg := range client.send {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()
}
