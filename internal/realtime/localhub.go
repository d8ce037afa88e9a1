package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LocalHub is an in-process websocket fan-out used when no managed hub is
// configured. Clients connect to /ws and receive every event as JSON.
type LocalHub struct {
	register   chan *hubClient
	unregister chan *hubClient
	events     chan []byte
	clients    map[*hubClient]bool
	done       chan struct{}
}

type hubClient struct {
	hub  *LocalHub
	conn *websocket.Conn
	send chan []byte
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		events:     make(chan []byte, 256),
		clients:    make(map[*hubClient]bool),
		done:       make(chan struct{}),
	}
}

// Run owns the client set; it exits when ctx is canceled.
func (h *LocalHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			log.Debug().Int("clients", len(h.clients)).Msg("hub client connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				log.Debug().Int("clients", len(h.clients)).Msg("hub client disconnected")
			}
		case msg := <-h.events:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client: drop this event, keep the connection.
				}
			}
		}
	}
}

// Broadcast enqueues one event for fan-out. It never blocks the caller; if
// the hub queue is full the event is dropped.
func (h *LocalHub) Broadcast(_ context.Context, target string, payload any) error {
	msg, err := json.Marshal(message{Target: target, Arguments: []any{payload}})
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %w", target, err)
	}
	select {
	case h.events <- msg:
		return nil
	case <-h.done:
		return fmt.Errorf("realtime: hub stopped")
	default:
		return fmt.Errorf("realtime: hub queue full, dropped %s", target)
	}
}

// ServeWS upgrades an HTTP request to a hub subscription.
func (h *LocalHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &hubClient{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
