package fills

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled by the outer server
		return true
	},
}

// Hub fans diff messages out to websocket subscribers, routed by market
// key. Late joiners receive the current checkpoint on subscribe.
type Hub struct {
	log *zap.SugaredLogger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	inbound    chan Message

	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
	nextID      int
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:         log,
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		inbound:     make(chan Message, 4096),
		checkpoints: make(map[string]*Checkpoint),
	}
}

// Publish hands one engine message to the hub.
func (h *Hub) Publish(msg Message) {
	h.inbound <- msg
}

// LoadCheckpoints seeds the resync cache, e.g. from the pebble store.
func (h *Hub) LoadCheckpoints(cps []*Checkpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cp := range cps {
		h.checkpoints[cp.Market] = cp
	}
}

// Checkpoint returns the latest stored checkpoint for a market.
func (h *Hub) Checkpoint(marketKey string) *Checkpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.checkpoints[marketKey]
}

func marketKeyOf(msg *Message) string {
	switch msg.Kind {
	case KindFill:
		return msg.Fill.MarketKey
	case KindHead:
		return msg.Head.MarketKey
	case KindCheckpoint:
		return msg.Checkpoint.Market
	case KindL2:
		return msg.L2.MarketKey
	case KindL3:
		return msg.L3.MarketKey
	}
	return ""
}

type wireMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func encodeMessage(msg *Message) ([]byte, error) {
	var w wireMessage
	switch msg.Kind {
	case KindFill:
		w = wireMessage{Type: "fill", Data: msg.Fill}
	case KindHead:
		w = wireMessage{Type: "head", Data: msg.Head}
	case KindCheckpoint:
		w = wireMessage{Type: "checkpoint", Data: msg.Checkpoint}
	case KindL2:
		w = wireMessage{Type: "l2", Data: msg.L2}
	case KindL3:
		w = wireMessage{Type: "l3", Data: msg.L3}
	default:
		return nil, fmt.Errorf("unknown message kind %d", msg.Kind)
	}
	return json.Marshal(w)
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Infow("ws client connected", "client", client.id, "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Infow("ws client disconnected", "client", client.id, "total", len(h.clients))
			}

		case msg := <-h.inbound:
			if msg.Kind == KindCheckpoint {
				h.mu.Lock()
				h.checkpoints[msg.Checkpoint.Market] = msg.Checkpoint
				h.mu.Unlock()
			}
			key := marketKeyOf(&msg)
			raw, err := encodeMessage(&msg)
			if err != nil {
				h.log.Warnw("encode error", "err", err)
				continue
			}
			for client := range h.clients {
				if !client.isSubscribed(key) {
					continue
				}
				select {
				case client.send <- raw:
				default:
					// buffer full: drop the client, it can resync from
					// the next checkpoint
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]bool
}

type subscribeRequest struct {
	Op      string   `json:"op"` // "subscribe" | "unsubscribe"
	Markets []string `json:"markets"`
}

func (c *Client) isSubscribed(marketKey string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[marketKey]
}

// HandleWebSocket upgrades the HTTP request and runs the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("ws upgrade failed", "err", err)
		return
	}
	h.mu.Lock()
	h.nextID++
	id := fmt.Sprintf("c%d", h.nextID)
	h.mu.Unlock()

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            id,
		subscriptions: make(map[string]bool),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		switch req.Op {
		case "subscribe":
			c.subsMu.Lock()
			for _, m := range req.Markets {
				c.subscriptions[m] = true
			}
			c.subsMu.Unlock()
			// resync: send the current checkpoint for each new market
			for _, m := range req.Markets {
				if cp := c.hub.Checkpoint(m); cp != nil {
					raw, err := encodeMessage(&Message{Kind: KindCheckpoint, Checkpoint: cp})
					if err == nil {
						select {
						case c.send <- raw:
						default:
						}
					}
				}
			}
		case "unsubscribe":
			c.subsMu.Lock()
			for _, m := range req.Markets {
				delete(c.subscriptions, m)
			}
			c.subsMu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
