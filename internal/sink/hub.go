package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/internal/channel"
	metrics "tickflow/internal/metrics"
	"tickflow/logger"
)

const hubWriteWait = 10 * time.Second

// ObserverRequest is a subscription change sent by an observer over its
// socket. An empty action means subscribe.
type ObserverRequest struct {
	Action         string   `json:"action"`
	InstrumentKeys []string `json:"instrumentKeys"`
	SnakeKeys      []string `json:"instrument_keys"`
}

func (r ObserverRequest) keys() []string {
	raw := r.InstrumentKeys
	if len(raw) == 0 {
		raw = r.SnakeKeys
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// ObserverReply answers an ObserverRequest on the same socket.
type ObserverReply struct {
	Event    string   `json:"event"`
	Keys     []string `json:"keys"`
	Delivery string   `json:"delivery,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// SubscriptionFunc applies an observer request to the streaming session and
// reports how it was delivered.
type SubscriptionFunc func(unsubscribe bool, keys []string) (delivery string, err error)

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans tick batches out to websocket observers. Each client has its
// own send buffer; a client whose buffer is full is disconnected.
type Hub struct {
	upgrader   websocket.Upgrader
	sendBuffer int

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
	apply   SubscriptionFunc
	wg      sync.WaitGroup
	log     *logger.Log
}

func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		clients:    make(map[*hubClient]struct{}),
		log:        logger.GetLogger(),
	}
}

func (h *Hub) Name() string { return "hub" }

// HandleSubscriptions lets observers change the desired set. Without it,
// inbound observer messages are ignored.
func (h *Hub) HandleSubscriptions(fn SubscriptionFunc) {
	h.mu.Lock()
	h.apply = fn
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and registers the observer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, h.sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
	h.log.WithComponent("hub").WithField("remote", r.RemoteAddr).Debug("observer connected")
}

// Write broadcasts the batch to every observer.
func (h *Hub) Write(ctx context.Context, batch channel.TickBatch) error {
	data, err := encodeBatch(batch)
	if err != nil {
		return err
	}

	var slow []*hubClient
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		metrics.EmitDropMetric(h.log, metrics.DropMetricHubClient, "", batch.Topic, "broadcast")
		h.remove(c)
	}
	return nil
}

// Clients returns the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every observer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
	h.wg.Wait()
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (h *Hub) writePump(c *hubClient) {
	defer h.wg.Done()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			// drain so remove's close ends the loop
			for range c.send {
			}
			return
		}
	}
}

// readPump serves observer requests and notices when the observer leaves.
func (h *Hub) readPump(c *hubClient) {
	defer h.wg.Done()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			h.remove(c)
			return
		}
		h.handleRequest(c, data)
	}
}

func (h *Hub) handleRequest(c *hubClient, data []byte) {
	h.mu.RLock()
	apply := h.apply
	h.mu.RUnlock()
	if apply == nil {
		return
	}

	var req ObserverRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.log.WithComponent("hub").WithError(err).Debug("ignoring malformed observer message")
		return
	}

	keys := req.keys()
	reply := ObserverReply{Keys: keys}
	switch req.Action {
	case "", "subscribe":
		reply.Event = "subscribed"
	case "unsubscribe":
		reply.Event = "unsubscribed"
	default:
		reply.Event = "error"
		reply.Error = "unknown action " + req.Action
		h.reply(c, reply)
		return
	}

	if len(keys) == 0 {
		reply.Event = "error"
		reply.Error = "no valid instrument keys"
		h.reply(c, reply)
		return
	}

	delivery, err := apply(req.Action == "unsubscribe", keys)
	if err != nil {
		reply.Event = "error"
		reply.Error = err.Error()
	} else {
		reply.Delivery = delivery
	}
	h.log.WithComponent("hub").WithFields(logger.Fields{
		"event":    reply.Event,
		"keys":     keys,
		"delivery": delivery,
	}).Info("observer subscription request")
	h.reply(c, reply)
}

// reply queues msg for c unless c has gone or its buffer is full.
func (h *Hub) reply(c *hubClient, msg ObserverReply) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
