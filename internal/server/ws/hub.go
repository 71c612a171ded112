// Package ws bridges signal bus events to WebSocket clients. Clients receive
// every trade and graduation event by default and may narrow the feed to
// individual tokens.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Frame formats selected with ?format= on the upgrade request.
const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

// feeds maps each bus pattern the hub listens on to the event type it carries.
var feeds = map[string]string{
	domain.ChannelTradePrefix + "*":      "trade",
	domain.ChannelGraduationPrefix + "*": "graduation",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// envelope is the frame sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	TokenID string          `json:"token_id"`
	Payload json.RawMessage `json:"payload"`
}

type event struct {
	tokenID string
	json    []byte
	proto   []byte
}

// subscribeMsg is sent by clients to narrow or widen their feed. An empty
// token set means every token.
type subscribeMsg struct {
	Action string   `json:"action"`
	Tokens []string `json:"tokens"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	format string

	mu     sync.RWMutex
	tokens map[string]bool
}

// Hub fans bus events out to connected clients.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan event
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan event, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run subscribes to the bus and serves clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for pattern, typ := range feeds {
		go h.pump(ctx, pattern, typ)
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n), slog.String("format", c.format))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))

		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(ev.tokenID) {
					continue
				}
				frame := ev.json
				if c.format == FormatProto {
					frame = ev.proto
				}
				if frame == nil {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("dropping message for slow client", slog.String("token_id", ev.tokenID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) pump(ctx context.Context, pattern, typ string) {
	msgs, err := h.bus.Subscribe(ctx, pattern)
	if err != nil {
		h.logger.Error("subscribe failed", slog.String("pattern", pattern), slog.String("error", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("pattern", pattern))
				return
			}
			ev, err := encode(typ, payload)
			if err != nil {
				h.logger.Warn("dropping malformed event", slog.String("type", typ), slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// encode renders payload once per frame format.
func encode(typ string, payload []byte) (event, error) {
	if !gjson.ValidBytes(payload) {
		return event{}, errMalformed
	}
	tokenID := gjson.GetBytes(payload, "token_id").String()
	env := envelope{Type: typ, TokenID: tokenID, Payload: payload}

	js, err := json.Marshal(env)
	if err != nil {
		return event{}, err
	}

	var generic map[string]any
	if err := json.Unmarshal(js, &generic); err != nil {
		return event{}, err
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return event{}, err
	}
	pb, err := proto.Marshal(st)
	if err != nil {
		return event{}, err
	}
	return event{tokenID: tokenID, json: js, proto: pb}, nil
}

var errMalformed = errors.New("ws: event payload is not valid JSON")

// HandleWS upgrades the request and registers the client.
// GET /ws?format=json|proto&token=<id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format != FormatProto {
		format = FormatJSON
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		format: format,
		tokens: make(map[string]bool),
	}
	for _, id := range r.URL.Query()["token"] {
		if id = strings.TrimSpace(id); id != "" {
			c.tokens[id] = true
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) wants(tokenID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens) == 0 || c.tokens[tokenID]
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Tokens {
			c.tokens[id] = true
		}
	case "unsubscribe":
		for _, id := range msg.Tokens {
			delete(c.tokens, id)
		}
	case "reset":
		clear(c.tokens)
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(data, &msg) == nil && msg.Action != "" {
			c.apply(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.format == FormatProto {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msgType, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
