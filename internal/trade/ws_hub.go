package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sharevault/trading-engine/internal/metrics"
	"github.com/sharevault/trading-engine/internal/model"
)

// Feed message types.
const (
	MsgPriceUpdated = "price_updated"
	MsgOrderSettled = "order_settled"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string `json:"type"`
	SecurityID    string `json:"security_id"`
	Price         string `json:"price,omitempty"`
	PreviousPrice string `json:"previous_price,omitempty"`
	PercentChange string `json:"percent_change,omitempty"`
	Method        string `json:"method,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	Quantity      int64  `json:"quantity,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	At            string `json:"at"`
}

// PriceMessage builds the feed message for a history entry.
func PriceMessage(e model.PriceHistoryEntry) WSMessage {
	return WSMessage{
		Type:          MsgPriceUpdated,
		SecurityID:    e.SecurityID,
		Price:         e.Price.String(),
		PreviousPrice: e.PreviousPrice.String(),
		PercentChange: e.PercentChange.String(),
		Method:        string(e.CalculationMethod),
		At:            e.ComputedAt.Format(time.RFC3339),
	}
}

// SettlementMessage builds the feed message for an applied fill. The seller
// is left out; the feed is public.
func SettlementMessage(ev model.SettlementEvent) WSMessage {
	return WSMessage{
		Type:       MsgOrderSettled,
		SecurityID: ev.SecurityID,
		Price:      ev.Price.String(),
		OrderID:    ev.OrderID,
		Quantity:   ev.Quantity,
		Amount:     ev.Amount.String(),
		Currency:   ev.Currency,
		At:         ev.SettledAt.Format(time.RFC3339),
	}
}

// WSHub fans feed messages out to connected WebSocket clients. Each client
// has its own send queue drained by a writer goroutine, so a slow reader
// never stalls the hub.
type WSHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendQueue  = 64
)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run owns the client set and returns when ctx is done, disconnecting
// every client. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer metrics.WebSocketClients.Set(0)
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				metrics.WebSocketClients.Set(float64(len(h.clients)))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("ws client too slow, disconnecting")
					h.drop(c)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
		}
	}
}

// drop removes c; closing its queue stops the writer, which closes the
// connection.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// Broadcast queues a message for all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Pricing and settlement never wait on the feed.
		slog.Warn("ws broadcast dropped", "type", msg.Type, "security_id", msg.SecurityID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendQueue)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go h.readPump(c)
}

// readPump discards client input and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
