package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/superdarn/timingd/internal/auth"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	// must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	authWait = 10 * time.Second

	maxMessageSize = 8192

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one live event subscriber.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	identity *auth.Identity

	filterMu sync.RWMutex
	filter   map[string]bool // nil receives everything
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// wants reports whether the client subscribed to the card event. Messages
// that are not card events always go out.
func (c *Client) wants(event string) bool {
	if event == "" {
		return true
	}
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return c.filter == nil || c.filter[event]
}

func (c *Client) subscribe(events []string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if len(events) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[string]bool, len(events))
	for _, e := range events {
		c.filter[e] = true
	}
}

// handshake authenticates the first message before any pump runs, so it
// may write to the connection directly.
func (c *Client) handshake() bool {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	var msg ClientMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return false
	}
	if msg.Type != "auth" || msg.Token == "" {
		c.writeDirect(NewMessage(MessageTypeAuthFailed, reason("first message must be an auth message with a token")))
		return false
	}

	id, err := c.hub.authService.ValidateToken(context.Background(), msg.Token, c.remoteAddr(), "")
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.writeDirect(NewMessage(MessageTypeAuthFailed, reason("invalid or expired token")))
		return false
	}

	c.identity = id
	c.writeDirect(NewMessage(MessageTypeAuthSuccess, map[string]any{"permissions": id.Permissions}))
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("actor", id.Name))
	return true
}

func reason(text string) map[string]string {
	return map[string]string{"reason": text}
}

func (c *Client) writeDirect(msg Message) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteJSON(msg)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			c.subscribe(msg.Events)
			c.logger.Debug("WebSocket subscription changed",
				zap.String("remote_addr", c.remoteAddr()),
				zap.Strings("events", msg.Events))
		default:
			c.logger.Debug("Ignoring client message",
				zap.String("remote_addr", c.remoteAddr()),
				zap.String("type", msg.Type))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// coalesce queued messages, one JSON document per line
			n := len(c.send)
			for range n {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// ServeWs upgrades the request. With auth enabled the client joins the hub
// only after its first message authenticates it.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go func() {
		if hub.authService != nil && !client.handshake() {
			conn.Close()
			return
		}
		hub.enter(client)
		go client.writePump()
		client.readPump()
	}()
}
