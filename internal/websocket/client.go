package websocket

import (
	"sync"
	"time"

	"chatsync/internal/models"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one authenticated connection. Its id is the connection handle
// used by the presence and session registries.
type Client struct {
	id       string
	userID   string
	username string
	gateway  *Gateway
	conn     *websocket.Conn
	send     chan []byte

	mu       sync.Mutex
	closed   bool
	selected string
}

func newClient(g *Gateway, conn *websocket.Conn, user *models.User) *Client {
	return &Client{
		id:       uuid.NewString(),
		userID:   user.ID,
		username: user.Username,
		gateway:  g,
		conn:     conn,
		send:     make(chan []byte, g.cfg.SendBuffer),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() string { return c.userID }

func (c *Client) participant() models.Participant {
	return models.Participant{UserID: c.userID, DisplayName: c.username}
}

// enqueue never blocks. A full queue drops data and closes the client; the
// read side then runs the normal disconnect path.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		logger.Warn("Send queue full for connection %s (user %s), closing", c.id, c.userID)
		c.closeLocked()
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) setSelected(conversationID string) {
	c.mu.Lock()
	c.selected = conversationID
	c.mu.Unlock()
}

func (c *Client) isViewing(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected == conversationID
}

func (c *Client) ReadPump() {
	defer func() {
		c.gateway.Unregister(c)
		c.conn.Close()
	}()

	cfg := c.gateway.cfg
	if cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(cfg.MaxMessageBytes)
	}

	// Set read deadline and pong handler for connection health
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		c.gateway.presence.Touch(c.id)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			} else {
				logger.Debug("Connection %s closed: %v", c.id, err)
			}
			break
		}

		c.gateway.presence.Touch(c.id)
		c.gateway.HandleEvent(c, message)
	}
}

func (c *Client) WritePump() {
	cfg := c.gateway.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
