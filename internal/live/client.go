package live

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"onix_miner/internal/types"
)

// Client is one live connection. userID is guarded by the hub mutex.
type Client struct {
	ID string

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64
}

type inbound struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("live: read %s: %v", c.ID, err)
			}
			return
		}
		c.handle(message)
	}
}

func (c *Client) handle(message []byte) {
	var msg inbound
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.enqueue(c, types.ErrorMessage{Type: types.MessageError, Error: "bad message"})
		return
	}
	switch msg.Type {
	case types.MessageAuth:
		c.hub.authenticate(c, msg.Token)
	case "ping":
		c.hub.enqueue(c, map[string]string{"type": "pong"})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
