package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/btouchard/teamsphere/internal/auth"
	"github.com/btouchard/teamsphere/internal/presence"
)

// conn is one websocket client.
type conn struct {
	hub    *Hub
	handle presence.Handle
	ws     *websocket.Conn

	// send is never closed; writePump exits on done.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Token identity, set at upgrade time.
	identity      auth.Identity
	authenticated bool
}

func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionGone
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionGone
	default:
		return ErrSendBufferFull
	}
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump handles inbound frames one at a time, in arrival order.
func (c *conn) readPump() {
	defer c.hub.wg.Done()
	defer func() {
		c.shutdown()
		c.hub.remove(c)
		_ = c.ws.Close()
	}()

	cfg := c.hub.cfg
	if cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(cfg.MaxMessageSize)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("websocket read failed", "handle", string(c.handle), "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.hub.route(c, data)

		// Any frame proves the peer alive, not only pongs.
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	}
}

// writePump drains the send queue and keeps the peer alive with pings.
func (c *conn) writePump() {
	defer c.hub.wg.Done()

	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PongTimeout * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("websocket write failed", "handle", string(c.handle), "error", err)
				c.shutdown()
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			// Unblock the reader when the hub is closing.
			_ = c.ws.SetReadDeadline(time.Now().Add(time.Second))
			return
		}
	}
}
