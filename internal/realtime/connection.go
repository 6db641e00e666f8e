package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
)

type connection struct {
	id       string
	hub      *Hub
	socket   *websocket.Conn
	identity Identity
	log      *zap.Logger

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConnection(hub *Hub, conn *websocket.Conn, identity Identity) *connection {
	id := uuid.NewString()
	return &connection{
		id:       id,
		hub:      hub,
		socket:   conn,
		identity: identity,
		log:      hub.log.With(zap.String("conn_id", id), zap.String("user_id", identity.UserID)),
		rooms:    make(map[string]struct{}),
		send:     make(chan []byte, hub.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("unexpected close", zap.Error(err))
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		frame, err := protocol.ParseFrame(payload)
		if err != nil {
			c.log.Warn("invalid frame", zap.Error(err))
			c.hub.fail(c, "", "", syncErrors.ErrBadIntent.WithInternal(err))
			continue
		}
		c.hub.handle(c, frame)
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue never blocks. A connection that cannot keep up is dropped.
func (c *connection) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.log.Warn("dropping backpressure connection")
		go c.close()
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.socket.Close()
		c.hub.unregister(c)
	})
}
