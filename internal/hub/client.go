package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"inkroom/internal/auth"
	inet "inkroom/internal/net"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	sendBufferSize = 64
)

// client is one websocket connection in a room. role and guest are owned by
// the room goroutine after the hello handshake.
type client struct {
	id     string
	actor  string
	name   string
	guest  bool
	role   auth.Role
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

func newClient(conn *websocket.Conn, actor, name string, guest bool, role auth.Role, logger *zap.Logger) *client {
	id := uuid.NewString()
	return &client{
		id:     id,
		actor:  actor,
		name:   name,
		guest:  guest,
		role:   role,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: logger.With(zap.String("actor", actor), zap.String("conn", id)),
	}
}

// sendEnvelope queues a frame, dropping it if the client is too slow to
// keep up. Document consistency survives drops: a lagging client re-syncs
// by vector on its next connect.
func (c *client) sendEnvelope(msgType string, payload any) {
	data, err := inet.Encode(msgType, payload)
	if err != nil {
		c.logger.Error("encode failed", zap.Error(err))
		return
	}
	c.sendRaw(data)
}

func (c *client) sendRaw(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame")
	}
}

// readPump reads the hello, registers with the room, then forwards frames
// to the room goroutine until the connection dies.
func (c *client) readPump(rm *room) {
	joined := false
	defer func() {
		if joined {
			select {
			case rm.leave <- c:
			case <-rm.done:
			}
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.logger.Debug("closed before hello", zap.Error(err))
		return
	}
	env, err := inet.DecodeEnvelope(data)
	if err != nil || env.Type != inet.TypeHello {
		c.sendEnvelope(inet.TypeError, inet.ErrorMsg{Code: inet.CodeBadRequest, Message: "expected hello"})
		return
	}
	var hello inet.Hello
	if err := decode(env.Payload, &hello); err != nil {
		c.sendEnvelope(inet.TypeError, inet.ErrorMsg{Code: inet.CodeBadRequest, Message: "malformed hello"})
		return
	}
	select {
	case rm.join <- joinRequest{c: c, vector: hello.Vector}:
		joined = true
	case <-rm.done:
		return
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		env, err := inet.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping frame", zap.Error(err))
			continue
		}
		select {
		case rm.inbound <- inboundMsg{c: c, env: env}:
		case <-rm.done:
			return
		}
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write error", zap.Error(err))
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
