package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Conn is one WebSocket connection. It implements registry.Handle: Send
// enqueues without blocking and Close ends both pumps.
type Conn struct {
	id   string
	ws   *websocket.Conn
	addr string
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, addr string, bufferSize int, log *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:   id,
		ws:   ws,
		addr: addr,
		log:  log.With(zap.String("conn_id", id), zap.String("remote_addr", addr)),
		send: make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues payload for the write pump. It reports false when the
// connection is closed or its buffer is full.
func (c *Conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn("send buffer full; dropping frame")
		return false
	}
}

// Close sends a close frame with code and reason and stops the pumps. Only
// the first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			if !isExpectedCloseError(err) {
				c.log.Debug("write close frame failed", zap.Error(err))
			}
		}
		close(c.done)
	})
}

// release closes the socket itself.
func (c *Conn) release() {
	if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("close socket failed", zap.Error(err))
	}
}

// setupRead applies the read limit and the pong-driven read deadline.
func (c *Conn) setupRead(maxMessageSize int64) {
	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("set initial read deadline failed", zap.Error(err))
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs err at a level matching how expected it is. Every
// read error ends the read loop.
func (c *Conn) handleReadError(err error, maxMessageSize int64) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("frame exceeded maximum size", zap.Int64("limit", maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug("peer closed connection", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Info("websocket read error", zap.Error(err))
	}
}

// writePump drains the send buffer and pings the peer until Close is
// called or a write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.release()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop.
func (c *Conn) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case <-c.done:
		return false
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.writePing()
	}
}

func (c *Conn) writeTextMessage(message []byte) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("set write deadline failed", zap.Error(err))
		return false
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("write message failed", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Conn) writePing() bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("set write deadline for ping failed", zap.Error(err))
		return false
	}
	if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("write ping failed", zap.Error(err))
		}
		return false
	}
	return true
}
