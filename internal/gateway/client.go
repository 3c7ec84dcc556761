package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/felixgeelhaar/aria/internal/session"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long the client has to answer a ping before the
	// connection is considered dead.
	pongWait = 60 * time.Second
	// pingPeriod must stay below pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound frames. Media payloads ride as base64
	// text, so the cap sits well above raw frame sizes.
	maxMessageSize = 1 << 20
	// sendQueueDepth buffers outbound frames between session goroutines and
	// the write pump.
	sendQueueDepth = 256
)

var errConnClosed = errors.New("connection closed")

// wsClient is one upgraded WebSocket connection. The write pump is the only
// goroutine writing to conn; everything else hands frames over through send.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendQueueDepth),
		done: make(chan struct{}),
	}
}

// close releases blocked senders. Safe from any goroutine, any number of
// times.
func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue hands a frame to the write pump. It blocks when the client reads
// slower than sessions produce; a dead connection frees senders through
// done.
func (c *wsClient) enqueue(b []byte) error {
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return errConnClosed
	}
}

func (c *wsClient) sendMessage(msg map[string]interface{}) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *wsClient) sendError(kind, detail string) {
	_ = c.sendMessage(map[string]interface{}{
		"type":   session.MsgError,
		"kind":   kind,
		"detail": detail,
	})
}

// trySend queues without blocking. Used for relayed statuses, which are
// droppable: a client slow enough to fill the buffer is the reason the
// status exists.
func (c *wsClient) trySend(msg map[string]interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	default:
	}
}

// sink adapts the client for session outbound delivery.
func (c *wsClient) sink() session.Sink {
	return func(msg session.Outbound) error {
		return c.sendMessage(encodeOutbound(msg))
	}
}

// writePump drains send onto the transport and keeps the connection alive
// with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever the sessions said on the way down, then the close
// frame.
func (c *wsClient) flush() {
	for {
		select {
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.conn.WriteMessage(websocket.TextMessage, b) != nil {
				return
			}
		default:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
