package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn is one websocket client. Reads happen on the goroutine running
// Manager.Serve; every write goes through the writer goroutine so Send never
// blocks on the network.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

func newConn(ws *websocket.Conn, queue int, log *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
		log:  log.With("conn", id),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Send queues msg for the writer. A full queue is reported as a failed write.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the writer, which closes the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump(ping, writeTimeout time.Duration) {
	defer func() {
		if err := c.ws.Close(); err != nil {
			c.log.Debug("failed to close socket", "err", err)
		}
	}()
	t := time.NewTicker(ping)
	defer t.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.log.Debug("failed to write message", "err", err)
				_ = c.Close()
				return
			}
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug("failed to ping", "err", err)
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}
