package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512
)

// transport owns one websocket. Frames are queued on send and written by
// writePump; close may be called from any goroutine.
type transport struct {
	id   string
	conn *websocket.Conn

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newTransport(id string, conn *websocket.Conn) *transport {
	return &transport{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// queue hands frame to the writer without blocking. A full buffer means the
// peer is not keeping up and the connection is closed.
func (t *transport) queue(frame []byte) bool {
	select {
	case <-t.closed:
		return false
	default:
	}
	select {
	case t.send <- frame:
		return true
	default:
		t.close()
		return false
	}
}

// close asks writePump to send a close frame and shut the socket, which in
// turn ends the read loop.
func (t *transport) close() {
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// prepareRead applies the read limit and keep-alive deadlines.
func (t *transport) prepareRead() {
	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (t *transport) writePump(messageType int) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.close()
		t.conn.Close()
	}()

	for {
		select {
		case frame := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(messageType, frame); err != nil {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.closed:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
