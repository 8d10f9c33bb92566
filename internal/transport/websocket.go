package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebSocket is a Transport backed by a single outbound client connection.
// It runs the same read-pump/write-pump split as a server-side fan-out
// manager, narrowed to one connection with no broadcast.
type WebSocket struct {
	conn   *websocket.Conn
	send   chan []byte
	recv   chan []byte
	closed chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket opens a client connection to url and starts its pumps.
func DialWebSocket(ctx context.Context, url string, headers http.Header) (*WebSocket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newWebSocket(conn), nil
}

func newWebSocket(conn *websocket.Conn) *WebSocket {
	w := &WebSocket{
		conn:   conn,
		send:   make(chan []byte, 256),
		recv:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	go w.readPump()
	go w.writePump()
	return w
}

func (w *WebSocket) readPump() {
	defer close(w.recv)
	defer w.closeConn()

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case w.recv <- msg:
		case <-w.closed:
			return
		}
	}
}

func (w *WebSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer w.closeConn()

	for {
		select {
		case msg, ok := <-w.send:
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.closed:
			return
		}
	}
}

func (w *WebSocket) Send(ctx context.Context, msg []byte) error {
	select {
	case w.send <- msg:
		return nil
	case <-w.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-w.recv:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-w.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *WebSocket) closeConn() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.closeErr = w.conn.Close()
	})
}

func (w *WebSocket) Close() error {
	w.closeConn()
	return w.closeErr
}
