package gateway

import (
	"io"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to io.ReadWriteCloser so Session.pump can
// drive it with the exact same bufio-buffered decode loop as a raw TCP
// net.Conn: WSS "reuses same framing inside binary WebSocket messages"
// (spec.md §6), so each WriteMessage/ReadMessage call carries one or more
// whole encoded frames and ordinary byte-stream buffering still applies.
type wsConn struct {
	conn *websocket.Conn
	rest []byte
}

func newWSConn(c *websocket.Conn) *wsConn { return &wsConn{conn: c} }

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.rest) == 0 {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		w.rest = data
	}
	n := copy(p, w.rest)
	w.rest = w.rest[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error { return w.conn.Close() }

var _ io.ReadWriteCloser = (*wsConn)(nil)
