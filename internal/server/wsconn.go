package server

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn adapts an upgraded net.Conn to the connector's frame interface. A
// write mutex serializes outbound frames so concurrent goroutines do not
// interleave frame bytes.
type wsConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func newWSConn(conn net.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// ReadMessage returns the payload of the next data frame. Control frames
// (ping, pong, close) are handled by wsutil; a close frame surfaces as an
// error.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return nil, err
		}
		if op == ws.OpText || op == ws.OpBinary {
			return data, nil
		}
	}
}

// WriteMessage sends a text frame.
func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
