package server

import (
	"bytes"
	"net"
	"strings"
)

// peekSize bounds how far into the request the dispatcher looks for the
// first line.
const peekSize = 4096

// prefixConn re-presents bytes consumed during protocol dispatch as the head
// of the stream: reads drain the held prefix first, then delegate to the
// inner connection. Writes and deadlines pass straight through.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// peekRequestLine reads up to peekSize bytes from conn, extracts the first
// request line, and returns a connection that replays everything read. The
// line is returned without its trailing CRLF. When no newline shows up
// within the window, whatever was read is used for dispatch as-is.
func peekRequestLine(conn net.Conn) (net.Conn, string, error) {
	buf := make([]byte, peekSize)
	total := 0
	for {
		n, err := conn.Read(buf[total:])
		total += n

		if i := bytes.IndexByte(buf[:total], '\n'); i >= 0 {
			line := strings.TrimRight(string(buf[:i]), "\r")
			return &prefixConn{Conn: conn, prefix: buf[:total]}, line, nil
		}
		if err != nil {
			return nil, "", err
		}
		if total == len(buf) {
			return &prefixConn{Conn: conn, prefix: buf[:total]}, string(buf[:total]), nil
		}
	}
}
