package ws

import (
	"bufio"
	"context"
	"net"

	"github.com/gobwas/ws"
)

// Dial opens a client WebSocket connection to url. Frames the server wrote
// right after the handshake may already sit in the handshake reader; the
// returned conn reads through it so they are not lost.
func Dial(ctx context.Context, url string) (net.Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	if br == nil {
		return conn, nil
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
