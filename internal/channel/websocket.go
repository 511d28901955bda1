package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	ws "github.com/coder/websocket"
)

const readLimit = 1 << 20

// Conn is one live channel connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a Conn authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// WebSocketDialer dials the push channel over WebSocket, sending the session
// token as a Bearer header on the handshake.
type WebSocketDialer struct {
	HTTPClient *http.Client
}

func (d WebSocketDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(token))

	c, resp, err := ws.Dial(ctx, url, &ws.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	c.SetReadLimit(readLimit)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *ws.Conn
}

// Read returns the next data frame. Binary frames are passed through as-is;
// the dispatcher rejects anything that is not a JSON envelope.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, ws.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close() error {
	return c.conn.Close(ws.StatusNormalClosure, "")
}
