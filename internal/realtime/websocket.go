package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/haasonsaas/presence/internal/api"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	maxMessageSize          = 1 << 20
)

// WebSocketDialer opens the push channel over a websocket, presenting the
// same bearer credential as REST calls.
type WebSocketDialer struct {
	URL              string
	Tokens           oauth2.TokenSource
	DeviceID         string
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Tokens == nil {
		return nil, fmt.Errorf("%w: no token source", api.ErrUnauthorized)
	}
	tok, err := d.Tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrUnauthorized, err)
	}

	header := http.Header{}
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	if d.DeviceID != "" {
		header.Set(api.DeviceHeader, d.DeviceID)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %d", api.ErrUnauthorized, resp.StatusCode)
		}
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("websocket handshake: %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// ReadMessage returns the next text or binary frame payload.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
