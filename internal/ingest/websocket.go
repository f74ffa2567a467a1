package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"backend-fieldtrack/internal/shared/apperr"
)

const (
	writeWait = 10 * time.Second

	// twice the Pusher activity timeout of 120s
	DefaultReadTimeout = 240 * time.Second
)

// WebSocketSource dials the backend's push endpoint with a bearer token.
type WebSocketSource struct {
	URL    string
	Dialer *websocket.Dialer

	// ReadTimeout is how long a connection may go without any frame before
	// it is considered dead. Pings go out every half of it.
	ReadTimeout time.Duration
}

func NewWebSocketSource(url string) *WebSocketSource {
	return &WebSocketSource{
		URL: url,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		ReadTimeout: DefaultReadTimeout,
	}
}

func (s *WebSocketSource) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := s.Dialer.DialContext(ctx, s.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", apperr.ErrAuthentication, resp.StatusCode)
		}
		return nil, err
	}

	wait := s.ReadTimeout
	if wait <= 0 {
		wait = DefaultReadTimeout
	}
	c := &wsConn{conn: conn, readWait: wait, done: make(chan struct{})}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	go c.keepalive(wait / 2)
	return c, nil
}

type wsConn struct {
	conn     *websocket.Conn
	wmu      sync.Mutex
	readWait time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) keepalive(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Send(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Receive() (Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: envelope: %v", apperr.ErrMalformedPayload, err)
	}
	return msg, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
