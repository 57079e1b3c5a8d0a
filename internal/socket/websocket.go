package socket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultLivenessTimeout  = 60 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// WebsocketDialer opens gorilla/websocket connections.
type WebsocketDialer struct {
	handshakeTimeout time.Duration
	livenessTimeout  time.Duration
	writeTimeout     time.Duration
}

// WebsocketOption configures the WebsocketDialer.
type WebsocketOption func(*WebsocketDialer)

// WithHandshakeTimeout sets the dial handshake timeout.
func WithHandshakeTimeout(d time.Duration) WebsocketOption {
	return func(w *WebsocketDialer) {
		w.handshakeTimeout = d
	}
}

// WithLivenessTimeout sets how long the connection may go without any
// inbound traffic or pong before reads fail.
func WithLivenessTimeout(d time.Duration) WebsocketOption {
	return func(w *WebsocketDialer) {
		w.livenessTimeout = d
	}
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) WebsocketOption {
	return func(w *WebsocketDialer) {
		w.writeTimeout = d
	}
}

// NewWebsocketDialer creates a dialer with the given options.
func NewWebsocketDialer(opts ...WebsocketOption) *WebsocketDialer {
	w := &WebsocketDialer{
		handshakeTimeout: defaultHandshakeTimeout,
		livenessTimeout:  defaultLivenessTimeout,
		writeTimeout:     defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// DialContext implements Dialer.
func (w *WebsocketDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: w.handshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	wc := &wsConn{
		conn:            conn,
		livenessTimeout: w.livenessTimeout,
		writeTimeout:    w.writeTimeout,
	}
	conn.SetReadDeadline(time.Now().Add(w.livenessTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.livenessTimeout))
	})
	return wc, nil
}

// wsConn wraps a gorilla connection. Writes are serialized because the
// underlying connection supports only one concurrent writer.
type wsConn struct {
	conn            *websocket.Conn
	writeMu         sync.Mutex
	livenessTimeout time.Duration
	writeTimeout    time.Duration
}

func (c *wsConn) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	// Any inbound traffic counts as liveness.
	c.conn.SetReadDeadline(time.Now().Add(c.livenessTimeout))
	return data, nil
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
