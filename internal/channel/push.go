package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PushConn is an open push connection. *websocket.Conn satisfies it.
type PushConn interface {
	// ReadMessage blocks until a message arrives or the connection fails.
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// PushDialer opens push connections.
type PushDialer interface {
	Dial(ctx context.Context) (PushConn, error)
}

// DialerFunc adapts a function to PushDialer.
type DialerFunc func(ctx context.Context) (PushConn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (PushConn, error) { return f(ctx) }

// WebSocketDialer dials a WebSocket push endpoint.
type WebSocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header

	// ReadTimeout is how long the connection may stay silent before reads
	// fail. Pings are sent at 9/10 of it and every pong extends it. Zero
	// disables the deadline.
	ReadTimeout time.Duration
}

// Dial performs the WebSocket handshake. The handshake is bounded by both
// ctx and HandshakeTimeout.
func (d WebSocketDialer) Dial(ctx context.Context) (PushConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if d.ReadTimeout <= 0 {
		return conn, nil
	}
	return newKeepaliveConn(conn, d.ReadTimeout), nil
}

// keepaliveConn pings the server and fails reads once neither a message nor
// a pong has arrived within the read timeout.
type keepaliveConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func newKeepaliveConn(conn *websocket.Conn, readTimeout time.Duration) *keepaliveConn {
	k := &keepaliveConn{
		conn:        conn,
		readTimeout: readTimeout,
		stop:        make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go k.pingLoop(readTimeout * 9 / 10)
	return k
}

func (k *keepaliveConn) ReadMessage() (int, []byte, error) {
	messageType, data, err := k.conn.ReadMessage()
	if err == nil {
		_ = k.conn.SetReadDeadline(time.Now().Add(k.readTimeout))
	}
	return messageType, data, err
}

func (k *keepaliveConn) Close() error {
	k.stopOnce.Do(func() { close(k.stop) })
	return k.conn.Close()
}

func (k *keepaliveConn) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with ReadMessage.
			if err := k.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(period)); err != nil {
				return
			}
		}
	}
}
