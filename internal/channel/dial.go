package channel

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dial connects to the IDE over TCP or a Unix socket.
func Dial(ctx context.Context, network, addr string, opts Options) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s %s: %w", network, addr, err)
	}
	opts.Logger.Log(1, "connected to IDE at %s %s", network, addr)
	return New(conn, opts), nil
}

// DialWebSocket connects to the IDE over a websocket. Each line travels as
// one text message.
func DialWebSocket(ctx context.Context, url string, opts Options) (*Channel, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	opts.Logger.Log(1, "connected to IDE at %s", url)
	return New(NewWebSocketConn(ws), opts), nil
}

// WebSocketConn adapts a websocket connection to Conn.
// A read pump owns the websocket reader, because gorilla connections cannot
// be read again after a read deadline fires; deadlines apply to the pump's
// queue instead.
type WebSocketConn struct {
	ws       *websocket.Conn
	messages chan []byte
	done     chan struct{} // closed by Close
	stopped  chan struct{} // closed when the read pump exits
	once     sync.Once
	pending  []byte
	readErr  error
	deadline time.Time
	mu       sync.Mutex
	writeMu  sync.Mutex
}

// NewWebSocketConn wraps ws and starts its read pump.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	c := &WebSocketConn{
		ws:       ws,
		messages: make(chan []byte, 64),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go c.readPump()
	return c
}

func (c *WebSocketConn) readPump() {
	defer close(c.stopped)
	defer close(c.messages)
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		select {
		case c.messages <- append(message, '\n'):
		case <-c.done:
			return
		}
	}
}

// Read returns bytes from the current message, waiting for the next one
// until the read deadline.
func (c *WebSocketConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case <-c.done:
			return 0, net.ErrClosed
		default:
		}
		c.mu.Lock()
		deadline := c.deadline
		c.mu.Unlock()

		var timeout <-chan time.Time
		if !deadline.IsZero() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case msg, ok := <-c.messages:
			if !ok {
				c.mu.Lock()
				err := c.readErr
				c.mu.Unlock()
				return 0, err
			}
			c.pending = msg
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		case <-c.done:
			return 0, net.ErrClosed
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends p as one text message without its trailing newline.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := p
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetReadDeadline sets the deadline for future Read calls.
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

// Close sends a close frame, closes the connection and releases the read
// pump.
func (c *WebSocketConn) Close() error {
	c.once.Do(func() { close(c.done) })
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
