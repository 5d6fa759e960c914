// Package wstransport implements transport.Connection over a gorilla/websocket
// connection, following the read/write pump shape of the teacher's broker
// (writeWait/pingInterval/pongWait constants and goroutine split).
package wstransport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-substream-client/internal/logging"
	"go-substream-client/internal/wire"
	"go-substream-client/transport"
)

const (
	writeWait          = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	pongWaitMultiplier  = 2
)

// Option customises a Connection before it dials.
type Option func(*Connection)

// WithPingInterval overrides the keepalive ping cadence.
func WithPingInterval(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHeader sets extra HTTP headers sent during the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Connection) {
		c.header = h
	}
}

// Connection is a transport.Connection backed by a single websocket dial. It
// does not reconnect itself; Dial returns a fresh Connection per attempt and
// the owning Client is responsible for redialing and replaying subscriptions
// (spec.md 5, "reconnecting the same connection").
type Connection struct {
	conn         *websocket.Conn
	log          *logging.Logger
	pingInterval time.Duration
	header       http.Header

	sendMu sync.Mutex // serializes writes so order is preserved per spec.md 5

	events chan transport.Event
	closed chan struct{}
	once   sync.Once
}

// Dial opens a websocket connection to url and starts its read/write pumps.
func Dial(ctx context.Context, url string, opts ...Option) (*Connection, error) {
	c := &Connection{
		log:          logging.L(),
		pingInterval: defaultPingInterval,
		events:       make(chan transport.Event, 64),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, c.header)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %s: %w", url, err)
	}
	c.conn = conn
	c.conn.SetReadDeadline(time.Now().Add(c.pingInterval * pongWaitMultiplier))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pingInterval * pongWaitMultiplier))
	})

	go c.readPump()
	go c.writePingPump()

	c.events <- transport.Event{Kind: transport.EventConnected}
	return c, nil
}

// Send encodes req as a tagged JSON frame and writes it to the socket.
func (c *Connection) Send(ctx context.Context, req wire.Request) error {
	data, err := wire.MarshalRequest(req)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Events returns the event channel; closed once the read pump exits.
func (c *Connection) Events() <-chan transport.Event { return c.events }

// Close tears down the underlying socket.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) readPump() {
	defer func() {
		c.emit(transport.Event{Kind: transport.EventDisconnected})
		close(c.events)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.DecodeInbound(data)
		if err != nil {
			c.emit(transport.Event{Kind: transport.EventError, Err: err})
			continue
		}
		c.emit(transport.Event{Kind: transport.EventMessage, Message: msg})
	}
}

func (c *Connection) writePingPump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.sendMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// emit sends on the event channel without blocking forever once closed.
func (c *Connection) emit(evt transport.Event) {
	select {
	case c.events <- evt:
	case <-c.closed:
	}
}

var _ transport.Connection = (*Connection)(nil)
