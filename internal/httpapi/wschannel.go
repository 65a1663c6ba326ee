package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/livegate/internal/gateway"
	"github.com/antoniostano/livegate/internal/observability"
	"github.com/antoniostano/livegate/internal/protocol"
)

const (
	clientReadLimit    = 2 << 20
	clientReadTimeout  = 120 * time.Second
	clientWriteTimeout = 10 * time.Second
	clientPingInterval = 30 * time.Second
	clientQueueSize    = 256
	// Frames still queued when the channel closes get this long to reach the client.
	closeFlushTimeout = 500 * time.Millisecond
)

type wsConn interface {
	ReadMessage() (int, []byte, error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// wsChannel adapts one upgraded client socket to gateway.ClientChannel. A
// reader goroutine feeds Receive and a single writer goroutine drains Send.
type wsChannel struct {
	conn         wsConn
	metrics      *observability.Metrics
	pingInterval time.Duration
	writeTimeout time.Duration

	in  chan []byte
	out chan []byte

	closing   chan struct{}
	closeOnce sync.Once
	writerEnd chan struct{}

	mu      sync.Mutex
	readErr error
}

var _ gateway.ClientChannel = (*wsChannel)(nil)

func newWSChannel(conn wsConn, metrics *observability.Metrics) *wsChannel {
	c := &wsChannel{
		conn:         conn,
		metrics:      metrics,
		pingInterval: clientPingInterval,
		writeTimeout: clientWriteTimeout,
		in:           make(chan []byte, 64),
		out:          make(chan []byte, clientQueueSize),
		closing:      make(chan struct{}),
		writerEnd:    make(chan struct{}),
	}

	conn.SetReadLimit(clientReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(clientReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(clientReadTimeout))
		return nil
	})

	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *wsChannel) readLoop() {
	defer close(c.in)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		// Binary frames carry the same UTF-8 JSON as text frames.
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(clientReadTimeout))
		select {
		case c.in <- data:
		case <-c.closing:
			return
		}
	}
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-c.in:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", gateway.ErrClientClosed, err)
			}
			return nil, gateway.ErrClientClosed
		}
		return data, nil
	}
}

func (c *wsChannel) Send(ctx context.Context, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode client frame: %w", err)
	}
	typ, _ := protocol.TypeOf(frame)

	select {
	case <-c.closing:
		c.metrics.Outbound(string(typ), "drop_closed")
		return gateway.ErrClientClosed
	default:
	}
	select {
	case c.out <- payload:
		c.metrics.Outbound(string(typ), "queued")
		return nil
	case <-c.closing:
		c.metrics.Outbound(string(typ), "drop_closed")
		return gateway.ErrClientClosed
	case <-ctx.Done():
		c.metrics.Outbound(string(typ), "drop_ctx")
		return ctx.Err()
	}
}

// Close flushes queued frames within a short budget, sends a close frame and
// closes the socket. It is safe to call more than once.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	select {
	case <-c.writerEnd:
	case <-time.After(c.writeTimeout + closeFlushTimeout):
		_ = c.conn.Close()
	}
	return nil
}

func (c *wsChannel) writeLoop() {
	defer close(c.writerEnd)

	ping := time.NewTicker(c.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.closing:
			c.flushOnClose()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout))
			_ = c.conn.Close()
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout)); err != nil {
				c.fail("ping")
				return
			}
		case payload := <-c.out:
			if err := c.write(payload); err != nil {
				c.fail("write")
				return
			}
		}
	}
}

func (c *wsChannel) flushOnClose() {
	deadline := time.Now().Add(closeFlushTimeout)
	for time.Now().Before(deadline) {
		select {
		case payload := <-c.out:
			if err := c.write(payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsChannel) write(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// fail tears the socket down after a write error so the reader unblocks and
// the session notices the disconnect.
func (c *wsChannel) fail(stage string) {
	c.metrics.Outbound("ws_"+stage, "error")
	c.closeOnce.Do(func() { close(c.closing) })
	_ = c.conn.Close()
}
