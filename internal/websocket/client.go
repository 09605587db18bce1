package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Outbound frames queued before Send reports back-pressure. 100ms audio
	// chunks give roughly 50 seconds of headroom.
	sendBufferSize = 512
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Dialer opens client connections and implements repositories.Transport
type Dialer struct {
	dialer *websocket.Dialer
	logger *zap.Logger
}

var _ repositories.Transport = (*Dialer)(nil)

// NewDialer creates a dialer. An empty proxyURL falls back to the proxy environment variables.
func NewDialer(proxyURL string, logger *zap.Logger) (*Dialer, error) {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		d.Proxy = http.ProxyURL(u)
		logger.Info("Using proxy for recognition connections", zap.String("proxy", u.Host))
	}

	return &Dialer{dialer: d, logger: logger}, nil
}

// Open dials endpoint and starts the read and write pumps
func (d *Dialer) Open(ctx context.Context, endpoint string, header http.Header, handler repositories.FrameHandler) (repositories.Connection, error) {
	ws, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("dial %s: %w (status %d: %s)", endpoint, err, resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if resp != nil {
		d.logger.Debug("Recognition connection upgraded",
			zap.String("endpoint", endpoint),
			zap.String("logID", resp.Header.Get("X-Tt-Logid")))
	}

	c := newConn(ws, handler, d.logger)

	go c.writePump()
	go c.readPump()

	return c, nil
}

// Conn is a client side websocket connection carrying binary frames
type Conn struct {
	conn    *websocket.Conn
	handler repositories.FrameHandler
	logger  *zap.Logger

	// Buffered channel of outbound frames.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	errOnce   sync.Once
}

func newConn(ws *websocket.Conn, handler repositories.FrameHandler, logger *zap.Logger) *Conn {
	return &Conn{
		conn:    ws,
		handler: handler,
		logger:  logger,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

// Send queues a binary frame for the write pump
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close asks the write pump to send a close message and tear the socket down
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Conn) closedLocally() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fail reports the first unexpected error of the connection to the handler
func (c *Conn) fail(err error) {
	if c.closedLocally() {
		return
	}
	c.errOnce.Do(func() {
		c.handler.OnError(err)
	})
}

// readPump delivers inbound frames to the handler until the socket ends
func (c *Conn) readPump() {
	defer func() {
		c.Close()
		c.handler.OnClose()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if !c.closedLocally() {
					c.logger.Error("Recognition connection read failed", zap.Error(err))
				}
				c.fail(err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			c.handler.OnMessage(message)
		default:
			c.logger.Warn("Received non-binary message", zap.Int("type", messageType), zap.Int("size", len(message)))
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.logger.Error("Failed to write frame", zap.Error(err))
				c.fail(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
