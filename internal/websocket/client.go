// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Message types for WebSocket communication
const (
	MessageTypeDialogueChange = "dialogue_change"
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"
)

// Message is the frame written to subscribers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ErrClientClosed is returned by Send once the connection is gone.
var ErrClientClosed = errors.New("websocket client closed")

var clientIDCounter atomic.Uint64

// Client is a Transport over one websocket connection. Writes are
// serialized; the connection is closed after the first failed write.
type Client struct {
	id   uint64
	conn *websocket.Conn

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		conn: conn,
		done: make(chan struct{}),
	}
}

// ID returns the client's process-unique identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// Send writes change as a dialogue_change frame.
func (c *Client) Send(ctx context.Context, change models.Change) error {
	data, err := json.Marshal(Message{Type: MessageTypeDialogueChange, Data: change})
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.TextMessage, data)
}

func (c *Client) write(ctx context.Context, messageType int, data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.close()
		return err
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		// gorilla connections are unusable after a failed write.
		c.close()
		return err
	}
	return nil
}

// Run pings the peer and reads its frames until ctx is done or the
// connection fails.
func (c *Client) Run(ctx context.Context) error {
	go c.readPump()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeWith(websocket.CloseGoingAway)
			return ctx.Err()
		case <-c.done:
			return nil
		case <-ticker.C:
			if err := c.write(ctx, websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closeWith(websocket.CloseNormalClosure)
	return nil
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Uint64("client_id", c.id).Msg("unexpected websocket close error")
			}
			return
		}

		var msg Message
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == MessageTypePing {
			pong, _ := json.Marshal(Message{Type: MessageTypePong})
			_ = c.write(context.Background(), websocket.TextMessage, pong)
		}
	}
}

func (c *Client) closeWith(code int) {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	c.writeMu.Unlock()
	c.close()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
