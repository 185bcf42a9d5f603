package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
	"golang.org/x/time/rate"
)

// State of a conversation channel. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// bufPool pools bytes.Buffer for JSON encoding on the write path.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is one connection bound to one conversation.
// Lifecycle: newClient -> Join -> replay -> [readPump, writePump] -> Close -> Leave.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	send           chan OutgoingEvent
	userID         string
	conversationID string
	limiter        *rate.Limiter

	// replayed holds backlog ids already streamed, so a live copy queued
	// during replay is not written twice. Only the writer touches it once
	// the pumps run.
	replayed map[string]struct{}

	state atomic.Int32
	// done is closed by Close and guards non-blocking delivery.
	done      chan struct{}
	cancel    context.CancelFunc
	once      sync.Once
	leaveOnce sync.Once
	wg        sync.WaitGroup
}

func newClient(h *Hub, conn *websocket.Conn, userID, conversationID string) *Client {
	return &Client{
		hub:            h,
		conn:           conn,
		send:           make(chan OutgoingEvent, h.opts.SendBuffer),
		userID:         userID,
		conversationID: conversationID,
		limiter:        rate.NewLimiter(rate.Limit(h.opts.EventRate), h.opts.EventBurst),
		replayed:       make(map[string]struct{}),
		done:           make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

func (c *Client) ConversationID() string { return c.conversationID }

func (c *Client) State() State { return State(c.state.Load()) }

// Deliver queues ev for the writer. A closed client swallows events.
func (c *Client) Deliver(ev OutgoingEvent) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// start launches the pumps. ctx bounds their lifetime.
func (c *Client) start(ctx context.Context) {
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close stops the client. Safe to call many times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Unblock both pumps; pending reads and writes fail.
		c.conn.Close()
	})
}

func (c *Client) sendError(text string) {
	if !c.Deliver(errorEvent(text)) {
		c.Close()
	}
}

// writeEvent encodes ev and writes it to the socket with a deadline.
func (c *Client) writeEvent(ev OutgoingEvent) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
		return err
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		return err
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for text frames.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	metrics.EventsOut.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// readPump reads client frames and dispatches them in arrival order.
// It always ends with the client leaving the registry.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer c.hub.disconnect(c)

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		in, err := DecodeInbound(raw)
		if err != nil {
			metrics.EventsIn.WithLabelValues("malformed").Inc()
			logger.Debugf("ws decode user=%s conversation=%s: %v", c.userID, c.conversationID, err)
			c.sendError(errGeneric)
			continue
		}
		metrics.EventsIn.WithLabelValues(in.Kind.String()).Inc()
		if !c.limiter.Allow() {
			c.sendError(errRateLimited)
			continue
		}
		c.hub.HandleInbound(ctx, c, in)
	}
}

// writePump drains the send queue to the socket and keeps the connection
// alive with pings. A failed write closes the client.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.hub.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case ev := <-c.send:
			if ev.Type == EventChatMessage && ev.Delivered == nil {
				if _, dup := c.replayed[ev.ID]; dup {
					delete(c.replayed, ev.ID)
					continue
				}
			}
			if err := c.writeEvent(ev); err != nil {
				logger.Debugf("ws write user=%s: %v", c.userID, err)
				return
			}
			if ev.Type == EventChatMessage && ev.SenderID != c.userID {
				c.hub.ackDelivered(c, ev.ID)
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
