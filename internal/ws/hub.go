package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/repository"
)

type MessageStore interface {
	CreateMessage(ctx context.Context, m model.NewMessage) (*model.Message, error)
}

type DeliveryTracker interface {
	UndeliveredFor(ctx context.Context, conversationID, recipientID string) ([]model.Message, error)
	MarkDelivered(ctx context.Context, conversationID string, messageIDs []string, recipientID string) ([]string, error)
	MarkSeen(ctx context.Context, conversationID string, messageIDs []string, recipientID string) ([]string, error)
}

type MembershipOracle interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Restrictions(ctx context.Context, conversationID, senderID string) (map[string]model.Relation, error)
}

// Options tune every connection served by a Hub.
type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	// EventRate and EventBurst limit inbound events per connection.
	EventRate    float64
	EventBurst   int
	StoreTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 4096,
		EventRate:      20,
		EventBurst:     40,
		StoreTimeout:   5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.EventRate <= 0 {
		o.EventRate = d.EventRate
	}
	if o.EventBurst <= 0 {
		o.EventBurst = d.EventBurst
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	return o
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Hub runs conversation channels: it admits connections, replays backlog,
// persists and fans out inbound events, and cleans up on disconnect.
type Hub struct {
	registry *Registry
	store    MessageStore
	tracker  DeliveryTracker
	oracle   MembershipOracle
	opts     Options

	// mu orders wg.Add in Connect against closing in Shutdown.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewHub(registry *Registry, store MessageStore, tracker DeliveryTracker, oracle MembershipOracle, opts Options) *Hub {
	return &Hub{
		registry: registry,
		store:    store,
		tracker:  tracker,
		oracle:   oracle,
		opts:     opts.withDefaults(),
	}
}

// Full reports whether no further connection can be admitted.
func (h *Hub) Full() bool {
	return h.registry.Full()
}

// Authorize fails with repository.ErrNotParticipant unless userID is an
// active participant of the conversation.
func (h *Hub) Authorize(ctx context.Context, conversationID, userID string) error {
	ok, err := h.oracle.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("ws.Authorize: %w", err)
	}
	if !ok {
		return repository.ErrNotParticipant
	}
	return nil
}

// Connect takes over an upgraded connection of an authorized user. It joins
// the room, streams the backlog oldest first, marks what was streamed as
// delivered, then enters Joined, starts the pumps and returns. Backlog is
// written before any live event because the writer only starts afterwards.
func (h *Hub) Connect(conn *websocket.Conn, userID, conversationID string) error {
	c := newClient(h, conn, userID, conversationID)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return fmt.Errorf("ws.Connect: %w", ErrRegistryClosed)
	}
	h.wg.Add(1)
	h.mu.Unlock()
	if err := h.registry.Join(conversationID, c); err != nil {
		h.wg.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "try again later"),
			time.Now().Add(time.Second))
		c.Close()
		return fmt.Errorf("ws.Connect join: %w", err)
	}
	metrics.OpenConnections.Inc()

	if err := h.replay(c); err != nil {
		h.disconnect(c)
		return fmt.Errorf("ws.Connect replay: %w", err)
	}
	c.state.Store(int32(StateJoined))
	logger.Debugf("ws joined user=%s conversation=%s", userID, conversationID)
	c.start(ctx)
	return nil
}

// disconnect is the single exit of a joined client; it runs once.
func (h *Hub) disconnect(c *Client) {
	c.leaveOnce.Do(func() {
		h.registry.Leave(c.conversationID, c)
		c.state.Store(int32(StateClosed))
		c.Close()
		metrics.OpenConnections.Dec()
		h.wg.Done()
		logger.Debugf("ws left user=%s conversation=%s", c.userID, c.conversationID)
	})
}

func (h *Hub) replay(c *Client) error {
	defer logger.DeferLogDuration("ws.replay", time.Now())()
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.StoreTimeout)
	backlog, err := h.tracker.UndeliveredFor(ctx, c.conversationID, c.userID)
	cancel()
	if err != nil {
		// Nothing is marked, so the backlog comes again on the next connect.
		logger.Errorf("ws backlog user=%s conversation=%s: %v", c.userID, c.conversationID, err)
		return c.writeEvent(errorEvent(errGeneric))
	}

	written := make([]string, 0, len(backlog))
	var writeErr error
	for i := range backlog {
		if writeErr = c.writeEvent(backlogEvent(&backlog[i])); writeErr != nil {
			break
		}
		written = append(written, backlog[i].ID)
		c.replayed[backlog[i].ID] = struct{}{}
	}
	metrics.ReplayedMessages.Add(float64(len(written)))

	// Only what actually reached the socket is marked. A failure here leaves
	// the rows as they were and the next connect replays them again.
	if len(written) > 0 {
		markCtx, markCancel := context.WithTimeout(context.Background(), h.opts.StoreTimeout)
		if _, err := h.tracker.MarkDelivered(markCtx, c.conversationID, written, c.userID); err != nil {
			logger.Errorf("ws mark backlog delivered user=%s conversation=%s: %v", c.userID, c.conversationID, err)
		}
		markCancel()
	}
	return writeErr
}

// HandleInbound runs one decoded client event. Failures are reported to
// the sender only; the connection stays open.
func (h *Hub) HandleInbound(ctx context.Context, c *Client, in Inbound) {
	switch in.Kind {
	case KindTyping:
		h.handleTyping(ctx, c, in)
	case KindChat:
		h.handleChat(ctx, c, in)
	case KindSeen:
		h.handleSeen(ctx, c, in)
	default:
		c.sendError(errGeneric)
	}
}

// storeContext outlives the client: once accepted, a write completes even
// if the client goes away meanwhile.
func (h *Hub) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.opts.StoreTimeout)
}

func (h *Hub) handleChat(ctx context.Context, c *Client, in Inbound) {
	defer logger.DeferLogDuration("ws.handleChat", time.Now())()
	ctx, cancel := h.storeContext(ctx)
	defer cancel()

	m, err := h.store.CreateMessage(ctx, model.NewMessage{
		ConversationID: c.conversationID,
		SenderID:       c.userID,
		Content:        in.Content,
		Type:           model.MessageTypeText,
		ReplyToID:      in.ReplyToID,
	})
	if err != nil {
		logger.Errorf("ws save message conversation=%s user=%s: %v", c.conversationID, c.userID, err)
		c.sendError(errGeneric)
		return
	}

	ev := chatEvent(m)
	skip, err := h.restricted(ctx, c, model.Relation.HidesMessages)
	if err != nil {
		// Without the block list nobody else may see it live; the backlog
		// query applies blocks itself on their next connect.
		logger.Errorf("ws restrictions conversation=%s user=%s: %v", c.conversationID, c.userID, err)
		c.Deliver(ev)
		return
	}
	h.broadcast(ctx, Envelope{ConversationID: c.conversationID, Event: ev, Skip: skip})
}

// handleTyping relays the flag to the whole room, the sender included.
// Typing is never persisted.
func (h *Hub) handleTyping(ctx context.Context, c *Client, in Inbound) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	skip, err := h.restricted(ctx, c, model.Relation.HidesTyping)
	if err != nil {
		logger.Errorf("ws restrictions for typing conversation=%s user=%s: %v", c.conversationID, c.userID, err)
		return
	}
	h.broadcast(ctx, Envelope{ConversationID: c.conversationID, Event: typingEvent(c.userID, in.Typing), Skip: skip})
}

func (h *Hub) handleSeen(ctx context.Context, c *Client, in Inbound) {
	ctx, cancel := h.storeContext(ctx)
	defer cancel()

	if _, err := h.MarkSeen(ctx, c.conversationID, c.userID, in.MessageIDs); err != nil {
		logger.Errorf("ws mark seen conversation=%s user=%s: %v", c.conversationID, c.userID, err)
		c.sendError(errGeneric)
	}
}

// MarkSeen advances the user's status to seen on messages of the
// conversation and tells the room which ids changed. Ids of other
// conversations are neither updated nor echoed.
func (h *Hub) MarkSeen(ctx context.Context, conversationID, userID string, messageIDs []string) (int64, error) {
	changed, err := h.tracker.MarkSeen(ctx, conversationID, messageIDs, userID)
	if err != nil {
		return 0, err
	}
	if len(changed) > 0 {
		h.broadcast(ctx, Envelope{ConversationID: conversationID, Event: seenEvent(userID, changed)})
	}
	return int64(len(changed)), nil
}

// ackDelivered marks a live message delivered once it reached the socket.
func (h *Hub) ackDelivered(c *Client, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.StoreTimeout)
	defer cancel()
	if _, err := h.tracker.MarkDelivered(ctx, c.conversationID, []string{messageID}, c.userID); err != nil {
		logger.Errorf("ws mark delivered message=%s user=%s: %v", messageID, c.userID, err)
	}
}

// restricted lists room members who must not receive the sender's event.
func (h *Hub) restricted(ctx context.Context, c *Client, hides func(model.Relation) bool) ([]string, error) {
	rel, err := h.oracle.Restrictions(ctx, c.conversationID, c.userID)
	if err != nil {
		return nil, err
	}
	var skip []string
	for uid, r := range rel {
		if hides(r) {
			skip = append(skip, uid)
		}
	}
	return skip, nil
}

func (h *Hub) broadcast(ctx context.Context, env Envelope) {
	if err := h.registry.Broadcast(ctx, env); err != nil {
		logger.Errorf("ws broadcast conversation=%s: %v", env.ConversationID, err)
	}
}

// Shutdown closes every connection and waits for them to wind down.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.registry.Shutdown()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
