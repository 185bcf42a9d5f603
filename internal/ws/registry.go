package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
)

var (
	ErrTooManyConnections = errors.New("connection limit reached")
	ErrRegistryClosed     = errors.New("registry closed")
)

// Handle is one connected session as seen by the registry.
type Handle interface {
	UserID() string
	// Deliver queues ev without blocking. It returns false when the handle
	// cannot keep up; the registry then closes it.
	Deliver(ev OutgoingEvent) bool
	Close()
}

// Envelope is one broadcast to a conversation's room. Users listed in Skip
// do not receive it.
type Envelope struct {
	ConversationID string        `json:"conversation_id"`
	Event          OutgoingEvent `json:"event"`
	Skip           []string      `json:"skip,omitempty"`
}

// Publisher carries envelopes to every instance, this one included.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, payload []byte) error
}

type room struct {
	mu      sync.RWMutex
	handles map[Handle]struct{}
	// dead is set once the room emptied and is about to leave the index.
	dead bool
}

// Registry maps a conversation id to its connected handles. The index lock
// is only taken to find or create a room; membership changes and broadcast
// snapshots lock the room alone.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	total    atomic.Int64
	maxConns int64
	closed   atomic.Bool
	relay    Publisher
}

func NewRegistry(maxConns int) *Registry {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Registry{
		rooms:    make(map[string]*room),
		maxConns: int64(maxConns),
	}
}

// SetRelay routes broadcasts through p. Call before serving connections.
func (r *Registry) SetRelay(p Publisher) {
	r.relay = p
}

// Full reports whether the connection cap is reached.
func (r *Registry) Full() bool {
	return r.total.Load() >= r.maxConns
}

// Total is the number of joined handles across all rooms.
func (r *Registry) Total() int {
	return int(r.total.Load())
}

func (r *Registry) lookup(conversationID string) *room {
	r.mu.RLock()
	rm := r.rooms[conversationID]
	r.mu.RUnlock()
	return rm
}

func (r *Registry) lookupOrCreate(conversationID string) *room {
	if rm := r.lookup(conversationID); rm != nil {
		return rm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[conversationID]
	if !ok {
		rm = &room{handles: make(map[Handle]struct{})}
		r.rooms[conversationID] = rm
	}
	return rm
}

// drop removes rm from the index if it is still the current room.
func (r *Registry) drop(conversationID string, rm *room) {
	r.mu.Lock()
	if r.rooms[conversationID] == rm {
		delete(r.rooms, conversationID)
	}
	r.mu.Unlock()
}

// Join adds h to the conversation's room. Joining twice is a no-op.
func (r *Registry) Join(conversationID string, h Handle) error {
	for {
		if r.closed.Load() {
			return ErrRegistryClosed
		}
		rm := r.lookupOrCreate(conversationID)
		rm.mu.Lock()
		// Shutdown sets closed before snapshotting rooms under their locks,
		// so a handle added here is either refused or in the snapshot.
		if r.closed.Load() {
			rm.mu.Unlock()
			return ErrRegistryClosed
		}
		if rm.dead {
			rm.mu.Unlock()
			r.drop(conversationID, rm)
			continue
		}
		if _, ok := rm.handles[h]; ok {
			rm.mu.Unlock()
			return nil
		}
		if r.total.Add(1) > r.maxConns {
			r.total.Add(-1)
			empty := len(rm.handles) == 0
			if empty {
				rm.dead = true
			}
			rm.mu.Unlock()
			if empty {
				r.drop(conversationID, rm)
			}
			return ErrTooManyConnections
		}
		rm.handles[h] = struct{}{}
		rm.mu.Unlock()
		return nil
	}
}

// Leave removes h from the room; absent handles are ignored.
func (r *Registry) Leave(conversationID string, h Handle) {
	rm := r.lookup(conversationID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	if _, ok := rm.handles[h]; !ok {
		rm.mu.Unlock()
		return
	}
	delete(rm.handles, h)
	r.total.Add(-1)
	empty := len(rm.handles) == 0
	if empty {
		rm.dead = true
	}
	rm.mu.Unlock()
	if empty {
		r.drop(conversationID, rm)
	}
}

// Members returns the number of handles in the conversation's room.
func (r *Registry) Members(conversationID string) int {
	rm := r.lookup(conversationID)
	if rm == nil {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.handles)
}

// Broadcast sends env to every member of the room, through the relay when
// one is set. If the relay fails the envelope is still delivered locally.
func (r *Registry) Broadcast(ctx context.Context, env Envelope) error {
	if r.relay == nil {
		r.DeliverLocal(env)
		return nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		r.DeliverLocal(env)
		return fmt.Errorf("registry.Broadcast marshal: %w", err)
	}
	if err := r.relay.Publish(ctx, env.ConversationID, payload); err != nil {
		r.DeliverLocal(env)
		return fmt.Errorf("registry.Broadcast: %w", err)
	}
	return nil
}

// DeliverRelayed decodes an envelope received from the relay and delivers it locally.
func (r *Registry) DeliverRelayed(conversationID string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Errorf("ws relay decode conversation=%s: %v", conversationID, err)
		return
	}
	env.ConversationID = conversationID
	r.DeliverLocal(env)
}

// DeliverLocal hands env to every local member. The room is snapshotted
// first so delivery never runs under its lock, and each handle is served
// independently. Returns how many handles accepted the event.
func (r *Registry) DeliverLocal(env Envelope) int {
	rm := r.lookup(env.ConversationID)
	if rm == nil {
		return 0
	}
	rm.mu.RLock()
	targets := make([]Handle, 0, len(rm.handles))
	for h := range rm.handles {
		targets = append(targets, h)
	}
	rm.mu.RUnlock()

	var skip map[string]struct{}
	if len(env.Skip) > 0 {
		skip = make(map[string]struct{}, len(env.Skip))
		for _, uid := range env.Skip {
			skip[uid] = struct{}{}
		}
	}

	delivered := 0
	for _, h := range targets {
		if _, ok := skip[h.UserID()]; ok {
			continue
		}
		if h.Deliver(env.Event) {
			delivered++
			continue
		}
		// Backpressure: send buffer full, close the slow handle.
		logger.Errorf("ws send buffer full, closing slow client user=%s conversation=%s", h.UserID(), env.ConversationID)
		metrics.BroadcastDrops.Inc()
		h.Close()
	}
	return delivered
}

// Shutdown refuses further joins and closes every handle. Handles remove
// themselves through Leave as their connections wind down.
func (r *Registry) Shutdown() {
	r.closed.Store(true)
	// Collect under the locks, close outside them.
	r.mu.RLock()
	all := make([]Handle, 0, r.total.Load())
	for _, rm := range r.rooms {
		rm.mu.RLock()
		for h := range rm.handles {
			all = append(all, h)
		}
		rm.mu.RUnlock()
	}
	r.mu.RUnlock()

	for _, h := range all {
		h.Close()
	}
}
