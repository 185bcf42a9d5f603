// Package delivery computes and advances per-recipient message status.
package delivery

import (
	"context"
	"fmt"
	"sort"

	"github.com/socialchat/internal/model"
)

// MaxBatch bounds how many ids go to the store in one status update.
const MaxBatch = 500

type Store interface {
	QueryUndelivered(ctx context.Context, conversationID, recipientID string) ([]model.Message, error)
	UpdateStatus(ctx context.Context, conversationID string, messageIDs []string, recipientID string, status model.DeliveryStatus) ([]string, error)
}

type Oracle interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type Tracker struct {
	store  Store
	oracle Oracle
}

func NewTracker(store Store, oracle Oracle) *Tracker {
	return &Tracker{store: store, oracle: oracle}
}

// UndeliveredFor returns the recipient's backlog in the conversation, oldest
// first. Non-participants get an empty slice so nothing about the
// conversation's messages is revealed.
func (t *Tracker) UndeliveredFor(ctx context.Context, conversationID, recipientID string) ([]model.Message, error) {
	ok, err := t.oracle.IsParticipant(ctx, conversationID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("tracker.UndeliveredFor membership: %w", err)
	}
	if !ok {
		return []model.Message{}, nil
	}
	msgs, err := t.store.QueryUndelivered(ctx, conversationID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("tracker.UndeliveredFor: %w", err)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
	return msgs, nil
}

// MarkDelivered moves the listed messages of the conversation to delivered
// for recipientID. Seen rows stay seen. Returns the ids that changed.
func (t *Tracker) MarkDelivered(ctx context.Context, conversationID string, messageIDs []string, recipientID string) ([]string, error) {
	return t.advance(ctx, conversationID, messageIDs, recipientID, model.StatusDelivered)
}

// MarkSeen moves the listed messages of the conversation to seen for
// recipientID. Ids of other conversations are ignored.
func (t *Tracker) MarkSeen(ctx context.Context, conversationID string, messageIDs []string, recipientID string) ([]string, error) {
	return t.advance(ctx, conversationID, messageIDs, recipientID, model.StatusSeen)
}

func (t *Tracker) advance(ctx context.Context, conversationID string, messageIDs []string, recipientID string, status model.DeliveryStatus) ([]string, error) {
	ids := dedupe(messageIDs)
	if len(ids) == 0 || conversationID == "" || recipientID == "" {
		return []string{}, nil
	}
	changed := make([]string, 0, len(ids))
	for start := 0; start < len(ids); start += MaxBatch {
		end := min(start+MaxBatch, len(ids))
		n, err := t.store.UpdateStatus(ctx, conversationID, ids[start:end], recipientID, status)
		if err != nil {
			return changed, fmt.Errorf("tracker.advance %s: %w", status, err)
		}
		changed = append(changed, n...)
	}
	return changed, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
