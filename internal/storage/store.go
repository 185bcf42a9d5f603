package storage

import (
	"context"

	"github.com/socialchat/internal/model"
)

// MessageStore is the durable, transactional home of messages and their
// per-recipient status rows.
// Implementations: repository.MessageRepository (Postgres), memory.Store.
type MessageStore interface {
	CreateMessage(ctx context.Context, m model.NewMessage) (*model.Message, error)
	QueryUndelivered(ctx context.Context, conversationID, recipientID string) ([]model.Message, error)
	UpdateStatus(ctx context.Context, conversationID string, messageIDs []string, recipientID string, status model.DeliveryStatus) ([]string, error)
}

// MembershipOracle answers who belongs to a conversation and who restricted whom.
// Implementations: repository.ConversationRepository (Postgres), memory.Store.
type MembershipOracle interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error)
	Restrictions(ctx context.Context, conversationID, senderID string) (map[string]model.Relation, error)
}
