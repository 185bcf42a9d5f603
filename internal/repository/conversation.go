package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socialchat/internal/model"
)

// ConversationRepository answers membership and block/mute questions.
// Conversation and participant CRUD live in the social service that owns them.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetParticipant returns the active membership of userID in a live conversation.
func (r *ConversationRepository) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	defer track("conv.GetParticipant")()
	if !validID(conversationID, userID) {
		return nil, ErrNotFound
	}
	p := &model.Participant{}
	err := r.pool.QueryRow(ctx,
		`SELECT p.id, p.conversation_id, p.user_id, p.role, p.joined_at, p.is_deleted
		 FROM participants p
		 JOIN conversations c ON c.id = p.conversation_id
		 WHERE p.conversation_id = $1 AND p.user_id = $2
		   AND NOT p.is_deleted AND NOT c.is_deleted`,
		conversationID, userID,
	).Scan(&p.ID, &p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.IsDeleted)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipant: %w", err)
	}
	return p, nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	_, err := r.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Restrictions returns the participants of the conversation who blocked or
// muted senderID. A block wins over a mute.
func (r *ConversationRepository) Restrictions(ctx context.Context, conversationID, senderID string) (map[string]model.Relation, error) {
	defer track("conv.Restrictions")()
	if !validID(conversationID, senderID) {
		return map[string]model.Relation{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT b.blocker_id, b.kind
		 FROM user_blocks b
		 JOIN participants p ON p.user_id = b.blocker_id AND p.conversation_id = $1 AND NOT p.is_deleted
		 WHERE b.blocked_id = $2`,
		conversationID, senderID,
	)
	if err != nil {
		if isInvalidID(err) {
			return map[string]model.Relation{}, nil
		}
		return nil, fmt.Errorf("convRepo.Restrictions query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Relation, 4)
	for rows.Next() {
		var userID string
		var rel model.Relation
		if err := rows.Scan(&userID, &rel); err != nil {
			return nil, fmt.Errorf("convRepo.Restrictions scan: %w", err)
		}
		if out[userID] != model.RelationBlock {
			out[userID] = rel
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.Restrictions rows: %w", err)
	}
	return out, nil
}
