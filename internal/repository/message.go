package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socialchat/internal/model"
)

const messageCols = `m.id, m.seq, m.conversation_id, m.sender_id, m.content, m.media_id, m.message_type, m.reply_to_id, m.is_deleted, m.created_at`

// statusRank mirrors model.DeliveryStatus.Rank for use inside SQL.
const statusRank = `CASE %s WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'seen' THEN 3 ELSE 0 END`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &m.Content, &m.MediaID, &m.Type, &m.ReplyToID, &m.IsDeleted, &m.CreatedAt)
}

// CreateMessage persists a message and seeds a "sent" status row for every
// other active participant, all in one transaction. The sender must be an
// active participant of a live conversation.
func (r *MessageRepository) CreateMessage(ctx context.Context, nm model.NewMessage) (*model.Message, error) {
	defer track("msg.CreateMessage")()
	if nm.Type == "" {
		nm.Type = model.MessageTypeText
	}
	if !validID(nm.ConversationID, nm.SenderID) {
		return nil, ErrNotParticipant
	}
	if nm.ReplyToID != nil && !validID(*nm.ReplyToID) {
		return nil, ErrInvalidReply
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("msgRepo.CreateMessage begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var member bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM participants p
			JOIN conversations c ON c.id = p.conversation_id
			WHERE p.conversation_id = $1 AND p.user_id = $2 AND NOT p.is_deleted AND NOT c.is_deleted)`,
		nm.ConversationID, nm.SenderID,
	).Scan(&member)
	if isInvalidID(err) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.CreateMessage membership: %w", err)
	}
	if !member {
		return nil, ErrNotParticipant
	}

	if nm.ReplyToID != nil {
		var ok bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2 AND NOT is_deleted)`,
			*nm.ReplyToID, nm.ConversationID,
		).Scan(&ok)
		if isInvalidID(err) {
			return nil, ErrInvalidReply
		}
		if err != nil {
			return nil, fmt.Errorf("msgRepo.CreateMessage reply: %w", err)
		}
		if !ok {
			return nil, ErrInvalidReply
		}
	}

	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Content:        nm.Content,
		Type:           nm.Type,
		ReplyToID:      nm.ReplyToID,
	}
	// clock_timestamp, not now(): now() is frozen at transaction start.
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, message_type, reply_to_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, clock_timestamp())
		 RETURNING seq, created_at`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Type, m.ReplyToID,
	).Scan(&m.Seq, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.CreateMessage insert: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO message_statuses (id, message_id, user_id, status, updated_at)
		 SELECT gen_random_uuid(), $1, p.user_id, 'sent', $2
		 FROM participants p
		 WHERE p.conversation_id = $3 AND p.user_id <> $4 AND NOT p.is_deleted
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		m.ID, m.CreatedAt, m.ConversationID, m.SenderID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.CreateMessage statuses: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.CreateMessage commit: %w", err)
	}
	return m, nil
}

// QueryUndelivered returns messages of the conversation written by others that
// recipientID has not had delivered or seen, oldest first. Senders the
// recipient blocked are left out. Non-participants get an empty result.
func (r *MessageRepository) QueryUndelivered(ctx context.Context, conversationID, recipientID string) ([]model.Message, error) {
	defer track("msg.QueryUndelivered")()
	if !validID(conversationID, recipientID) {
		return []model.Message{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id AND NOT c.is_deleted
		 JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = $2 AND NOT p.is_deleted
		 LEFT JOIN message_statuses s ON s.message_id = m.id AND s.user_id = $2 AND NOT s.is_deleted
		 WHERE m.conversation_id = $1
		   AND m.sender_id <> $2
		   AND NOT m.is_deleted
		   AND (s.status IS NULL OR s.status = 'sent')
		   AND NOT EXISTS (
			SELECT 1 FROM user_blocks b
			WHERE b.blocker_id = $2 AND b.blocked_id = m.sender_id AND b.kind = 'block')
		 ORDER BY m.created_at, m.seq`,
		conversationID, recipientID,
	)
	if err != nil {
		if isInvalidID(err) {
			return []model.Message{}, nil
		}
		return nil, fmt.Errorf("msgRepo.QueryUndelivered query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, 16)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.QueryUndelivered scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.QueryUndelivered rows: %w", err)
	}
	return msgs, nil
}

// UpdateStatus advances recipientID's status on each listed message of the
// conversation, creating the row when absent. Rows only move forward, and a
// soft-deleted row is revived at the higher of its old and the new status.
// Messages of other conversations, messages the recipient wrote and messages
// they cannot see are ignored. Returns the ids of the rows inserted or changed.
func (r *MessageRepository) UpdateStatus(ctx context.Context, conversationID string, messageIDs []string, recipientID string, status model.DeliveryStatus) ([]string, error) {
	defer track("msg.UpdateStatus")()
	if !status.Valid() {
		return nil, fmt.Errorf("msgRepo.UpdateStatus: unknown status %q", status)
	}
	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if validID(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || !validID(conversationID, recipientID) {
		return []string{}, nil
	}
	oldRank := fmt.Sprintf(statusRank, "message_statuses.status")
	newRank := fmt.Sprintf(statusRank, "EXCLUDED.status")
	rows, err := r.pool.Query(ctx,
		`INSERT INTO message_statuses (id, message_id, user_id, status, updated_at)
		 SELECT gen_random_uuid(), m.id, $2, $3::text, now()
		 FROM messages m
		 JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = $2 AND NOT p.is_deleted
		 WHERE m.id = ANY($1::uuid[]) AND m.conversation_id = $4 AND m.sender_id <> $2
		 ON CONFLICT (message_id, user_id) DO UPDATE
		 SET status = CASE WHEN `+oldRank+` > `+newRank+` THEN message_statuses.status ELSE EXCLUDED.status END,
		     is_deleted = false,
		     updated_at = EXCLUDED.updated_at
		 WHERE message_statuses.is_deleted OR `+oldRank+` < `+newRank+`
		 RETURNING message_id`,
		ids, recipientID, string(status), conversationID,
	)
	if err != nil {
		if isInvalidID(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("msgRepo.UpdateStatus: %w", err)
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		if isInvalidID(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("msgRepo.UpdateStatus rows: %w", err)
	}
	return changed, nil
}

// GetStatus returns recipientID's status row for a message.
func (r *MessageRepository) GetStatus(ctx context.Context, messageID, recipientID string) (*model.MessageStatus, error) {
	defer track("msg.GetStatus")()
	if !validID(messageID, recipientID) {
		return nil, ErrNotFound
	}
	s := &model.MessageStatus{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, message_id, user_id, status, is_deleted, updated_at
		 FROM message_statuses WHERE message_id = $1 AND user_id = $2`,
		messageID, recipientID,
	).Scan(&s.ID, &s.MessageID, &s.UserID, &s.Status, &s.IsDeleted, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetStatus: %w", err)
	}
	return s, nil
}
