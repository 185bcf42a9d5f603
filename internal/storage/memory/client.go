// Package memory is an in-process message store and membership oracle with
// the same semantics as the Postgres repositories. It backs -memory mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/repository"
)

type statusKey struct {
	messageID string
	userID    string
}

type blockKey struct {
	blocker string
	blocked string
	rel     model.Relation
}

type Store struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	participants  map[string]map[string]*model.Participant // conversation -> user
	messages      map[string]*model.Message
	byConv        map[string][]*model.Message // in insertion (seq) order
	statuses      map[statusKey]*model.MessageStatus
	blocks        map[blockKey]struct{}
	seq           int64
	last          time.Time
	now           func() time.Time
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*model.Conversation),
		participants:  make(map[string]map[string]*model.Participant),
		messages:      make(map[string]*model.Message),
		byConv:        make(map[string][]*model.Message),
		statuses:      make(map[statusKey]*model.MessageStatus),
		blocks:        make(map[blockKey]struct{}),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error { return nil }

// clock returns a timestamp never earlier than the previous one. Caller holds mu.
func (s *Store) clock() time.Time {
	t := s.now()
	if t.Before(s.last) {
		t = s.last
	}
	s.last = t
	return t
}

// CreateConversation registers a conversation and returns its id.
func (s *Store) CreateConversation(kind model.ConversationKind, name, createdBy string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	c := &model.Conversation{
		ID:        uuid.New().String(),
		Kind:      kind,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if createdBy != "" {
		c.CreatedBy = &createdBy
	}
	s.conversations[c.ID] = c
	s.participants[c.ID] = make(map[string]*model.Participant)
	return c.ID
}

// DeleteConversation soft-deletes a conversation.
func (s *Store) DeleteConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		c.IsDeleted = true
		c.UpdatedAt = s.clock()
	}
}

// AddParticipant adds or re-activates a membership.
func (s *Store) AddParticipant(conversationID, userID string, role model.ParticipantRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.participants[conversationID]
	if !ok {
		return
	}
	if p, ok := members[userID]; ok {
		p.IsDeleted = false
		p.Role = role
		return
	}
	members[userID] = &model.Participant{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		JoinedAt:       s.clock(),
	}
}

// RemoveParticipant soft-deletes a membership.
func (s *Store) RemoveParticipant(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[conversationID][userID]; ok {
		p.IsDeleted = true
	}
}

// Restrict records that blocker blocked or muted blocked.
func (s *Store) Restrict(blocker, blocked string, rel model.Relation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[blockKey{blocker: blocker, blocked: blocked, rel: rel}] = struct{}{}
}

// SoftDeleteMessage hides a message from backlog queries.
func (s *Store) SoftDeleteMessage(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[messageID]; ok {
		m.IsDeleted = true
	}
}

// SoftDeleteStatus hides userID's status row on a message.
func (s *Store) SoftDeleteStatus(messageID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[statusKey{messageID: messageID, userID: userID}]; ok {
		st.IsDeleted = true
	}
}

// Status returns userID's status on a message.
func (s *Store) Status(messageID, userID string) (model.DeliveryStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[statusKey{messageID: messageID, userID: userID}]
	if !ok || st.IsDeleted {
		return "", false
	}
	return st.Status, true
}

// StatusRows counts stored status rows, deleted ones included.
func (s *Store) StatusRows() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.statuses)
}

// activeMember reports membership in a live conversation. Caller holds mu.
func (s *Store) activeMember(conversationID, userID string) (*model.Participant, bool) {
	c, ok := s.conversations[conversationID]
	if !ok || c.IsDeleted {
		return nil, false
	}
	p, ok := s.participants[conversationID][userID]
	if !ok || p.IsDeleted {
		return nil, false
	}
	return p, true
}

func (s *Store) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.activeMember(conversationID, userID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.activeMember(conversationID, userID)
	return ok, nil
}

func (s *Store) Restrictions(ctx context.Context, conversationID, senderID string) (map[string]model.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Relation)
	for k := range s.blocks {
		if k.blocked != senderID {
			continue
		}
		if p, ok := s.participants[conversationID][k.blocker]; !ok || p.IsDeleted {
			continue
		}
		if out[k.blocker] != model.RelationBlock {
			out[k.blocker] = k.rel
		}
	}
	return out, nil
}

func (s *Store) CreateMessage(ctx context.Context, nm model.NewMessage) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeMember(nm.ConversationID, nm.SenderID); !ok {
		return nil, repository.ErrNotParticipant
	}
	if nm.ReplyToID != nil {
		target, ok := s.messages[*nm.ReplyToID]
		if !ok || target.IsDeleted || target.ConversationID != nm.ConversationID {
			return nil, repository.ErrInvalidReply
		}
	}
	if nm.Type == "" {
		nm.Type = model.MessageTypeText
	}
	s.seq++
	m := &model.Message{
		ID:             uuid.New().String(),
		Seq:            s.seq,
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Content:        nm.Content,
		Type:           nm.Type,
		ReplyToID:      nm.ReplyToID,
		CreatedAt:      s.clock(),
	}
	s.messages[m.ID] = m
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m)
	for uid, p := range s.participants[m.ConversationID] {
		if uid == m.SenderID || p.IsDeleted {
			continue
		}
		s.statuses[statusKey{messageID: m.ID, userID: uid}] = &model.MessageStatus{
			ID:        uuid.New().String(),
			MessageID: m.ID,
			UserID:    uid,
			Status:    model.StatusSent,
			UpdatedAt: m.CreatedAt,
		}
	}
	cp := *m
	return &cp, nil
}

func (s *Store) QueryUndelivered(ctx context.Context, conversationID, recipientID string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, 0, 16)
	if _, ok := s.activeMember(conversationID, recipientID); !ok {
		return out, nil
	}
	for _, m := range s.byConv[conversationID] {
		if m.SenderID == recipientID || m.IsDeleted {
			continue
		}
		if _, blocked := s.blocks[blockKey{blocker: recipientID, blocked: m.SenderID, rel: model.RelationBlock}]; blocked {
			continue
		}
		st, ok := s.statuses[statusKey{messageID: m.ID, userID: recipientID}]
		if ok && !st.IsDeleted && st.Status != model.StatusSent {
			continue
		}
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// UpdateStatus advances recipientID's status on the listed messages of the
// conversation and returns the ids whose row was created or changed.
func (s *Store) UpdateStatus(ctx context.Context, conversationID string, messageIDs []string, recipientID string, status model.DeliveryStatus) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, fmt.Errorf("memory.UpdateStatus: unknown status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make([]string, 0, len(messageIDs))
	now := s.clock()
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.ConversationID != conversationID || m.SenderID == recipientID {
			continue
		}
		if p, ok := s.participants[m.ConversationID][recipientID]; !ok || p.IsDeleted {
			continue
		}
		key := statusKey{messageID: id, userID: recipientID}
		st, ok := s.statuses[key]
		if !ok {
			s.statuses[key] = &model.MessageStatus{
				ID:        uuid.New().String(),
				MessageID: id,
				UserID:    recipientID,
				Status:    status,
				UpdatedAt: now,
			}
			changed = append(changed, id)
			continue
		}
		advances := st.Status.Advances(status)
		if !st.IsDeleted && !advances {
			continue
		}
		if advances {
			st.Status = status
		}
		st.IsDeleted = false
		st.UpdatedAt = now
		changed = append(changed, id)
	}
	return changed, nil
}
