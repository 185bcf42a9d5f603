package model

import "time"

type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
)

// Conversation is a chat thread. A private conversation is expected to have
// exactly two active participants; nothing here enforces it.
type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Name      string           `json:"name"`
	CreatedBy *string          `json:"created_by,omitempty"`
	IsDeleted bool             `json:"is_deleted"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// Participant is unique per (user, conversation), soft-deleted rows included.
type Participant struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Role           ParticipantRole `json:"role"`
	JoinedAt       time.Time       `json:"joined_at"`
	IsDeleted      bool            `json:"is_deleted"`
}

// Relation is what a recipient has set up against a sender.
type Relation string

const (
	// RelationBlock hides the sender's messages and typing signals.
	RelationBlock Relation = "block"
	// RelationMute hides typing signals only; messages still arrive.
	RelationMute Relation = "mute"
)

// HidesMessages reports whether messages from the sender must not reach the recipient.
func (r Relation) HidesMessages() bool { return r == RelationBlock }

// HidesTyping reports whether typing signals from the sender must not reach the recipient.
func (r Relation) HidesTyping() bool { return r == RelationBlock || r == RelationMute }
