package model

import "time"

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// DeliveryStatus only moves forward: sent -> delivered -> seen.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusSeen      DeliveryStatus = "seen"
)

// Rank orders statuses; unknown values rank below sent.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s DeliveryStatus) Valid() bool { return s.Rank() > 0 }

// Advances reports whether moving from s to next is a forward transition.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

type Message struct {
	ID             string      `json:"id"`
	Seq            int64       `json:"-"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	MediaID        *string     `json:"media_id,omitempty"`
	Type           MessageType `json:"message_type"`
	ReplyToID      *string     `json:"reply_to_id,omitempty"`
	IsDeleted      bool        `json:"is_deleted"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewMessage is what a sender hands to the store; the store assigns
// id, sequence and creation time.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	ReplyToID      *string
}

type MessageStatus struct {
	ID        string         `json:"id"`
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	Status    DeliveryStatus `json:"status"`
	IsDeleted bool           `json:"is_deleted"`
	UpdatedAt time.Time      `json:"updated_at"`
}
