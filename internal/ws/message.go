package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/socialchat/internal/model"
)

type EventType string

const (
	EventChatMessage  EventType = "chat_message"
	EventUserTyping   EventType = "user_typing"
	EventMessagesSeen EventType = "messages_seen"
	EventError        EventType = "error"
)

// Error texts sent to clients. Internal details stay in the log.
const (
	errGeneric     = "an error occurred"
	errRateLimited = "too many events"
)

// MaxSeenBatch bounds the ids accepted in one seen event.
const MaxSeenBatch = 500

var ErrMalformedEvent = errors.New("malformed event")

// OutgoingEvent is what the server sends to the client. Fields not used by a
// given type are omitted, except that chat_message always carries "message".
type OutgoingEvent struct {
	Type       EventType `json:"type"`
	ID         string    `json:"id,omitempty"`
	Message    string    `json:"message,omitempty"`
	SenderID   string    `json:"sender_id,omitempty"`
	ReplyToID  string    `json:"reply_to,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
	Delivered  *bool     `json:"delivered,omitempty"`
	User       string    `json:"user,omitempty"`
	Typing     string    `json:"typing,omitempty"`
	MessageIDs []string  `json:"message_ids,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (e OutgoingEvent) MarshalJSON() ([]byte, error) {
	type plain OutgoingEvent
	if e.Type != EventChatMessage {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		plain
		Message string `json:"message"`
	}{plain(e), e.Message})
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// chatEvent is the live broadcast of a freshly persisted message.
func chatEvent(m *model.Message) OutgoingEvent {
	ev := OutgoingEvent{
		Type:      EventChatMessage,
		ID:        m.ID,
		Message:   m.Content,
		SenderID:  m.SenderID,
		Timestamp: formatTimestamp(m.CreatedAt),
	}
	if m.ReplyToID != nil {
		ev.ReplyToID = *m.ReplyToID
	}
	return ev
}

// backlogEvent is a replayed message; it is the only shape carrying delivered=false.
func backlogEvent(m *model.Message) OutgoingEvent {
	ev := chatEvent(m)
	delivered := false
	ev.Delivered = &delivered
	return ev
}

func typingEvent(userID string, typing bool) OutgoingEvent {
	return OutgoingEvent{Type: EventUserTyping, User: userID, Typing: formatFlag(typing)}
}

func seenEvent(userID string, ids []string) OutgoingEvent {
	return OutgoingEvent{Type: EventMessagesSeen, User: userID, MessageIDs: ids}
}

func errorEvent(text string) OutgoingEvent {
	return OutgoingEvent{Type: EventError, Error: text}
}

type InboundKind int

const (
	KindTyping InboundKind = iota + 1
	KindChat
	KindSeen
)

func (k InboundKind) String() string {
	switch k {
	case KindTyping:
		return "typing"
	case KindChat:
		return "chat"
	case KindSeen:
		return "seen"
	default:
		return "unknown"
	}
}

// Inbound is a client event decoded once at the socket boundary. Which
// fields are meaningful depends on Kind.
type Inbound struct {
	Kind       InboundKind
	Typing     bool
	Content    string
	ReplyToID  *string
	MessageIDs []string
}

// DecodeInbound turns a raw client frame into exactly one event kind.
// The discriminating keys are "typing", "message" and "seen". A frame
// carrying "message" is chat even when it also carries "typing", which
// older clients send on every frame; any other combination is malformed.
// The sender is never taken from the payload.
func DecodeInbound(raw []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if fields == nil {
		return Inbound{}, fmt.Errorf("%w: not an object", ErrMalformedEvent)
	}

	typingRaw, hasTyping := fields["typing"]
	messageRaw, hasMessage := fields["message"]
	seenRaw, hasSeen := fields["seen"]
	if hasMessage {
		hasTyping = false
	}
	n := 0
	for _, has := range []bool{hasTyping, hasMessage, hasSeen} {
		if has {
			n++
		}
	}
	if n != 1 {
		return Inbound{}, fmt.Errorf("%w: want exactly one of typing, message, seen", ErrMalformedEvent)
	}

	switch {
	case hasTyping:
		flag, err := parseFlag(typingRaw)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: KindTyping, Typing: flag}, nil

	case hasMessage:
		var content string
		if err := json.Unmarshal(messageRaw, &content); err != nil {
			return Inbound{}, fmt.Errorf("%w: message must be a string", ErrMalformedEvent)
		}
		if strings.TrimSpace(content) == "" {
			return Inbound{}, fmt.Errorf("%w: empty message", ErrMalformedEvent)
		}
		in := Inbound{Kind: KindChat, Content: content}
		if replyRaw, ok := fields["reply_to"]; ok && string(replyRaw) != "null" {
			var replyTo string
			if err := json.Unmarshal(replyRaw, &replyTo); err != nil {
				return Inbound{}, fmt.Errorf("%w: reply_to must be a string", ErrMalformedEvent)
			}
			if _, err := uuid.Parse(replyTo); err != nil {
				return Inbound{}, fmt.Errorf("%w: reply_to is not an id", ErrMalformedEvent)
			}
			in.ReplyToID = &replyTo
		}
		return in, nil

	default:
		var ids []string
		if err := json.Unmarshal(seenRaw, &ids); err != nil {
			return Inbound{}, fmt.Errorf("%w: seen must be a list of ids", ErrMalformedEvent)
		}
		if len(ids) == 0 || len(ids) > MaxSeenBatch {
			return Inbound{}, fmt.Errorf("%w: seen needs 1..%d ids", ErrMalformedEvent, MaxSeenBatch)
		}
		for _, id := range ids {
			if _, err := uuid.Parse(id); err != nil {
				return Inbound{}, fmt.Errorf("%w: seen contains a non-id", ErrMalformedEvent)
			}
		}
		return Inbound{Kind: KindSeen, MessageIDs: ids}, nil
	}
}

// parseFlag accepts "true"/"false" strings as well as JSON booleans.
func parseFlag(raw json.RawMessage) (bool, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("%w: typing must be true or false", ErrMalformedEvent)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("%w: typing must be true or false", ErrMalformedEvent)
	}
	return b, nil
}

func formatFlag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
