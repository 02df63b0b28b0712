package chat

import (
	"encoding/json"
	"fmt"

	"go.mau.fi/util/jsontime"
)

type EventType string

const EventInsert EventType = "insert"

// Event is one entry of the persistence push stream, keyed by conversation.
type Event struct {
	Type EventType
	Row  Message
}

type wireRow struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	Content        string             `json:"content"`
	Kind           MessageKind        `json:"kind"`
	CreatedAt      jsontime.UnixMilli `json:"created_at"`
	ExpiresAt      jsontime.UnixMilli `json:"expires_at"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

type wireEvent struct {
	Type EventType `json:"type"`
	Row  wireRow   `json:"row"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type: e.Type,
		Row: wireRow{
			ID:             e.Row.ID,
			ConversationID: e.Row.ConversationID,
			SenderID:       e.Row.SenderID,
			Content:        e.Row.Content,
			Kind:           e.Row.Kind,
			CreatedAt:      jsontime.UM(e.Row.CreatedAt),
			ExpiresAt:      jsontime.UM(e.Row.ExpiresAt),
			IdempotencyKey: e.Row.IdempotencyKey,
		},
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return fmt.Errorf("missing event type")
	} else if w.Row.ID == "" || w.Row.ConversationID == "" {
		return fmt.Errorf("incomplete event row")
	}
	*e = Event{
		Type: w.Type,
		Row: Message{
			ID:             w.Row.ID,
			ConversationID: w.Row.ConversationID,
			SenderID:       w.Row.SenderID,
			Content:        w.Row.Content,
			Kind:           w.Row.Kind,
			CreatedAt:      w.Row.CreatedAt.Time,
			ExpiresAt:      w.Row.ExpiresAt.Time,
			IdempotencyKey: w.Row.IdempotencyKey,
		},
	}
	return nil
}
