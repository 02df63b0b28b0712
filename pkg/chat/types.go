package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

func (k ConversationKind) Valid() bool {
	return k == KindDirect || k == KindGroup
}

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessagePhoto MessageKind = "photo"
)

func (k MessageKind) Valid() bool {
	return k == MessageText || k == MessagePhoto
}

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Action is what the authorization collaborator is asked about.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

type Conversation struct {
	ID        string
	Kind      ConversationKind
	Title     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationSummary is a row of a user's conversation list.
type ConversationSummary struct {
	Conversation
	UnreadCount int
}

type Participant struct {
	ConversationID string
	UserID         string
	Role           Role
	JoinedAt       time.Time
	// LastReadAt is nil until the participant reads the conversation for the first time.
	LastReadAt *time.Time
	Active     bool
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Kind           MessageKind
	CreatedAt      time.Time
	ExpiresAt      time.Time
	IdempotencyKey string
}

// VisibleAt reports whether the message lifetime has not yet elapsed at now.
func (m *Message) VisibleAt(now time.Time) bool {
	return m.ExpiresAt.After(now)
}

// Cursor returns the pagination key of the message.
func (m *Message) Cursor() Cursor {
	return Cursor{CreatedAtMS: m.CreatedAt.UnixMilli(), ID: m.ID}
}

// OlderThan reports whether m sorts strictly before the given cursor in (createdAt, id) order.
func (m *Message) OlderThan(c Cursor) bool {
	ts := m.CreatedAt.UnixMilli()
	return ts < c.CreatedAtMS || (ts == c.CreatedAtMS && m.ID < c.ID)
}

// NewerThan reports whether m sorts strictly after other.
func (m *Message) NewerThan(other *Message) bool {
	return other.OlderThan(m.Cursor())
}

// PageQuery selects one page of a conversation's visible messages, newest
// first, strictly older than Before when it is set.
type PageQuery struct {
	ConversationID string
	RequesterID    string
	Before         *Cursor
	Limit          int
}

// Draft is an unsent message. Resubmitting the same draft after a failed or
// timed out send reuses its idempotency key, so the server returns the
// original row instead of creating a duplicate.
type Draft struct {
	ConversationID string
	Content        string
	Kind           MessageKind
	IdempotencyKey string
}

func NewDraft(conversationID, content string, kind MessageKind) Draft {
	return Draft{
		ConversationID: conversationID,
		Content:        content,
		Kind:           kind,
		IdempotencyKey: uuid.NewString(),
	}
}

func (d *Draft) Validate() error {
	if d.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidDraft)
	} else if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidDraft)
	} else if !d.Kind.Valid() {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidDraft, d.Kind)
	}
	return nil
}
