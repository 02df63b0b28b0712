package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// CreateConversation creates a conversation with the creator as admin and
// the other members as regular participants.
func (s *Store) CreateConversation(
	ctx context.Context,
	kind chat.ConversationKind,
	title *string,
	creatorID string,
	memberIDs []string,
) (*chat.Conversation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unsupported conversation kind %q", kind)
	}
	members := make([]string, 0, len(memberIDs)+1)
	seen := map[string]struct{}{creatorID: {}}
	members = append(members, creatorID)
	for _, id := range memberIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if kind == chat.KindDirect && len(members) != 2 {
		return nil, fmt.Errorf("direct conversation needs exactly 2 members, got %d", len(members))
	}

	now := s.now()
	conv := &chat.Conversation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO conversation (id, kind, title, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
		`, conv.ID, string(conv.Kind), nullableString(title), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		for i, member := range members {
			role := chat.RoleMember
			if i == 0 {
				role = chat.RoleAdmin
			}
			if err = s.upsertParticipant(ctx, conv.ID, member, role, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("conversation_id", conv.ID).
		Str("kind", string(kind)).
		Int("members", len(members)).
		Msg("Created conversation")
	return conv, nil
}

func (s *Store) upsertParticipant(ctx context.Context, conversationID, userID string, role chat.Role, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO participant (conversation_id, user_id, role, joined_at, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET active=TRUE, joined_at=excluded.joined_at
	`, conversationID, userID, string(role), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// Join adds userID to a conversation on behalf of actorID, who must be able
// to manage it. A former participant may rejoin on their own. The existing
// read marker of a returning participant is kept.
func (s *Store) Join(ctx context.Context, conversationID, actorID, userID string) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	existing, err := s.getParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	} else if existing == nil && conv.Kind == chat.KindDirect {
		return fmt.Errorf("can't join direct conversation %s", conversationID)
	}
	if actorID != userID || existing == nil {
		ok, err := NewAuthorizer(s).Can(ctx, actorID, conversationID, chat.ActionManage)
		if err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%s can't add members to %s: %w", actorID, conversationID, chat.ErrNotParticipant)
		}
	}
	return s.upsertParticipant(ctx, conversationID, userID, chat.RoleMember, s.now())
}

// Leave marks a participant inactive. The row is retained.
func (s *Store) Leave(ctx context.Context, conversationID, userID string) error {
	res, err := s.db.Exec(ctx, `
		UPDATE participant SET active=FALSE
		WHERE conversation_id=$1 AND user_id=$2 AND active=TRUE
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to leave conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrNotParticipant
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	var conv chat.Conversation
	var title sql.NullString
	var kind string
	var createdAt, updatedAt int64
	err := s.db.QueryRow(ctx, `
		SELECT id, kind, title, created_at, updated_at FROM conversation WHERE id=$1
	`, conversationID).Scan(&conv.ID, &kind, &title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, chat.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	conv.Kind = chat.ConversationKind(kind)
	if title.Valid {
		conv.Title = &title.String
	}
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}

// ListConversations returns the conversations where userID is an active
// participant, most recent activity first. Conversations without any visible
// messages are included.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]chat.ConversationSummary, error) {
	now := s.now().UnixMilli()
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.kind, c.title, c.created_at, c.updated_at,
			(
				SELECT COUNT(*) FROM message m
				WHERE m.conversation_id=c.id AND m.sender_id <> $1 AND m.expires_at > $2
					AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)
			) AS unread
		FROM conversation c
		INNER JOIN participant p ON p.conversation_id=c.id AND p.user_id=$1 AND p.active=TRUE
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.ConversationSummary
	for rows.Next() {
		var sum chat.ConversationSummary
		var title sql.NullString
		var kind string
		var createdAt, updatedAt int64
		if err = rows.Scan(&sum.ID, &kind, &title, &createdAt, &updatedAt, &sum.UnreadCount); err != nil {
			return nil, err
		}
		sum.Kind = chat.ConversationKind(kind)
		if title.Valid {
			sum.Title = &title.String
		}
		sum.CreatedAt = time.UnixMilli(createdAt)
		sum.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

const participantSelectCols = `conversation_id, user_id, role, joined_at, last_read_at, active`

func scanParticipant(row dbutil.Scannable) (*chat.Participant, error) {
	var p chat.Participant
	var role string
	var joinedAt int64
	var lastReadAt sql.NullInt64
	if err := row.Scan(&p.ConversationID, &p.UserID, &role, &joinedAt, &lastReadAt, &p.Active); err != nil {
		return nil, err
	}
	p.Role = chat.Role(role)
	p.JoinedAt = time.UnixMilli(joinedAt)
	if lastReadAt.Valid {
		ts := time.UnixMilli(lastReadAt.Int64)
		p.LastReadAt = &ts
	}
	return &p, nil
}

func (s *Store) getParticipant(ctx context.Context, conversationID, userID string) (*chat.Participant, error) {
	p, err := scanParticipant(s.db.QueryRow(ctx, `
		SELECT `+participantSelectCols+` FROM participant WHERE conversation_id=$1 AND user_id=$2
	`, conversationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// Participant returns the membership row of userID, or nil if the user never joined.
func (s *Store) Participant(ctx context.Context, conversationID, userID string) (*chat.Participant, error) {
	return s.getParticipant(ctx, conversationID, userID)
}

// Roster returns the active participants ordered by join time.
func (s *Store) Roster(ctx context.Context, conversationID string) ([]chat.Participant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+participantSelectCols+` FROM participant
		WHERE conversation_id=$1 AND active=TRUE
		ORDER BY joined_at ASC, user_id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
