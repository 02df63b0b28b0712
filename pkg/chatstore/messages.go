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

const messageSelectCols = `m.id, m.conversation_id, m.sender_id, m.content, m.kind,
	COALESCE(m.idempotency_key, ''), m.created_at, m.expires_at`

func scanMessage(row dbutil.Scannable) (*chat.Message, error) {
	var msg chat.Message
	var kind string
	var createdAt, expiresAt int64
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&kind,
		&msg.IdempotencyKey,
		&createdAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Kind = chat.MessageKind(kind)
	msg.CreatedAt = time.UnixMilli(createdAt)
	msg.ExpiresAt = time.UnixMilli(expiresAt)
	return &msg, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) queryMessage(ctx context.Context, query string, args ...any) (*chat.Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// InsertMessage stores a new message from senderID. expires_at is computed
// here from Lifetime. If the draft carries an idempotency key that was
// already used by the same sender in the same conversation, the original row
// is returned and nothing is inserted.
func (s *Store) InsertMessage(ctx context.Context, senderID string, draft chat.Draft) (*chat.Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	var msg *chat.Message
	duplicate := false
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		p, err := s.getParticipant(ctx, draft.ConversationID, senderID)
		if err != nil {
			return err
		} else if p == nil || !p.Active {
			return chat.ErrNotParticipant
		}
		if draft.IdempotencyKey != "" {
			msg, err = s.queryMessage(ctx, `
				SELECT `+messageSelectCols+` FROM message m
				WHERE m.conversation_id=$1 AND m.sender_id=$2 AND m.idempotency_key=$3
			`, draft.ConversationID, senderID, draft.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("failed to look up idempotency key: %w", err)
			} else if msg != nil {
				duplicate = true
				return nil
			}
		}
		now := s.now()
		msg = &chat.Message{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: draft.ConversationID,
			SenderID:       senderID,
			Content:        draft.Content,
			Kind:           draft.Kind,
			CreatedAt:      now,
			ExpiresAt:      now.Add(s.Lifetime),
			IdempotencyKey: draft.IdempotencyKey,
		}
		var key any
		if msg.IdempotencyKey != "" {
			key = msg.IdempotencyKey
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO message (id, conversation_id, sender_id, content, kind, idempotency_key, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.Kind), key,
			msg.CreatedAt.UnixMilli(), msg.ExpiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		_, err = s.db.Exec(ctx, `
			UPDATE conversation SET updated_at=$2 WHERE id=$1 AND updated_at < $2
		`, msg.ConversationID, msg.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to bump conversation activity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log := s.log.With().
		Str("conversation_id", msg.ConversationID).
		Str("message_id", msg.ID).
		Logger()
	if duplicate {
		log.Debug().Str("idempotency_key", draft.IdempotencyKey).Msg("Idempotency key already used, returning original message")
		return msg, nil
	}
	log.Debug().Str("kind", string(msg.Kind)).Msg("Inserted message")
	if s.Publisher != nil {
		if err = s.Publisher.Publish(ctx, chat.Event{Type: chat.EventInsert, Row: *msg}); err != nil {
			log.Warn().Err(err).Msg("Failed to publish insert event")
		}
	}
	return msg, nil
}

// ListMessages returns a page of messages visible to the requester, newest first.
func (s *Store) ListMessages(ctx context.Context, q chat.PageQuery) ([]chat.Message, error) {
	query := `SELECT ` + messageSelectCols + `
		FROM message m
		INNER JOIN participant p ON p.conversation_id=m.conversation_id AND p.user_id=$2 AND p.active=TRUE
		WHERE m.conversation_id=$1 AND m.expires_at > $3
	`
	args := []any{q.ConversationID, q.RequesterID, s.now().UnixMilli()}
	if q.Before != nil {
		query += ` AND (m.created_at < $4 OR (m.created_at = $4 AND m.id < $5))`
		query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT $6`
		args = append(args, q.Before.CreatedAtMS, q.Before.ID, q.Limit)
	} else {
		query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT $4`
		args = append(args, q.Limit)
	}
	return s.queryMessages(ctx, query, args...)
}

// GetMessage returns a single message if it is visible to the requester, or nil.
func (s *Store) GetMessage(ctx context.Context, conversationID, messageID, requesterID string) (*chat.Message, error) {
	return s.queryMessage(ctx, `
		SELECT `+messageSelectCols+`
		FROM message m
		INNER JOIN participant p ON p.conversation_id=m.conversation_id AND p.user_id=$3 AND p.active=TRUE
		WHERE m.conversation_id=$1 AND m.id=$2 AND m.expires_at > $4
	`, conversationID, messageID, requesterID, s.now().UnixMilli())
}

// ListForwardMessages returns unexpired messages strictly after the cursor in
// ascending order. It does not filter by participant and is meant for feeds.
func (s *Store) ListForwardMessages(ctx context.Context, conversationID string, after chat.Cursor, count int) ([]chat.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageSelectCols+`
		FROM message m
		WHERE m.conversation_id=$1 AND m.expires_at > $2
			AND (m.created_at > $3 OR (m.created_at = $3 AND m.id > $4))
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $5
	`, conversationID, s.now().UnixMilli(), after.CreatedAtMS, after.ID, count)
}

// NewestCursor returns the position of the newest stored message, or a zero cursor.
func (s *Store) NewestCursor(ctx context.Context, conversationID string) (chat.Cursor, error) {
	var cursor chat.Cursor
	err := s.db.QueryRow(ctx, `
		SELECT created_at, id FROM message WHERE conversation_id=$1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, conversationID).Scan(&cursor.CreatedAtMS, &cursor.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Cursor{}, nil
	}
	return cursor, err
}

// MarkRead moves the participant's read marker forward to at. Older values
// never overwrite newer ones.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	res, err := s.db.Exec(ctx, `
		UPDATE participant SET last_read_at=$3
		WHERE conversation_id=$1 AND user_id=$2 AND active=TRUE
			AND (last_read_at IS NULL OR last_read_at < $3)
	`, conversationID, userID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update read marker: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	p, err := s.getParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	} else if p == nil || !p.Active {
		return chat.ErrNotParticipant
	}
	return nil
}

// CountUnread counts visible messages from other senders newer than the
// participant's read marker.
func (s *Store) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM message m
		INNER JOIN participant p ON p.conversation_id=m.conversation_id AND p.user_id=$2 AND p.active=TRUE
		WHERE m.conversation_id=$1 AND m.sender_id <> $2 AND m.expires_at > $3
			AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)
	`, conversationID, userID, s.now().UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}

// PurgeExpired deletes rows whose lifetime ended more than grace ago. They are
// already invisible to every reader, so this only reclaims space.
func (s *Store) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := s.now().Add(-grace).UnixMilli()
	res, err := s.db.Exec(ctx, `DELETE FROM message WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("count", n).Dur("grace", grace).Msg("Purged expired messages")
	}
	return n, nil
}
