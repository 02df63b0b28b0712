package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is the (createdAt, id) boundary of a page.
type Cursor struct {
	CreatedAtMS int64  `json:"ts"`
	ID          string `json:"id"`
}

func (c Cursor) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func DecodeCursor(cursor string) (*Cursor, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	var parsed Cursor
	if err = json.Unmarshal(decoded, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	if parsed.ID == "" {
		return nil, fmt.Errorf("%w: empty id in cursor", ErrInvalidCursor)
	}
	return &parsed, nil
}

// Identity supplies the current user.
type Identity interface {
	CurrentUser(ctx context.Context) (string, error)
}

// StaticIdentity is an Identity for a fixed, already authenticated user.
type StaticIdentity string

func (s StaticIdentity) CurrentUser(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrAuth
	}
	return string(s), nil
}
