package chatstore

import (
	"context"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// Authorizer answers permission questions from the participant table.
// Active participants may read and write; only admins may manage.
type Authorizer struct {
	store *Store
}

func NewAuthorizer(store *Store) *Authorizer {
	return &Authorizer{store: store}
}

func (a *Authorizer) Can(ctx context.Context, userID, conversationID string, action chat.Action) (bool, error) {
	p, err := a.store.getParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, err
	} else if p == nil || !p.Active {
		return false, nil
	}
	switch action {
	case chat.ActionRead, chat.ActionWrite:
		return true, nil
	case chat.ActionManage:
		return p.Role == chat.RoleAdmin, nil
	default:
		return false, nil
	}
}

func (a *Authorizer) Roster(ctx context.Context, conversationID string) ([]chat.Participant, error) {
	return a.store.Roster(ctx, conversationID)
}
