package messaging

import (
	"context"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// ListConversations returns the caller's conversations, most recently active
// first, including ones without any visible messages. Unread counters of
// conversations that aren't subscribed are refreshed from the listing.
func (c *Client) ListConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	userID, err := c.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	convs, err := c.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, chat.NetworkError("list conversations", err)
	}
	c.lock.Lock()
	for _, conv := range convs {
		if st := c.cache.peek(conv.ID); st != nil && !st.pinned {
			st.unread = conv.UnreadCount
		}
	}
	c.lock.Unlock()
	return convs, nil
}

// Roster returns the active participants of a conversation as reported by
// the authorizer.
func (c *Client) Roster(ctx context.Context, conversationID string) ([]chat.Participant, error) {
	userID, err := c.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	if err = c.authorize(ctx, userID, conversationID, chat.ActionRead); err != nil {
		return nil, err
	}
	roster, err := c.auth.Roster(ctx, conversationID)
	if err != nil {
		return nil, chat.NetworkError("get roster", err)
	}
	active := make([]chat.Participant, 0, len(roster))
	for _, p := range roster {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}
