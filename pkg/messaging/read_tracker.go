package messaging

import (
	"context"
	"time"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// MarkAsRead moves the caller's read marker to now and zeroes the cached
// unread counter. On a subscribed conversation, calling it again with nothing
// new to read is a no-op, as is calling it while another MarkAsRead for the
// same conversation is running.
// If the marker can't be stored the previous counter is restored.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	if !c.reading.Add(conversationID) {
		c.metrics.Reads.WithLabelValues("in_flight").Inc()
		return nil
	}
	defer c.reading.Remove(conversationID)

	userID, err := c.currentUser(ctx)
	if err != nil {
		return err
	}
	now := c.now()

	c.lock.Lock()
	st := c.cache.getOrCreate(conversationID)
	// The cache only sees every new message while subscribed. Otherwise the
	// store is always asked, its marker only moves forward.
	if st.pinned && st.loaded && st.lastReadAt != nil && st.unread == 0 &&
		!st.hasUnseen(userID, *st.lastReadAt, now) {
		c.lock.Unlock()
		c.metrics.Reads.WithLabelValues("noop").Inc()
		return nil
	}
	prevUnread := st.unread
	st.unread = 0
	c.lock.Unlock()

	err = c.authorize(ctx, userID, conversationID, chat.ActionRead)
	if err == nil {
		err = c.store.MarkRead(ctx, conversationID, userID, now)
		if err != nil {
			err = chat.NetworkError("mark as read", err)
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	st = c.cache.getOrCreate(conversationID)
	if err != nil {
		// Anything that arrived meanwhile was counted on top of zero.
		st.unread += prevUnread
		st.err = err
		c.metrics.Reads.WithLabelValues("error").Inc()
		c.log.Err(err).Str("conversation_id", conversationID).Msg("Failed to mark conversation as read")
		return err
	}
	if st.lastReadAt == nil || st.lastReadAt.Before(now) {
		st.lastReadAt = &now
	}
	c.metrics.Reads.WithLabelValues("ok").Inc()
	c.log.Debug().
		Str("conversation_id", conversationID).
		Time("last_read_at", now).
		Msg("Marked conversation as read")
	return nil
}

// hasUnseen reports whether a cached, visible message from someone else is
// newer than the read marker.
func (st *conversationState) hasUnseen(selfID string, lastReadAt, now time.Time) bool {
	for _, msg := range st.messages {
		if !msg.CreatedAt.After(lastReadAt) {
			// Ordered newest first, nothing older can be unseen.
			return false
		}
		if msg.SenderID != selfID && msg.VisibleAt(now) {
			return true
		}
	}
	return false
}

// RefreshUnread reloads the unread counter of the conversation from the store.
func (c *Client) RefreshUnread(ctx context.Context, conversationID string) error {
	userID, err := c.currentUser(ctx)
	if err != nil {
		return err
	}
	count, err := c.store.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return chat.NetworkError("count unread messages", err)
	}
	c.lock.Lock()
	c.cache.getOrCreate(conversationID).unread = count
	c.lock.Unlock()
	return nil
}
