package messaging

import (
	"time"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// visible returns a copy of msgs without the ones whose lifetime has elapsed
// at now. It runs on every read path regardless of server-side filtering,
// since a row fetched just before its cutoff may already be dead when read.
func visible(msgs []chat.Message, now time.Time) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.VisibleAt(now) {
			out = append(out, msg)
		}
	}
	return out
}

// Messages returns the cached, unexpired messages of a conversation, newest first.
func (c *Client) Messages(conversationID string) []chat.Message {
	now := c.now()
	c.lock.Lock()
	defer c.lock.Unlock()
	st := c.cache.peek(conversationID)
	if st == nil {
		return nil
	}
	return visible(st.messages, now)
}

// DropExpired evicts expired messages from the cache and returns how many were removed.
func (c *Client) DropExpired(conversationID string) int {
	now := c.now()
	c.lock.Lock()
	defer c.lock.Unlock()
	st := c.cache.peek(conversationID)
	if st == nil {
		return 0
	}
	kept := visible(st.messages, now)
	dropped := len(st.messages) - len(kept)
	st.messages = kept
	if dropped > 0 {
		c.log.Debug().
			Str("conversation_id", conversationID).
			Int("count", dropped).
			Msg("Dropped expired messages from cache")
	}
	return dropped
}
