package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// Send submits a draft and, on success, inserts the stored message into the
// conversation's cache right away without waiting for a push event.
//
// A send while another send holds the same guard slot (the conversation, or
// the whole client with SendGuardGlobal) fails with chat.ErrAlreadySending
// before reaching persistence. On failure nothing is cached; resubmitting the
// same draft reuses its idempotency key so a send that actually went through
// is not duplicated.
func (c *Client) Send(ctx context.Context, draft chat.Draft) (*chat.Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	guardKey := draft.ConversationID
	if c.sendGuard == SendGuardGlobal {
		guardKey = globalSendKey
	}
	if !c.sending.Add(guardKey) {
		c.metrics.Sends.WithLabelValues("rejected").Inc()
		return nil, chat.ErrAlreadySending
	}
	defer c.sending.Remove(guardKey)

	log := c.log.With().
		Str("conversation_id", draft.ConversationID).
		Str("action", "send message").
		Logger()
	userID, err := c.currentUser(ctx)
	if err != nil {
		c.failSend(err)
		return nil, err
	}
	if draft.IdempotencyKey == "" {
		draft.IdempotencyKey = uuid.NewString()
	}
	if err = c.authorize(ctx, userID, draft.ConversationID, chat.ActionWrite); err != nil {
		c.failSend(err)
		return nil, err
	}

	start := time.Now()
	msg, err := c.store.InsertMessage(ctx, userID, draft)
	if err != nil {
		err = chat.NetworkError("send message", err)
		log.Err(err).Str("idempotency_key", draft.IdempotencyKey).Msg("Send failed")
		c.failSend(err)
		return nil, err
	}

	c.lock.Lock()
	inserted := c.cache.getOrCreate(draft.ConversationID).insert(*msg)
	c.sendErr = nil
	c.lock.Unlock()

	c.metrics.Sends.WithLabelValues("ok").Inc()
	log.Debug().
		Str("message_id", msg.ID).
		Bool("already_cached", !inserted).
		Dur("duration", time.Since(start)).
		Msg("Sent message")
	return msg, nil
}

func (c *Client) failSend(err error) {
	c.metrics.Sends.WithLabelValues("error").Inc()
	c.lock.Lock()
	c.sendErr = err
	c.lock.Unlock()
}
