// ephemera - An ephemeral conversational messaging core.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// Subscribe opens the push channel of a conversation. There is at most one
// subscription per conversation; subscribing again is a no-op. Every
// Subscribe must be paired with Unsubscribe or CloseConversation.
func (c *Client) Subscribe(ctx context.Context, conversationID string) error {
	userID, err := c.currentUser(ctx)
	if err != nil {
		return err
	}
	if err = c.authorize(ctx, userID, conversationID, chat.ActionRead); err != nil {
		return err
	}

	c.subLock.Lock()
	if _, ok := c.subs.Get(conversationID); ok {
		c.subLock.Unlock()
		return nil
	}
	c.lock.Lock()
	c.cache.getOrCreate(conversationID).pinned = true
	c.lock.Unlock()
	handle, err := c.feed.Subscribe(ctx, conversationID, func(evt chat.Event) {
		c.handleEvent(userID, conversationID, evt)
	})
	if err != nil {
		c.lock.Lock()
		if st := c.cache.peek(conversationID); st != nil {
			st.pinned = false
		}
		c.lock.Unlock()
		c.subLock.Unlock()
		return chat.NetworkError("subscribe", err)
	}
	c.subs.Set(conversationID, handle)
	c.subLock.Unlock()

	c.metrics.Subscriptions.Inc()
	c.log.Debug().Str("conversation_id", conversationID).Msg("Subscribed to conversation")
	if err = c.RefreshUnread(ctx, conversationID); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to load unread count")
	}
	return nil
}

// Unsubscribe closes the push channel of a conversation if one is open.
func (c *Client) Unsubscribe(conversationID string) error {
	c.subLock.Lock()
	defer c.subLock.Unlock()
	handle, ok := c.subs.Pop(conversationID)
	if !ok {
		return nil
	}
	c.lock.Lock()
	if st := c.cache.peek(conversationID); st != nil {
		st.pinned = false
	}
	c.lock.Unlock()
	c.metrics.Subscriptions.Dec()
	c.log.Debug().Str("conversation_id", conversationID).Msg("Unsubscribed from conversation")
	if err := handle.Unsubscribe(); err != nil {
		return chat.NetworkError("unsubscribe", err)
	}
	return nil
}

// Subscribed reports whether a push channel is open for the conversation.
func (c *Client) Subscribed(conversationID string) bool {
	_, ok := c.subs.Get(conversationID)
	return ok
}

func (c *Client) handleEvent(selfID, conversationID string, evt chat.Event) {
	log := c.log.With().
		Str("conversation_id", conversationID).
		Str("message_id", evt.Row.ID).
		Str("sender_id", evt.Row.SenderID).
		Logger()
	if evt.Type != chat.EventInsert || evt.Row.ConversationID != conversationID {
		c.metrics.RealtimeEvents.WithLabelValues("ignored").Inc()
		log.Debug().Str("type", string(evt.Type)).Msg("Ignoring unexpected event")
		return
	}

	c.lock.Lock()
	st := c.cache.peek(conversationID)
	if st == nil || !st.pinned {
		c.lock.Unlock()
		c.metrics.RealtimeEvents.WithLabelValues("ignored").Inc()
		return
	} else if st.has(&evt.Row) {
		c.lock.Unlock()
		c.metrics.RealtimeEvents.WithLabelValues("duplicate").Inc()
		log.Trace().Msg("Event already cached")
		return
	}
	c.lock.Unlock()

	if !evt.Row.VisibleAt(c.now()) {
		c.metrics.RealtimeEvents.WithLabelValues("expired").Inc()
		return
	}
	ctx := log.WithContext(c.bgCtx)
	row, err := c.enrich(ctx, selfID, &evt.Row)
	if err != nil {
		c.metrics.RealtimeEvents.WithLabelValues("error").Inc()
		log.Err(err).Msg("Failed to fetch pushed message")
		return
	} else if row == nil || !row.VisibleAt(c.now()) {
		c.metrics.RealtimeEvents.WithLabelValues("expired").Inc()
		log.Debug().Msg("Pushed message is no longer visible")
		return
	}

	c.lock.Lock()
	st = c.cache.peek(conversationID)
	if st == nil || !st.pinned {
		c.lock.Unlock()
		c.metrics.RealtimeEvents.WithLabelValues("ignored").Inc()
		return
	}
	inserted := st.insert(*row)
	fromOther := row.SenderID != selfID
	if inserted && fromOther {
		st.unread++
	}
	unread := st.unread
	c.lock.Unlock()

	if !inserted {
		c.metrics.RealtimeEvents.WithLabelValues("duplicate").Inc()
		return
	}
	c.metrics.RealtimeEvents.WithLabelValues("inserted").Inc()
	log.Debug().Bool("from_other", fromOther).Int("unread", unread).Msg("Inserted pushed message")
	if c.onMsg != nil {
		c.onMsg(*row, fromOther)
	}
}

// enrich fetches the newest visible message and checks that it is the pushed
// one. If something newer already arrived, the pushed message is fetched by id.
func (c *Client) enrich(ctx context.Context, selfID string, pushed *chat.Message) (*chat.Message, error) {
	rows, err := c.store.ListMessages(ctx, chat.PageQuery{
		ConversationID: pushed.ConversationID,
		RequesterID:    selfID,
		Limit:          1,
	})
	if err != nil {
		return nil, chat.NetworkError("fetch newest message", err)
	}
	if len(rows) == 1 && rows[0].ID == pushed.ID {
		return &rows[0], nil
	}
	zerolog.Ctx(ctx).Debug().Msg("Newest message doesn't match pushed event, fetching it by id")
	msg, err := c.store.GetMessage(ctx, pushed.ConversationID, pushed.ID, selfID)
	if err != nil {
		return nil, chat.NetworkError("fetch pushed message", err)
	}
	return msg, nil
}
