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
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// Page is one backward page of a conversation, newest first.
type Page struct {
	Messages []chat.Message
	HasMore  bool
	// Cursor continues pagination from the oldest message of this page.
	// It is empty when HasMore is false.
	Cursor string
}

// FetchMessages fetches the next older page using the configured page size.
func (c *Client) FetchMessages(ctx context.Context, conversationID, cursor string) (*Page, error) {
	return c.FetchPage(ctx, conversationID, 0, cursor)
}

// FetchPage loads one page of history older than what is cached. With an
// empty cache it loads the newest messages, or the page before cursor without
// caching it. A cursor that does not match the oldest cached message means
// continuity can't be confirmed, so the cached history is dropped and the
// first page is loaded again.
//
// Only one fetch per conversation is in flight at a time: a call made while
// another is loading returns the cached messages without a request.
func (c *Client) FetchPage(ctx context.Context, conversationID string, pageSize int, cursor string) (*Page, error) {
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	var requested *chat.Cursor
	if cursor != "" {
		var err error
		if requested, err = chat.DecodeCursor(cursor); err != nil {
			return nil, err
		}
	}
	userID, err := c.currentUser(ctx)
	if err != nil {
		c.setFetchError(conversationID, 0, false, err)
		return nil, err
	}
	return c.fetchPage(ctx, userID, conversationID, pageSize, requested, true)
}

func (c *Client) fetchPage(
	ctx context.Context,
	userID, conversationID string,
	pageSize int,
	requested *chat.Cursor,
	allowReload bool,
) (*Page, error) {
	log := c.log.With().Str("conversation_id", conversationID).Logger()
	now := c.now()

	c.lock.Lock()
	st := c.cache.getOrCreate(conversationID)
	if st.loadState.InFlight() {
		page := &Page{Messages: visible(st.messages, now), HasMore: st.hasMore}
		c.lock.Unlock()
		c.metrics.Fetches.WithLabelValues("in_flight").Inc()
		log.Debug().Msg("Fetch already in flight, returning cached messages")
		return page, nil
	}
	boundary := st.boundary()
	// A cursor on an unloaded conversation (a fresh process, or after an
	// eviction) is served but not cached: nothing proves the messages between
	// it and the newest one are present.
	detached := false
	if requested != nil {
		if !st.loaded {
			boundary = requested
			detached = true
		} else if boundary == nil || *boundary != *requested {
			log.Warn().
				Int64("cursor_ts", requested.CreatedAtMS).
				Str("cursor_id", requested.ID).
				Msg("Cursor does not match cached history, reloading from the newest page")
			st.reset()
			boundary = nil
			c.metrics.Fetches.WithLabelValues("reload").Inc()
		}
	} else if st.loaded && !st.hasMore {
		c.lock.Unlock()
		return &Page{HasMore: false}, nil
	}
	gen := st.generation
	if boundary == nil {
		st.loadState = LoadingFirst
	} else {
		st.loadState = LoadingMore
	}
	c.lock.Unlock()

	if err := c.authorize(ctx, userID, conversationID, chat.ActionRead); err != nil {
		c.setFetchError(conversationID, gen, true, err)
		return nil, err
	}

	queryStart := time.Now()
	rows, err := c.store.ListMessages(ctx, chat.PageQuery{
		ConversationID: conversationID,
		RequesterID:    userID,
		Before:         boundary,
		Limit:          pageSize + 1,
	})
	if err != nil {
		err = chat.NetworkError("list messages", err)
		log.Err(err).Dur("query_ms", time.Since(queryStart)).Msg("Failed to fetch page")
		c.setFetchError(conversationID, gen, true, err)
		return nil, err
	}
	hasMore := false
	if len(rows) > pageSize {
		hasMore = true
		rows = rows[:pageSize]
	}
	page := &Page{Messages: visible(rows, now), HasMore: hasMore}
	if hasMore && len(rows) > 0 {
		page.Cursor, err = rows[len(rows)-1].Cursor().Encode()
		if err != nil {
			return nil, err
		}
	}

	c.lock.Lock()
	if c.cache.peek(conversationID) != st || st.generation != gen {
		c.lock.Unlock()
		c.metrics.Fetches.WithLabelValues("stale").Inc()
		log.Debug().Msg("Conversation was closed or reset during fetch, discarding result")
		return page, nil
	}
	if boundary != nil && len(rows) > 0 && !rows[0].OlderThan(*boundary) {
		st.reset()
		c.lock.Unlock()
		c.metrics.Fetches.WithLabelValues("reload").Inc()
		log.Warn().
			Str("first_id", rows[0].ID).
			Str("boundary_id", boundary.ID).
			Msg("Fetched page is not older than cached history, reloading")
		if !allowReload {
			return page, nil
		}
		return c.fetchPage(ctx, userID, conversationID, pageSize, nil, false)
	}
	if detached {
		st.loadState = LoadIdle
		st.err = nil
		c.lock.Unlock()
		c.metrics.Fetches.WithLabelValues("detached").Inc()
		logPage(log, boundary, len(rows), 0, 0, hasMore, time.Since(queryStart))
		return page, nil
	}
	var added int
	if !st.loaded {
		added = c.mergeFirstPage(st, rows)
	} else {
		added = st.appendPage(rows)
	}
	st.loaded = true
	st.hasMore = hasMore
	st.loadState = LoadIdle
	st.err = nil
	cached := len(st.messages)
	c.lock.Unlock()

	c.metrics.Fetches.WithLabelValues("ok").Inc()
	c.metrics.FetchedMessages.Add(float64(added))
	logPage(log, boundary, len(rows), added, cached, hasMore, time.Since(queryStart))
	return page, nil
}

// mergeFirstPage installs the newest page while keeping messages that were
// inserted by sends or push events before the first fetch.
func (c *Client) mergeFirstPage(st *conversationState, rows []chat.Message) int {
	early := st.messages
	st.messages = make([]chat.Message, 0, len(rows)+len(early))
	st.known = make(map[string]struct{}, len(rows)+len(early))
	added := st.appendPage(rows)
	for _, msg := range early {
		st.insert(msg)
	}
	return added
}

func logPage(log zerolog.Logger, boundary *chat.Cursor, rows, added, cached int, hasMore bool, dur time.Duration) {
	evt := log.Debug().
		Int("db_rows", rows).
		Int("added", added).
		Int("cached", cached).
		Bool("has_more", hasMore).
		Dur("query_ms", dur)
	if boundary != nil {
		evt = evt.Int64("before_ts", boundary.CreatedAtMS).Str("before_id", boundary.ID)
	}
	evt.Msg("Fetched page")
}

// setFetchError records a failed fetch. The previously loaded messages stay.
// With checkGen set, the error is dropped if the fetch has gone stale.
func (c *Client) setFetchError(conversationID string, gen uint64, checkGen bool, err error) {
	c.metrics.Fetches.WithLabelValues("error").Inc()
	c.lock.Lock()
	defer c.lock.Unlock()
	st := c.cache.peek(conversationID)
	if st == nil {
		if checkGen {
			return
		}
		st = c.cache.getOrCreate(conversationID)
	} else if checkGen && st.generation != gen {
		return
	}
	st.loadState = LoadError
	st.err = err
}

// CloseConversation is called when the caller navigates away. It closes the
// subscription and invalidates in-flight fetches so that their results are
// not written into the cache. The cached history is kept.
func (c *Client) CloseConversation(conversationID string) error {
	err := c.Unsubscribe(conversationID)
	c.lock.Lock()
	if st := c.cache.peek(conversationID); st != nil {
		st.generation++
		if st.loadState.InFlight() {
			st.loadState = LoadIdle
		}
	}
	c.lock.Unlock()
	return err
}
