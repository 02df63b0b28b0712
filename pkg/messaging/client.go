// ephemera - An ephemeral conversational messaging core.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package messaging is the client-side messaging core: a per-conversation
// message cache with backward pagination, optimistic sends, realtime merging,
// read tracking and expiry filtering.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/lrhodin/ephemera/pkg/chat"
	"github.com/lrhodin/ephemera/pkg/realtime"
)

const (
	DefaultPageSize  = 50
	DefaultCacheSize = 64
)

// Persistence is the server-side store of conversations and messages. It
// filters by active participation and expiry on its own side.
type Persistence interface {
	ListConversations(ctx context.Context, userID string) ([]chat.ConversationSummary, error)
	ListMessages(ctx context.Context, q chat.PageQuery) ([]chat.Message, error)
	GetMessage(ctx context.Context, conversationID, messageID, requesterID string) (*chat.Message, error)
	InsertMessage(ctx context.Context, senderID string, draft chat.Draft) (*chat.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
}

// Authorizer is a read-only permission oracle.
type Authorizer interface {
	Can(ctx context.Context, userID, conversationID string, action chat.Action) (bool, error)
	Roster(ctx context.Context, conversationID string) ([]chat.Participant, error)
}

// SendGuard selects how concurrent sends are serialized.
type SendGuard string

const (
	// SendGuardConversation allows one in-flight send per conversation.
	SendGuardConversation SendGuard = "conversation"
	// SendGuardGlobal allows one in-flight send per client.
	SendGuardGlobal SendGuard = "global"
)

const globalSendKey = "*"

type Options struct {
	PageSize  int
	CacheSize int
	SendGuard SendGuard
	// Now is the client clock used by the expiry filter and read markers.
	Now     func() time.Time
	Metrics *Metrics
	// OnMessage is called after a pushed message was added to the cache.
	OnMessage func(msg chat.Message, fromOther bool)
}

type Client struct {
	log      zerolog.Logger
	store    Persistence
	auth     Authorizer
	identity chat.Identity
	feed     realtime.Feed
	metrics  *Metrics
	onMsg    func(chat.Message, bool)

	now       func() time.Time
	pageSize  int
	sendGuard SendGuard

	// bgCtx is used for work started by push events rather than by a caller.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	lock    sync.Mutex
	cache   *conversationCache
	sendErr error

	sending *exsync.Set[string]
	reading *exsync.Set[string]

	subLock sync.Mutex
	subs    *exsync.Map[string, realtime.Subscription]
}

func New(
	store Persistence,
	auth Authorizer,
	identity chat.Identity,
	feed realtime.Feed,
	log zerolog.Logger,
	opts Options,
) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.SendGuard == "" {
		opts.SendGuard = SendGuardConversation
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	log = log.With().Str("component", "messaging").Logger()
	c := &Client{
		log:       log,
		store:     store,
		auth:      auth,
		identity:  identity,
		feed:      feed,
		metrics:   opts.Metrics,
		onMsg:     opts.OnMessage,
		now:       opts.Now,
		pageSize:  opts.PageSize,
		sendGuard: opts.SendGuard,
		sending:   exsync.NewSet[string](),
		reading:   exsync.NewSet[string](),
		subs:      exsync.NewMap[string, realtime.Subscription](),
	}
	c.bgCtx, c.bgCancel = context.WithCancel(log.WithContext(context.Background()))
	c.cache = newConversationCache(opts.CacheSize, func(conversationID string) {
		c.metrics.Evictions.Inc()
		c.log.Debug().Str("conversation_id", conversationID).Msg("Evicted conversation from cache")
	})
	return c
}

// Close tears down every open subscription.
func (c *Client) Close() error {
	var errs []error
	for conversationID := range c.subs.CopyData() {
		if err := c.Unsubscribe(conversationID); err != nil {
			errs = append(errs, err)
		}
	}
	c.bgCancel()
	return errors.Join(errs...)
}

func (c *Client) currentUser(ctx context.Context) (string, error) {
	userID, err := c.identity.CurrentUser(ctx)
	if err != nil {
		if errors.Is(err, chat.ErrAuth) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", chat.ErrAuth, err)
	} else if userID == "" {
		return "", chat.ErrAuth
	}
	return userID, nil
}

func (c *Client) authorize(ctx context.Context, userID, conversationID string, action chat.Action) error {
	ok, err := c.auth.Can(ctx, userID, conversationID, action)
	if err != nil {
		return chat.NetworkError("check permissions", err)
	} else if !ok {
		return fmt.Errorf("%w: can't %s %s", chat.ErrNotParticipant, action, conversationID)
	}
	return nil
}

// UnreadCount returns the cached unread counter of a conversation.
func (c *Client) UnreadCount(conversationID string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	if st := c.cache.peek(conversationID); st != nil {
		return st.unread
	}
	return 0
}

// IsLoading reports whether a page fetch is in flight for the conversation.
func (c *Client) IsLoading(conversationID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if st := c.cache.peek(conversationID); st != nil {
		return st.loadState.InFlight()
	}
	return false
}

// LastError returns the last fetch or read-marking failure of the conversation,
// cleared by the next successful fetch.
func (c *Client) LastError(conversationID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if st := c.cache.peek(conversationID); st != nil {
		return st.err
	}
	return nil
}

// LoadState returns the fetch state of the conversation.
func (c *Client) LoadState(conversationID string) LoadState {
	c.lock.Lock()
	defer c.lock.Unlock()
	if st := c.cache.peek(conversationID); st != nil {
		return st.loadState
	}
	return LoadIdle
}

// HasMore reports whether older messages may exist beyond the cached ones.
func (c *Client) HasMore(conversationID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	st := c.cache.peek(conversationID)
	return st == nil || !st.loaded || st.hasMore
}

// LastSendError returns the failure of the most recent send, or nil if it succeeded.
func (c *Client) LastSendError() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sendErr
}
