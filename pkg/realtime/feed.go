// ephemera - An ephemeral conversational messaging core.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package realtime delivers forward-only {type:insert, row} events keyed by
// conversation. Several transports implement the same Feed interface.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// Handler is called for every event on a subscribed conversation. It runs on
// the transport's goroutine and must not block for long.
type Handler func(evt chat.Event)

type Subscription interface {
	Unsubscribe() error
}

type Feed interface {
	Subscribe(ctx context.Context, conversationID string, handler Handler) (Subscription, error)
}

// Transport is a feed that can also publish, so it can be set as the
// persistence store's publisher.
type Transport interface {
	Feed
	Publish(ctx context.Context, evt chat.Event) error
	Close() error
}

// SubjectFor is the broker subject/channel of a conversation's push stream.
func SubjectFor(prefix, conversationID string) string {
	return fmt.Sprintf("%s.conversations.%s.messages", prefix, conversationID)
}

func encodeEvent(evt chat.Event) ([]byte, error) {
	return json.Marshal(evt)
}

func decodeEvent(data []byte) (chat.Event, error) {
	var evt chat.Event
	err := json.Unmarshal(data, &evt)
	return evt, err
}
