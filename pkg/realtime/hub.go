package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// Hub is an in-process transport. Publish delivers synchronously to every
// handler subscribed to the event's conversation.
type Hub struct {
	lock   sync.RWMutex
	rooms  map[string]map[uint64]Handler
	nextID uint64
	log    zerolog.Logger
}

var _ Transport = (*Hub)(nil)

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[uint64]Handler),
		log:   log.With().Str("component", "realtime_hub").Logger(),
	}
}

func (h *Hub) Subscribe(_ context.Context, conversationID string, handler Handler) (Subscription, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.nextID++
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[uint64]Handler)
		h.rooms[conversationID] = room
	}
	room[h.nextID] = handler
	return &hubSubscription{hub: h, conversationID: conversationID, id: h.nextID}, nil
}

func (h *Hub) Publish(_ context.Context, evt chat.Event) error {
	h.lock.RLock()
	room := h.rooms[evt.Row.ConversationID]
	handlers := make([]Handler, 0, len(room))
	for _, handler := range room {
		handlers = append(handlers, handler)
	}
	h.lock.RUnlock()

	for _, handler := range handlers {
		handler(evt)
	}
	h.log.Trace().
		Str("conversation_id", evt.Row.ConversationID).
		Str("message_id", evt.Row.ID).
		Int("receivers", len(handlers)).
		Msg("Delivered event")
	return nil
}

// Subscribers returns how many handlers are attached to a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.rooms[conversationID])
}

func (h *Hub) Close() error {
	h.lock.Lock()
	h.rooms = make(map[string]map[uint64]Handler)
	h.lock.Unlock()
	return nil
}

func (h *Hub) remove(conversationID string, id uint64) {
	h.lock.Lock()
	defer h.lock.Unlock()
	room := h.rooms[conversationID]
	delete(room, id)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}

type hubSubscription struct {
	hub            *Hub
	conversationID string
	id             uint64
	once           sync.Once
}

func (s *hubSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.remove(s.conversationID, s.id)
	})
	return nil
}
