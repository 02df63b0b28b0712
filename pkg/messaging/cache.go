package messaging

import (
	"container/list"
	"time"

	"github.com/lrhodin/ephemera/pkg/chat"
)

type LoadState string

const (
	LoadIdle     LoadState = "idle"
	LoadingFirst LoadState = "loading-first"
	LoadingMore  LoadState = "loading-more"
	LoadError    LoadState = "error"
)

func (ls LoadState) InFlight() bool {
	return ls == LoadingFirst || ls == LoadingMore
}

// conversationState is the cached view of one conversation. All fields are
// guarded by Client.lock.
type conversationState struct {
	id string

	// messages is ordered newest first by (createdAt, id).
	messages []chat.Message
	// known holds the ids and idempotency keys of every message ever cached.
	known map[string]struct{}

	loaded    bool
	hasMore   bool
	loadState LoadState
	err       error

	unread     int
	lastReadAt *time.Time

	// generation is bumped whenever in-flight fetch results must be discarded.
	generation uint64
	// pinned conversations have an open subscription and are never evicted.
	pinned bool

	elem *list.Element
}

func newConversationState(id string) *conversationState {
	return &conversationState{
		id:        id,
		known:     make(map[string]struct{}),
		loadState: LoadIdle,
	}
}

func (st *conversationState) has(msg *chat.Message) bool {
	if _, ok := st.known[msg.ID]; ok {
		return true
	}
	if msg.IdempotencyKey != "" {
		_, ok := st.known["key:"+msg.IdempotencyKey]
		return ok
	}
	return false
}

func (st *conversationState) remember(msg *chat.Message) {
	st.known[msg.ID] = struct{}{}
	if msg.IdempotencyKey != "" {
		st.known["key:"+msg.IdempotencyKey] = struct{}{}
	}
}

// insert places a single message at its ordered position, which is the head
// for anything newer than the cache. It returns false for duplicates.
func (st *conversationState) insert(msg chat.Message) bool {
	if st.has(&msg) {
		return false
	}
	st.remember(&msg)
	idx := 0
	for idx < len(st.messages) && msg.OlderThan(st.messages[idx].Cursor()) {
		idx++
	}
	st.messages = append(st.messages, chat.Message{})
	copy(st.messages[idx+1:], st.messages[idx:])
	st.messages[idx] = msg
	return true
}

// appendPage adds an older page after the currently cached messages.
func (st *conversationState) appendPage(rows []chat.Message) int {
	added := 0
	for _, row := range rows {
		if st.has(&row) {
			continue
		}
		st.remember(&row)
		st.messages = append(st.messages, row)
		added++
	}
	return added
}

// boundary is the (createdAt, id) of the oldest loaded message.
func (st *conversationState) boundary() *chat.Cursor {
	if !st.loaded || len(st.messages) == 0 {
		return nil
	}
	c := st.messages[len(st.messages)-1].Cursor()
	return &c
}

// reset discards the cached history. Unread and read marker are server state
// and survive.
func (st *conversationState) reset() {
	st.messages = nil
	st.known = make(map[string]struct{})
	st.loaded = false
	st.hasMore = false
	st.loadState = LoadIdle
	st.err = nil
	st.generation++
}

// conversationCache is a bounded most-recently-used map of conversation states.
type conversationCache struct {
	max     int
	order   *list.List
	items   map[string]*conversationState
	onEvict func(conversationID string)
}

func newConversationCache(max int, onEvict func(string)) *conversationCache {
	return &conversationCache{
		max:     max,
		order:   list.New(),
		items:   make(map[string]*conversationState),
		onEvict: onEvict,
	}
}

func (cc *conversationCache) peek(id string) *conversationState {
	return cc.items[id]
}

func (cc *conversationCache) getOrCreate(id string) *conversationState {
	if st, ok := cc.items[id]; ok {
		cc.order.MoveToFront(st.elem)
		return st
	}
	st := newConversationState(id)
	st.elem = cc.order.PushFront(st)
	cc.items[id] = st
	cc.evict()
	return st
}

func (cc *conversationCache) evict() {
	for elem := cc.order.Back(); elem != nil && len(cc.items) > cc.max; {
		prev := elem.Prev()
		st := elem.Value.(*conversationState)
		if !st.pinned && elem != cc.order.Front() {
			cc.order.Remove(elem)
			delete(cc.items, st.id)
			if cc.onEvict != nil {
				cc.onEvict(st.id)
			}
		}
		elem = prev
	}
}

func (cc *conversationCache) len() int {
	return len(cc.items)
}
