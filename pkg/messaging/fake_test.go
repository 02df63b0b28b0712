package messaging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/ephemera/pkg/chat"
	"github.com/lrhodin/ephemera/pkg/realtime"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var errUnreachable = errors.New("connection refused")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeStore is an in-memory Persistence with server-side filtering and hooks
// for blocking or failing calls.
type fakeStore struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int
	messages map[string][]chat.Message
	readAt   map[string]time.Time
	members  map[string]map[string]bool
	convs    []chat.Conversation

	listCalls     int
	insertCalls   int
	markReadCalls int

	listHook   func(q chat.PageQuery)
	insertHook func(draft chat.Draft)

	listErr       error
	insertErr     error
	lostInsertErr error
	markReadErr   error

	hub *realtime.Hub
}

var _ Persistence = (*fakeStore)(nil)
var _ Authorizer = (*fakeStore)(nil)

func newFakeStore(clock *testClock) *fakeStore {
	return &fakeStore{
		now:      clock.Now,
		messages: make(map[string][]chat.Message),
		readAt:   make(map[string]time.Time),
		members:  make(map[string]map[string]bool),
	}
}

func (fs *fakeStore) addConversation(id string, updatedAt time.Time, members ...string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.convs = append(fs.convs, chat.Conversation{ID: id, Kind: chat.KindGroup, CreatedAt: updatedAt, UpdatedAt: updatedAt})
	fs.members[id] = make(map[string]bool)
	for _, member := range members {
		fs.members[id][member] = true
	}
}

func (fs *fakeStore) setActive(conversationID, userID string, active bool) {
	fs.mu.Lock()
	fs.members[conversationID][userID] = active
	fs.mu.Unlock()
}

func (fs *fakeStore) add(conversationID, senderID string, createdAt time.Time) chat.Message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.addLocked(conversationID, senderID, fmt.Sprintf("hello %d", fs.seq+1), createdAt, "")
}

func (fs *fakeStore) addLocked(conversationID, senderID, content string, createdAt time.Time, key string) chat.Message {
	fs.seq++
	msg := chat.Message{
		ID:             fmt.Sprintf("m%04d", fs.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           chat.MessageText,
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(24 * time.Hour),
		IdempotencyKey: key,
	}
	fs.messages[conversationID] = append(fs.messages[conversationID], msg)
	return msg
}

func (fs *fakeStore) count(conversationID string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.messages[conversationID])
}

func (fs *fakeStore) calls() (list, insert, markRead int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.listCalls, fs.insertCalls, fs.markReadCalls
}

func (fs *fakeStore) ListConversations(_ context.Context, userID string) ([]chat.ConversationSummary, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []chat.ConversationSummary
	for _, conv := range fs.convs {
		if fs.members[conv.ID][userID] {
			out = append(out, chat.ConversationSummary{Conversation: conv, UnreadCount: fs.unreadLocked(conv.ID, userID)})
		}
	}
	slices.SortFunc(out, func(a, b chat.ConversationSummary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (fs *fakeStore) ListMessages(_ context.Context, q chat.PageQuery) ([]chat.Message, error) {
	fs.mu.Lock()
	fs.listCalls++
	hook := fs.listHook
	fs.mu.Unlock()
	if hook != nil {
		hook(q)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.listErr != nil {
		return nil, fs.listErr
	} else if !fs.members[q.ConversationID][q.RequesterID] {
		return nil, nil
	}
	now := fs.now()
	var out []chat.Message
	for _, msg := range fs.messages[q.ConversationID] {
		if msg.VisibleAt(now) && (q.Before == nil || msg.OlderThan(*q.Before)) {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b chat.Message) int {
		if a.NewerThan(&b) {
			return -1
		}
		return 1
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (fs *fakeStore) GetMessage(_ context.Context, conversationID, messageID, requesterID string) (*chat.Message, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.members[conversationID][requesterID] {
		return nil, nil
	}
	for _, msg := range fs.messages[conversationID] {
		if msg.ID == messageID && msg.VisibleAt(fs.now()) {
			return &msg, nil
		}
	}
	return nil, nil
}

func (fs *fakeStore) InsertMessage(ctx context.Context, senderID string, draft chat.Draft) (*chat.Message, error) {
	fs.mu.Lock()
	fs.insertCalls++
	hook := fs.insertHook
	fs.mu.Unlock()
	if hook != nil {
		hook(draft)
	}
	fs.mu.Lock()
	if fs.insertErr != nil {
		fs.mu.Unlock()
		return nil, fs.insertErr
	} else if !fs.members[draft.ConversationID][senderID] {
		fs.mu.Unlock()
		return nil, chat.ErrNotParticipant
	}
	for _, msg := range fs.messages[draft.ConversationID] {
		if draft.IdempotencyKey != "" && msg.IdempotencyKey == draft.IdempotencyKey && msg.SenderID == senderID {
			fs.mu.Unlock()
			return &msg, nil
		}
	}
	msg := fs.addLocked(draft.ConversationID, senderID, draft.Content, fs.now(), draft.IdempotencyKey)
	lostErr := fs.lostInsertErr
	fs.lostInsertErr = nil
	hub := fs.hub
	fs.mu.Unlock()
	if hub != nil {
		_ = hub.Publish(ctx, chat.Event{Type: chat.EventInsert, Row: msg})
	}
	if lostErr != nil {
		return nil, lostErr
	}
	return &msg, nil
}

func (fs *fakeStore) MarkRead(_ context.Context, conversationID, userID string, at time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.markReadCalls++
	if fs.markReadErr != nil {
		return fs.markReadErr
	}
	key := conversationID + "/" + userID
	if prev, ok := fs.readAt[key]; !ok || prev.Before(at) {
		fs.readAt[key] = at
	}
	return nil
}

func (fs *fakeStore) lastRead(conversationID, userID string) time.Time {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readAt[conversationID+"/"+userID]
}

func (fs *fakeStore) CountUnread(_ context.Context, conversationID, userID string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.unreadLocked(conversationID, userID), nil
}

func (fs *fakeStore) unreadLocked(conversationID, userID string) int {
	readAt, hasRead := fs.readAt[conversationID+"/"+userID]
	now := fs.now()
	count := 0
	for _, msg := range fs.messages[conversationID] {
		if msg.SenderID != userID && msg.VisibleAt(now) && (!hasRead || msg.CreatedAt.After(readAt)) {
			count++
		}
	}
	return count
}

func (fs *fakeStore) Can(_ context.Context, userID, conversationID string, _ chat.Action) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.members[conversationID][userID], nil
}

func (fs *fakeStore) Roster(_ context.Context, conversationID string) ([]chat.Participant, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []chat.Participant
	for userID, active := range fs.members[conversationID] {
		out = append(out, chat.Participant{ConversationID: conversationID, UserID: userID, Role: chat.RoleMember, Active: active})
	}
	slices.SortFunc(out, func(a, b chat.Participant) int {
		if a.UserID < b.UserID {
			return -1
		}
		return 1
	})
	return out, nil
}

type testEnv struct {
	clock  *testClock
	store  *fakeStore
	hub    *realtime.Hub
	client *Client
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	clock := &testClock{now: t0}
	store := newFakeStore(clock)
	hub := realtime.NewHub(zerolog.Nop())
	store.hub = hub
	opts.Now = clock.Now
	client := New(store, store, chat.StaticIdentity("alice"), hub, zerolog.Nop(), opts)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return &testEnv{clock: clock, store: store, hub: hub, client: client}
}

// blocker pauses a hooked call until released.
type blocker struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blocker) wait() {
	b.started <- struct{}{}
	<-b.release
}

func (b *blocker) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocked call never started")
	}
}

func (b *blocker) unblock() {
	b.once.Do(func() { close(b.release) })
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.ID
	}
	return out
}
