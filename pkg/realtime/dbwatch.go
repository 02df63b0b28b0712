package realtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lrhodin/ephemera/pkg/chat"
)

const (
	// DefaultQuietWindow is how long the watcher waits after the last file
	// change before polling, so that bursts of writes cause one poll.
	DefaultQuietWindow = 250 * time.Millisecond

	dbWatchBatchSize = 100
)

// ForwardLister is the part of the message store that DBWatcher polls.
type ForwardLister interface {
	NewestCursor(ctx context.Context, conversationID string) (chat.Cursor, error)
	ListForwardMessages(ctx context.Context, conversationID string, after chat.Cursor, count int) ([]chat.Message, error)
}

// DBWatcher is a push feed for processes sharing one SQLite file. It watches
// the database file with fsnotify and, after a quiet window, polls every
// subscribed conversation for rows after the last one it delivered.
type DBWatcher struct {
	store       ForwardLister
	dir         string
	base        string
	quietWindow time.Duration
	watcher     *fsnotify.Watcher
	log         zerolog.Logger

	lock   sync.Mutex
	subs   map[uint64]*watchSubscription
	nextID uint64
	timer  *time.Timer

	pollLock sync.Mutex
	stop     context.CancelFunc
	done     chan struct{}
}

var _ Feed = (*DBWatcher)(nil)

func NewDBWatcher(store ForwardLister, dbPath string, quietWindow time.Duration, log zerolog.Logger) (*DBWatcher, error) {
	if quietWindow <= 0 {
		quietWindow = DefaultQuietWindow
	}
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &DBWatcher{
		store:       store,
		dir:         filepath.Dir(absPath),
		base:        filepath.Base(absPath),
		quietWindow: quietWindow,
		watcher:     fsw,
		log:         log.With().Str("component", "realtime_dbwatch").Str("path", absPath).Logger(),
		subs:        make(map[uint64]*watchSubscription),
		stop:        cancel,
		done:        make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

func (w *DBWatcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.isDatabaseFile(evt.Name) && evt.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("File watcher error")
		}
	}
}

// isDatabaseFile matches the database itself and its -wal/-journal siblings.
func (w *DBWatcher) isDatabaseFile(name string) bool {
	base := filepath.Base(name)
	return base == w.base || strings.HasPrefix(base, w.base+"-")
}

func (w *DBWatcher) schedule(ctx context.Context) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if len(w.subs) == 0 {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.quietWindow, func() {
		w.Poll(ctx)
	})
}

func (w *DBWatcher) Subscribe(ctx context.Context, conversationID string, handler Handler) (Subscription, error) {
	cursor, err := w.store.NewestCursor(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to find stream position: %w", err)
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	w.nextID++
	sub := &watchSubscription{
		watcher:        w,
		id:             w.nextID,
		conversationID: conversationID,
		cursor:         cursor,
		handler:        handler,
	}
	w.subs[sub.id] = sub
	return sub, nil
}

// Poll delivers everything committed since the previous poll to the
// matching subscribers.
func (w *DBWatcher) Poll(ctx context.Context) {
	w.pollLock.Lock()
	defer w.pollLock.Unlock()

	w.lock.Lock()
	subs := make([]*watchSubscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.lock.Unlock()

	for _, sub := range subs {
		delivered := 0
		for {
			rows, err := w.store.ListForwardMessages(ctx, sub.conversationID, sub.cursor, dbWatchBatchSize)
			if err != nil {
				w.log.Err(err).Str("conversation_id", sub.conversationID).Msg("Failed to poll for new messages")
				break
			}
			for _, row := range rows {
				if sub.closed() {
					break
				}
				sub.handler(chat.Event{Type: chat.EventInsert, Row: row})
				sub.cursor = row.Cursor()
				delivered++
			}
			if len(rows) < dbWatchBatchSize || sub.closed() {
				break
			}
		}
		if delivered > 0 {
			w.log.Debug().
				Str("conversation_id", sub.conversationID).
				Int("count", delivered).
				Msg("Delivered new messages from database")
		}
	}
}

func (w *DBWatcher) Close() error {
	w.stop()
	err := w.watcher.Close()
	<-w.done
	w.lock.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.subs = make(map[uint64]*watchSubscription)
	w.lock.Unlock()
	return err
}

type watchSubscription struct {
	watcher        *DBWatcher
	id             uint64
	conversationID string
	handler        Handler
	// cursor is only touched under the watcher's pollLock.
	cursor chat.Cursor

	closeLock sync.Mutex
	isClosed  bool
}

func (s *watchSubscription) closed() bool {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()
	return s.isClosed
}

func (s *watchSubscription) Unsubscribe() error {
	s.closeLock.Lock()
	s.isClosed = true
	s.closeLock.Unlock()
	s.watcher.lock.Lock()
	delete(s.watcher.subs, s.id)
	s.watcher.lock.Unlock()
	return nil
}
