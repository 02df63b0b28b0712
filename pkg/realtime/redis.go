package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// RedisFeed carries events over Redis pub/sub. The go-redis PubSub
// reconnects and resubscribes on its own after a dropped connection.
type RedisFeed struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

var _ Transport = (*RedisFeed)(nil)

func DialRedis(ctx context.Context, url, prefix string, log zerolog.Logger) (*RedisFeed, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err = client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisFeed{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "realtime_redis").Logger(),
	}, nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, conversationID string, handler Handler) (Subscription, error) {
	channel := SubjectFor(f.prefix, conversationID)
	ps := f.client.Subscribe(ctx, channel)
	// Wait for the confirmation so that no event published after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			evt, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				f.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable event")
				continue
			}
			handler(evt)
		}
	}()
	return sub, nil
}

func (f *RedisFeed) Publish(ctx context.Context, evt chat.Event) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, SubjectFor(f.prefix, evt.Row.ConversationID), data).Err()
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}
