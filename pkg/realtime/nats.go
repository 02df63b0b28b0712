package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// NATSFeed carries events over core NATS subjects, one per conversation.
// Reconnection is handled by the NATS client; subscriptions survive it.
type NATSFeed struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

var _ Transport = (*NATSFeed)(nil)

func DialNATS(url, prefix string, log zerolog.Logger) (*NATSFeed, error) {
	log = log.With().Str("component", "realtime_nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("ephemera"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSFeed{nc: nc, prefix: prefix, log: log}, nil
}

func (f *NATSFeed) Subscribe(_ context.Context, conversationID string, handler Handler) (Subscription, error) {
	subject := SubjectFor(f.prefix, conversationID)
	sub, err := f.nc.Subscribe(subject, func(msg *nats.Msg) {
		evt, err := decodeEvent(msg.Data)
		if err != nil {
			f.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping undecodable event")
			return
		}
		handler(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

func (f *NATSFeed) Publish(ctx context.Context, evt chat.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	return f.nc.Publish(SubjectFor(f.prefix, evt.Row.ConversationID), data)
}

func (f *NATSFeed) Close() error {
	return f.nc.Drain()
}
