package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lottohub/royale/internal/events"
)

// EventConsumer subscribes to game events on NATS and fans them out to
// WebSocket clients through the Broadcaster. Events are fire-and-forget: a
// missed update is superseded by the next one, and clients can always
// refetch state over the socket.
type EventConsumer struct {
	nc          *nats.Conn
	broadcaster *Broadcaster
	msgCh       chan *nats.Msg
	subs        []*nats.Subscription
}

// NewEventConsumer creates a consumer on an existing NATS connection. The
// connection is shared with the publisher and owned by the caller.
func NewEventConsumer(nc *nats.Conn, broadcaster *Broadcaster) *EventConsumer {
	return &EventConsumer{
		nc:          nc,
		broadcaster: broadcaster,
		msgCh:       make(chan *nats.Msg, 256),
	}
}

// Start subscribes to game subjects and processes messages until the
// context is cancelled.
func (ec *EventConsumer) Start(ctx context.Context) error {
	for _, subject := range []string{events.SubjectGameCreated, events.SubjectGameUpdated} {
		sub, err := ec.nc.ChanSubscribe(subject, ec.msgCh)
		if err != nil {
			ec.drainSubs()
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		ec.subs = append(ec.subs, sub)
	}

	log.Info().Msg("starting game event consumer")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event consumer shutting down")
			ec.drainSubs()
			return nil
		case msg := <-ec.msgCh:
			if err := ec.processMessage(ctx, msg); err != nil {
				log.Error().
					Err(err).
					Str("subject", msg.Subject).
					Msg("failed to process game event")
			}
		}
	}
}

// processMessage dispatches a single NATS message by subject.
func (ec *EventConsumer) processMessage(ctx context.Context, msg *nats.Msg) error {
	switch msg.Subject {
	case events.SubjectGameUpdated:
		var payload events.GameUpdatedPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return fmt.Errorf("unmarshal game updated payload: %w", err)
		}
		ec.broadcaster.Notify(ctx, payload.GameID)
		return nil

	case events.SubjectGameCreated:
		var payload events.GameCreatedPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return fmt.Errorf("unmarshal game created payload: %w", err)
		}
		ec.broadcaster.AnnounceGame(ActiveGamePayload{
			GameID:   payload.GameID,
			StartsAt: payload.StartsAt.Format(time.RFC3339),
		})
		return nil

	default:
		return fmt.Errorf("unknown subject: %s", msg.Subject)
	}
}

func (ec *EventConsumer) drainSubs() {
	for _, sub := range ec.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("failed to unsubscribe")
		}
	}
	ec.subs = nil
}
