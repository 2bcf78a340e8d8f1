package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher fans game events out to whoever broadcasts them to clients.
type Publisher interface {
	PublishGameCreated(ctx context.Context, payload GameCreatedPayload) error
	PublishGameUpdated(ctx context.Context, payload GameUpdatedPayload) error
}

// NATSPublisher publishes events to core NATS subjects. Delivery is
// at-most-once on purpose: every tick supersedes the previous snapshot, so
// a dropped event heals itself on the next one.
type NATSPublisher struct {
	nc *nats.Conn
}

// Connect dials NATS with reconnect handling and returns a publisher on
// the connection.
func Connect(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATSPublisher(nc), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

func (p *NATSPublisher) PublishGameCreated(ctx context.Context, payload GameCreatedPayload) error {
	return p.publish(SubjectGameCreated, payload)
}

func (p *NATSPublisher) PublishGameUpdated(ctx context.Context, payload GameUpdatedPayload) error {
	return p.publish(SubjectGameUpdated, payload)
}

func (p *NATSPublisher) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Conn exposes the underlying connection so the gateway consumer can share
// it.
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.nc
}

// LogPublisher logs events instead of publishing them, for development and
// tests without a broker.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) PublishGameCreated(ctx context.Context, payload GameCreatedPayload) error {
	log.Info().
		Str("game_id", payload.GameID.String()).
		Str("draw_id", payload.DrawID.String()).
		Msg("event: game created")
	return nil
}

func (p *LogPublisher) PublishGameUpdated(ctx context.Context, payload GameUpdatedPayload) error {
	log.Debug().
		Str("game_id", payload.GameID.String()).
		Msg("event: game updated")
	return nil
}
