package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ProvisionerConfig tunes the background provisioning loop.
type ProvisionerConfig struct {
	// CreateInterval is how often to check that an open game exists.
	CreateInterval time.Duration
	// StartPollInterval is how often to check whether a pending game's
	// start time has passed.
	StartPollInterval time.Duration
}

// DefaultProvisionerConfig mirrors the production cadence.
func DefaultProvisionerConfig() ProvisionerConfig {
	return ProvisionerConfig{
		CreateInterval:    time.Minute,
		StartPollInterval: time.Second,
	}
}

// Provisioner keeps the game carousel turning: it makes sure an open game
// always exists and force-starts pending games whose draw start time has
// passed. Both checks are insurance — games normally start on first
// purchase and the post-game cooldown normally provisions the successor —
// so the loop is also the out-of-band retry for both paths.
type Provisioner struct {
	session *Session
	clock   clockwork.Clock
	cfg     ProvisionerConfig
}

func NewProvisioner(session *Session, clk clockwork.Clock, cfg ProvisionerConfig) *Provisioner {
	return &Provisioner{
		session: session,
		clock:   clk,
		cfg:     cfg,
	}
}

// Run loops until ctx is cancelled.
func (p *Provisioner) Run(ctx context.Context) error {
	log.Info().
		Dur("create_interval", p.cfg.CreateInterval).
		Dur("start_poll_interval", p.cfg.StartPollInterval).
		Msg("provisioner started")

	create := p.clock.NewTicker(p.cfg.CreateInterval)
	defer create.Stop()
	start := p.clock.NewTicker(p.cfg.StartPollInterval)
	defer start.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("provisioner shutting down")
			return nil
		case <-create.Chan():
			if err := p.session.EnsureOpenGame(ctx); err != nil {
				log.Error().Err(err).Msg("provisioner: failed to ensure open game")
			}
		case <-start.Chan():
			if err := p.session.TryStartDue(ctx); err != nil {
				log.Error().Err(err).Msg("provisioner: failed to start due game")
			}
		}
	}
}
