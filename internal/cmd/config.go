package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lottohub/royale/internal/session"
)

// Config is the game tuning loaded from config.yaml. Infrastructure
// settings (database, NATS, port) come from the environment instead.
type Config struct {
	Game struct {
		TicketPrice     float64 `yaml:"ticket_price"`
		CashbackRate    float64 `yaml:"cashback_rate"`
		MaxSelections   int     `yaml:"max_selections"`
		TickIntervalMs  int     `yaml:"tick_interval_ms"`
		CooldownSeconds int     `yaml:"cooldown_seconds"`
	} `yaml:"game"`
	Template struct {
		GridSize          int       `yaml:"grid_size"`
		RoundTimeMs       int       `yaml:"round_time_ms"`
		RemovalPhases     []float64 `yaml:"removal_phases"`
		StartDelaySeconds int       `yaml:"start_delay_seconds"`
	} `yaml:"template"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// sessionConfig maps the file onto the session's tuning, falling back to
// the production defaults for anything left unset.
func (c *Config) sessionConfig() session.Config {
	cfg := session.DefaultConfig()
	if c.Game.TicketPrice > 0 {
		cfg.TicketPrice = c.Game.TicketPrice
	}
	if c.Game.CashbackRate > 0 {
		cfg.CashbackRate = c.Game.CashbackRate
	}
	if c.Game.MaxSelections > 0 {
		cfg.MaxSelections = c.Game.MaxSelections
	}
	if c.Game.TickIntervalMs > 0 {
		cfg.TickInterval = time.Duration(c.Game.TickIntervalMs) * time.Millisecond
	}
	if c.Game.CooldownSeconds > 0 {
		cfg.Cooldown = time.Duration(c.Game.CooldownSeconds) * time.Second
	}
	if c.Template.GridSize > 0 {
		cfg.Template.GridSize = c.Template.GridSize
	}
	if c.Template.RoundTimeMs > 0 {
		cfg.Template.RoundTimeMs = c.Template.RoundTimeMs
	}
	if len(c.Template.RemovalPhases) > 0 {
		cfg.Template.RemovalPhases = c.Template.RemovalPhases
	}
	if c.Template.StartDelaySeconds > 0 {
		cfg.Template.StartDelay = time.Duration(c.Template.StartDelaySeconds) * time.Second
	}
	return cfg
}
