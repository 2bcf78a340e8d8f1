package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lottohub/royale/internal/events"
	"github.com/lottohub/royale/internal/models"
	"github.com/lottohub/royale/internal/royale"
)

// GameStore defines what the session needs from the authoritative store.
type GameStore interface {
	CreateDraw(ctx context.Context, req royale.CreateDrawRequest) (*models.Draw, error)
	GetDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error)
	CreateGame(ctx context.Context, drawID uuid.UUID) (*models.Game, error)
	GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error)
	GetOpenGame(ctx context.Context) (*models.Game, error)
	ListActiveGames(ctx context.Context) ([]*models.Game, error)
	UpdateGame(ctx context.Context, id uuid.UUID, version int, req royale.UpdateGameRequest) (*models.Game, error)
	EnsurePlayer(ctx context.Context, gameID, userID uuid.UUID) (*models.Player, error)
	ListPlayers(ctx context.Context, gameID uuid.UUID) ([]*models.Player, error)
	SetPlayerFinalStage(ctx context.Context, playerID uuid.UUID, stage int) error
	PurchaseTicket(ctx context.Context, req royale.PurchaseTicketRequest) (*models.Game, error)
}

// Wallet settles winnings against the external balance ledger.
type Wallet interface {
	Credit(ctx context.Context, userID uuid.UUID, amount float64) (*models.User, error)
}

// Eliminator decides which numbers survive a phase.
type Eliminator interface {
	Advance(remaining []int, keepFraction float64) (survivors, eliminated []int)
}

// ClockRegistry drives per-game countdown ticks.
type ClockRegistry interface {
	Start(gameID uuid.UUID, interval time.Duration, onTick func(gameID uuid.UUID)) bool
	Stop(gameID uuid.UUID)
	IsRunning(gameID uuid.UUID) bool
}

// DrawTemplate holds the parameters each automatically provisioned draw is
// stamped from.
type DrawTemplate struct {
	GridSize      int
	RoundTimeMs   int
	RemovalPhases []float64
	StartDelay    time.Duration
}

// Config tunes the session.
type Config struct {
	TicketPrice   float64
	CashbackRate  float64
	MaxSelections int
	TickInterval  time.Duration
	Cooldown      time.Duration
	Template      DrawTemplate
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		TicketPrice:   100,
		CashbackRate:  0.05,
		MaxSelections: 6,
		TickInterval:  time.Second,
		Cooldown:      15 * time.Second,
		Template: DrawTemplate{
			GridSize:      10,
			RoundTimeMs:   10000,
			RemovalPhases: []float64{0.5, 0.3, 0.4, 0.8},
			StartDelay:    time.Minute,
		},
	}
}

// Session is the per-game state machine: it owns ticket purchases, tick
// handling, phase advancement, win resolution and next-game provisioning.
// All mutations for one game id are serialized behind that game's mutex;
// the store's version CAS covers writers outside this process.
type Session struct {
	store     GameStore
	wallet    Wallet
	engine    Eliminator
	clocks    ClockRegistry
	publisher events.Publisher
	clock     clockwork.Clock
	cfg       Config

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	// Serializes EnsureOpenGame: the cooldown timer and the provisioner
	// loop can both call it, and check-then-create must not interleave.
	provisionMu sync.Mutex
}

// NewSession creates a session. Pass clockwork.NewRealClock() in production.
func NewSession(store GameStore, wallet Wallet, engine Eliminator, clocks ClockRegistry,
	publisher events.Publisher, clk clockwork.Clock, cfg Config) *Session {
	return &Session{
		store:     store,
		wallet:    wallet,
		engine:    engine,
		clocks:    clocks,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// gameLock returns the mutex serializing all state changes for one game.
func (s *Session) gameLock(gameID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[gameID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[gameID] = mu
	}
	return mu
}

// CreateDraw validates and persists a draw template.
func (s *Session) CreateDraw(ctx context.Context, req royale.CreateDrawRequest) (*models.Draw, error) {
	return s.store.CreateDraw(ctx, req)
}

// CreateGame creates a pending game for the draw and announces it.
func (s *Session) CreateGame(ctx context.Context, drawID uuid.UUID) (*models.Game, error) {
	draw, err := s.store.GetDraw(ctx, drawID)
	if err != nil {
		return nil, err
	}
	game, err := s.store.CreateGame(ctx, drawID)
	if err != nil {
		return nil, err
	}
	if err := s.publisher.PublishGameCreated(ctx, events.GameCreatedPayload{
		GameID:   game.ID,
		DrawID:   draw.ID,
		StartsAt: draw.StartsAt,
	}); err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("failed to publish game created")
	}
	return game, nil
}

// ActiveGame returns the current open (not over) game.
func (s *Session) ActiveGame(ctx context.Context) (*models.Game, error) {
	return s.store.GetOpenGame(ctx)
}

// RegisterPlayer lazily creates the player row for a user joining a game.
func (s *Session) RegisterPlayer(ctx context.Context, gameID, userID uuid.UUID) (*models.Player, error) {
	return s.store.EnsurePlayer(ctx, gameID, userID)
}

// BuyTicket validates and applies a ticket purchase, activating the game on
// the first sold ticket. Purchases against an active or finished game are
// rejected with ErrGameClosed and change nothing.
func (s *Session) BuyTicket(ctx context.Context, gameID, userID uuid.UUID, selectedNumbers []int) (*models.Game, error) {
	mu := s.gameLock(gameID)
	mu.Lock()
	defer mu.Unlock()

	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game.IsGameActive || game.IsGameOver {
		return nil, fmt.Errorf("game %s: %w", gameID, royale.ErrGameClosed)
	}

	draw, err := s.store.GetDraw(ctx, game.DrawID)
	if err != nil {
		return nil, err
	}
	if err := s.validateSelection(draw, selectedNumbers); err != nil {
		return nil, err
	}

	cashback := math.Floor(s.cfg.TicketPrice * s.cfg.CashbackRate)
	game, err = s.store.PurchaseTicket(ctx, royale.PurchaseTicketRequest{
		GameID:          gameID,
		UserID:          userID,
		SelectedNumbers: selectedNumbers,
		Price:           s.cfg.TicketPrice,
		Cashback:        cashback,
	})
	if err != nil {
		return nil, err
	}

	// First sold ticket arms the clock.
	if !game.IsGameActive {
		started, err := s.startGame(ctx, game, draw)
		if err != nil {
			log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to start game after first ticket")
		} else {
			game = started
		}
	}

	s.publishUpdated(ctx, gameID)
	return game, nil
}

func (s *Session) validateSelection(draw *models.Draw, selectedNumbers []int) error {
	if len(selectedNumbers) == 0 || len(selectedNumbers) > s.cfg.MaxSelections {
		return fmt.Errorf("must select between 1 and %d numbers: %w",
			s.cfg.MaxSelections, royale.ErrInvalidArgument)
	}
	seen := make(map[int]bool, len(selectedNumbers))
	for _, n := range selectedNumbers {
		if n < 1 || n > draw.TotalNumbers() {
			return fmt.Errorf("number %d is outside the grid: %w", n, royale.ErrInvalidArgument)
		}
		if seen[n] {
			return fmt.Errorf("number %d selected twice: %w", n, royale.ErrInvalidArgument)
		}
		seen[n] = true
	}
	return nil
}

// startGame flips the game active, resets the phase timer and starts the
// clock. Caller must hold the game lock.
func (s *Session) startGame(ctx context.Context, game *models.Game, draw *models.Draw) (*models.Game, error) {
	if game.IsGameActive || game.IsGameOver {
		log.Warn().Str("game_id", game.ID.String()).Msg("start requested for game already active or over")
		return game, nil
	}

	update := royale.UpdateFrom(game)
	update.IsGameActive = true
	update.TimeLeftMs = draw.RoundTimeMs
	updated, err := s.store.UpdateGame(ctx, game.ID, game.Version, update)
	if err != nil {
		return nil, err
	}

	s.clocks.Start(updated.ID, s.cfg.TickInterval, s.HandleTick)
	log.Info().
		Str("game_id", updated.ID.String()).
		Int("time_left_ms", updated.TimeLeftMs).
		Msg("game started")
	return updated, nil
}

// TryStartDue force-starts the open game once its draw's start time has
// passed, provided at least one ticket is sold. Used by the provisioner as
// insurance when activation-by-purchase never happened before startsAt.
func (s *Session) TryStartDue(ctx context.Context) error {
	game, err := s.store.GetOpenGame(ctx)
	if err != nil {
		if errors.Is(err, royale.ErrNotFound) {
			return nil
		}
		return err
	}
	if game.IsGameActive || game.IsGameOver {
		return nil
	}

	draw, err := s.store.GetDraw(ctx, game.DrawID)
	if err != nil {
		return err
	}
	if s.clock.Now().Before(draw.StartsAt) {
		return nil
	}

	players, err := s.store.ListPlayers(ctx, game.ID)
	if err != nil {
		return err
	}
	if countTicketed(players) == 0 {
		return nil
	}

	mu := s.gameLock(game.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read: a purchase may have started the game while we waited.
	game, err = s.store.GetGame(ctx, game.ID)
	if err != nil {
		return err
	}
	if game.IsGameActive || game.IsGameOver {
		return nil
	}
	if _, err := s.startGame(ctx, game, draw); err != nil {
		return err
	}
	s.publishUpdated(ctx, game.ID)
	return nil
}

// HandleTick is the clock callback: it burns down the phase timer and, at
// zero, advances the phase. Duplicate ticks are harmless — the handler
// re-reads persisted state and no-ops once the game is over, inactive, or
// already advanced by another writer.
func (s *Session) HandleTick(gameID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mu := s.gameLock(gameID)
	mu.Lock()
	defer mu.Unlock()

	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("tick: failed to load game")
		if errors.Is(err, royale.ErrNotFound) {
			s.clocks.Stop(gameID)
		}
		return
	}
	if game.IsGameOver || !game.IsGameActive {
		s.clocks.Stop(gameID)
		log.Info().
			Str("game_id", gameID.String()).
			Bool("over", game.IsGameOver).
			Bool("active", game.IsGameActive).
			Msg("tick for settled game, stopping clock")
		return
	}

	game.TimeLeftMs -= int(s.cfg.TickInterval / time.Millisecond)
	if game.TimeLeftMs > 0 {
		if _, err := s.store.UpdateGame(ctx, game.ID, game.Version, royale.UpdateFrom(game)); err != nil {
			log.Warn().Err(err).Str("game_id", gameID.String()).Msg("tick: countdown update lost")
			return
		}
		s.publishUpdated(ctx, gameID)
		return
	}

	// Phase expired: stop the clock before the slow part so the next phase
	// starts on a fresh interval instead of drifting.
	s.clocks.Stop(gameID)
	s.advancePhase(ctx, game)
}

// advancePhase runs the elimination for the current phase and either arms
// the next phase or ends the game. Caller must hold the game lock.
func (s *Session) advancePhase(ctx context.Context, game *models.Game) {
	draw, err := s.store.GetDraw(ctx, game.DrawID)
	if err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("advance: failed to load draw")
		return
	}

	if game.CurrentPhase >= len(draw.RemovalPhases) {
		log.Info().Str("game_id", game.ID.String()).Msg("no removal phases left, ending game")
		s.endGame(ctx, game, draw)
		return
	}

	remaining := game.RemainingNumbers(draw.TotalNumbers())
	survivors, eliminated := s.engine.Advance(remaining, draw.RemovalPhases[game.CurrentPhase])
	game.EliminatedNumbers = append(game.EliminatedNumbers, eliminated...)

	log.Info().
		Str("game_id", game.ID.String()).
		Int("phase", game.CurrentPhase).
		Int("eliminated", len(eliminated)).
		Int("survivors", len(survivors)).
		Msg("phase advanced")

	s.markEliminatedPlayers(ctx, game)

	game.CurrentPhase++
	game.TimeLeftMs = draw.RoundTimeMs

	if len(survivors) <= 1 || game.CurrentPhase >= len(draw.RemovalPhases) {
		s.endGame(ctx, game, draw)
		return
	}

	updated, err := s.store.UpdateGame(ctx, game.ID, game.Version, royale.UpdateFrom(game))
	if err != nil {
		if errors.Is(err, royale.ErrStaleVersion) {
			log.Warn().Str("game_id", game.ID.String()).Msg("advance: another writer already advanced the phase")
			return
		}
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("advance: failed to persist phase")
		return
	}

	s.clocks.Start(updated.ID, s.cfg.TickInterval, s.HandleTick)
	s.publishUpdated(ctx, updated.ID)
}

// markEliminatedPlayers stamps final_stage on every ticketed player whose
// last number just left the grid.
func (s *Session) markEliminatedPlayers(ctx context.Context, game *models.Game) {
	players, err := s.store.ListPlayers(ctx, game.ID)
	if err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("failed to list players for elimination check")
		return
	}

	eliminated := make(map[int]bool, len(game.EliminatedNumbers))
	for _, n := range game.EliminatedNumbers {
		eliminated[n] = true
	}

	for _, p := range players {
		if !p.HasTicket || p.FinalStage != nil || p.HasSurvivor(eliminated) {
			continue
		}
		if err := s.store.SetPlayerFinalStage(ctx, p.ID, game.CurrentPhase); err != nil {
			log.Error().Err(err).Str("player_id", p.ID.String()).Msg("failed to record player final stage")
			continue
		}
		log.Info().
			Str("game_id", game.ID.String()).
			Str("user_id", p.UserID.String()).
			Int("phase", game.CurrentPhase).
			Msg("player fully eliminated")
	}
}

// endGame settles the game: winner resolution, payout, terminal persist and
// cooldown scheduling for the next draw+game pair. Caller must hold the
// game lock.
func (s *Session) endGame(ctx context.Context, game *models.Game, draw *models.Draw) {
	if game.IsGameOver {
		log.Warn().Str("game_id", game.ID.String()).Msg("end requested for game already over")
		return
	}

	s.clocks.Stop(game.ID)
	game.IsGameOver = true
	game.IsGameActive = false
	game.WinningInfo = s.resolveWinner(ctx, game, draw)

	if _, err := s.store.UpdateGame(ctx, game.ID, game.Version, royale.UpdateFrom(game)); err != nil {
		if errors.Is(err, royale.ErrStaleVersion) {
			log.Warn().Str("game_id", game.ID.String()).Msg("end: another writer already ended the game")
			return
		}
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("end: failed to persist terminal state")
		return
	}

	// Credit only after this writer's terminal state won the version check;
	// a lost write means another process settles, never both.
	s.settleWinnings(ctx, game)

	log.Info().
		Str("game_id", game.ID.String()).
		Float64("bank", game.TotalBank).
		Msg("game over")
	s.publishUpdated(ctx, game.ID)

	// Cooldown, then provision the next round. The provisioner loop is the
	// out-of-band retry when this fails.
	s.clock.AfterFunc(s.cfg.Cooldown, s.provisionNext)
}

// resolveWinner finds the ticketed holder of the single remaining number
// and computes the payout. When no single number remains, or nobody holds
// it, the bank is retained and the info records no winner. The wallet is
// not touched here; settleWinnings pays out after the terminal state is
// persisted.
func (s *Session) resolveWinner(ctx context.Context, game *models.Game, draw *models.Draw) *models.WinningInfo {
	noWinner := &models.WinningInfo{}

	remaining := game.RemainingNumbers(draw.TotalNumbers())
	if len(remaining) != 1 {
		log.Warn().
			Str("game_id", game.ID.String()).
			Int("remaining", len(remaining)).
			Msg("game ended without a single winning number")
		return noWinner
	}
	winningNumber := remaining[0]

	players, err := s.store.ListPlayers(ctx, game.ID)
	if err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("failed to list players for winner resolution")
		return noWinner
	}

	for _, p := range players {
		if !p.HasTicket || !contains(p.SelectedNumbers, winningNumber) {
			continue
		}

		if err := s.store.SetPlayerFinalStage(ctx, p.ID, game.CurrentPhase); err != nil {
			log.Error().Err(err).Str("player_id", p.ID.String()).Msg("failed to record winner final stage")
		}

		percentage := payoutPercentage(game.CurrentPhase)
		amount := game.TotalBank * float64(percentage) / 100

		log.Info().
			Str("game_id", game.ID.String()).
			Str("user_id", p.UserID.String()).
			Int("winning_number", winningNumber).
			Float64("amount", amount).
			Int("percentage", percentage).
			Msg("winner resolved")

		userID := p.UserID
		return &models.WinningInfo{UserID: &userID, Amount: amount, Percentage: percentage}
	}

	log.Warn().
		Str("game_id", game.ID.String()).
		Int("winning_number", winningNumber).
		Msg("winning number has no ticketed holder")
	return noWinner
}

// settleWinnings credits the persisted winner, if any.
func (s *Session) settleWinnings(ctx context.Context, game *models.Game) {
	info := game.WinningInfo
	if info == nil || info.UserID == nil || info.Amount <= 0 {
		return
	}
	if _, err := s.wallet.Credit(ctx, *info.UserID, info.Amount); err != nil {
		// Logged, not fatal: the winning info is already persisted and
		// settlement is reconciled out-of-band.
		log.Error().Err(err).
			Str("user_id", info.UserID.String()).
			Float64("amount", info.Amount).
			Msg("failed to credit winner")
		return
	}
	log.Info().
		Str("user_id", info.UserID.String()).
		Float64("amount", info.Amount).
		Msg("winner credited")
}

// payoutPercentage is the step function over phases survived.
func payoutPercentage(survivedPhases int) int {
	switch {
	case survivedPhases <= 0:
		return 0
	case survivedPhases == 1:
		return 50
	case survivedPhases == 2:
		return 60
	case survivedPhases == 3:
		return 65
	default:
		return 70
	}
}

// provisionNext creates the next draw+game pair from the template.
func (s *Session) provisionNext() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.EnsureOpenGame(ctx); err != nil {
		log.Error().Err(err).Msg("failed to provision next game after cooldown")
	}
}

// EnsureOpenGame creates a fresh draw+game pair from the template when no
// open game exists. No-op otherwise: there is never more than one open game.
func (s *Session) EnsureOpenGame(ctx context.Context) error {
	s.provisionMu.Lock()
	defer s.provisionMu.Unlock()

	if _, err := s.store.GetOpenGame(ctx); err == nil {
		return nil
	} else if !errors.Is(err, royale.ErrNotFound) {
		return err
	}

	tmpl := s.cfg.Template
	draw, err := s.store.CreateDraw(ctx, royale.CreateDrawRequest{
		GridSize:      tmpl.GridSize,
		RoundTimeMs:   tmpl.RoundTimeMs,
		RemovalPhases: tmpl.RemovalPhases,
		StartsAt:      s.clock.Now().Add(tmpl.StartDelay),
	})
	if err != nil {
		return fmt.Errorf("failed to create templated draw: %w", err)
	}
	game, err := s.CreateGame(ctx, draw.ID)
	if err != nil {
		return fmt.Errorf("failed to create game for draw %s: %w", draw.ID, err)
	}

	log.Info().
		Str("draw_id", draw.ID.String()).
		Str("game_id", game.ID.String()).
		Time("starts_at", draw.StartsAt).
		Msg("provisioned next draw and game")
	return nil
}

// ResumeActiveGames restarts clocks for games that were mid-phase when the
// process died, preserving their persisted time left.
func (s *Session) ResumeActiveGames(ctx context.Context) error {
	games, err := s.store.ListActiveGames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active games: %w", err)
	}

	resumed := 0
	for _, game := range games {
		if s.clocks.Start(game.ID, s.cfg.TickInterval, s.HandleTick) {
			resumed++
			log.Info().
				Str("game_id", game.ID.String()).
				Int("phase", game.CurrentPhase).
				Int("time_left_ms", game.TimeLeftMs).
				Msg("resumed game")
		}
	}
	log.Info().Int("count", resumed).Msg("active game recovery complete")
	return nil
}

func (s *Session) publishUpdated(ctx context.Context, gameID uuid.UUID) {
	if err := s.publisher.PublishGameUpdated(ctx, events.GameUpdatedPayload{GameID: gameID}); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to publish game updated")
	}
}

func contains(nums []int, target int) bool {
	for _, n := range nums {
		if n == target {
			return true
		}
	}
	return false
}

func countTicketed(players []*models.Player) int {
	count := 0
	for _, p := range players {
		if p.HasTicket {
			count++
		}
	}
	return count
}
