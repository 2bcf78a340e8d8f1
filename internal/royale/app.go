package royale

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/lottohub/royale/internal/models"
	"github.com/lottohub/royale/internal/sqlutil"
	"github.com/lottohub/royale/internal/users"
)

// App is the authoritative store for draws, games and players: validation
// plus whole-record persistence. All game-state mutation in the system goes
// through it.
type App struct {
	repo   *Repository
	wallet *users.Repository
	db     *sql.DB
}

// NewApp creates a new royale App. db is needed to run the purchase
// transaction across the game and wallet repositories.
func NewApp(repo *Repository, wallet *users.Repository, db *sql.DB) *App {
	return &App{
		repo:   repo,
		wallet: wallet,
		db:     db,
	}
}

// CreateDraw validates and persists a new draw template.
func (a *App) CreateDraw(ctx context.Context, req CreateDrawRequest) (*models.Draw, error) {
	if err := validateCreateDrawRequest(req); err != nil {
		return nil, err
	}

	draw, err := a.repo.CreateDraw(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create draw: %w", err)
	}

	log.Printf("Created draw %s: grid %dx%d, %d phases, round %dms",
		draw.ID, draw.GridSize, draw.GridSize, len(draw.RemovalPhases), draw.RoundTimeMs)
	return draw, nil
}

func (a *App) GetDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error) {
	return a.repo.GetDraw(ctx, id)
}

// CreateGame creates a pending game bound to an existing draw.
func (a *App) CreateGame(ctx context.Context, drawID uuid.UUID) (*models.Game, error) {
	draw, err := a.repo.GetDraw(ctx, drawID)
	if err != nil {
		return nil, err
	}

	game, err := a.repo.CreateGame(ctx, draw)
	if err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}

	log.Printf("Created game %s for draw %s", game.ID, drawID)
	return game, nil
}

func (a *App) GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	return a.repo.GetGame(ctx, id)
}

func (a *App) GetOpenGame(ctx context.Context) (*models.Game, error) {
	return a.repo.GetOpenGame(ctx)
}

func (a *App) ListActiveGames(ctx context.Context) ([]*models.Game, error) {
	return a.repo.ListActiveGames(ctx)
}

func (a *App) UpdateGame(ctx context.Context, id uuid.UUID, version int, req UpdateGameRequest) (*models.Game, error) {
	return a.repo.UpdateGame(ctx, id, version, req)
}

func (a *App) EnsurePlayer(ctx context.Context, gameID, userID uuid.UUID) (*models.Player, error) {
	return a.repo.EnsurePlayer(ctx, gameID, userID)
}

func (a *App) GetPlayer(ctx context.Context, gameID, userID uuid.UUID) (*models.Player, error) {
	return a.repo.GetPlayer(ctx, gameID, userID)
}

func (a *App) ListPlayers(ctx context.Context, gameID uuid.UUID) ([]*models.Player, error) {
	return a.repo.ListPlayers(ctx, gameID)
}

func (a *App) SetPlayerFinalStage(ctx context.Context, playerID uuid.UUID, stage int) error {
	return a.repo.SetPlayerFinalStage(ctx, playerID, stage)
}

// PurchaseTicket applies a ticket purchase atomically: the open-game check,
// the player upsert, the balance debit, the cashback award and the bank
// increment all commit or roll back together. A purchase racing the game's
// activation therefore either lands before it or fails with ErrGameClosed —
// never half-applies.
func (a *App) PurchaseTicket(ctx context.Context, req PurchaseTicketRequest) (*models.Game, error) {
	var updated *models.Game
	err := sqlutil.Run(ctx, a.db, func(tx *sql.Tx) error {
		games := a.repo.WithTx(tx)
		wallet := a.wallet.WithTx(tx)

		game, err := games.GetGameForUpdate(ctx, req.GameID)
		if err != nil {
			return err
		}
		if game.IsGameActive || game.IsGameOver {
			return fmt.Errorf("game %s: %w", game.ID, ErrGameClosed)
		}

		if err := wallet.Debit(ctx, req.UserID, req.Price); err != nil {
			return err
		}
		if req.Cashback > 0 {
			if err := wallet.AwardBonus(ctx, req.UserID, req.Cashback); err != nil {
				return err
			}
		}
		if _, err := games.SetPlayerTicket(ctx, req.GameID, req.UserID, req.SelectedNumbers); err != nil {
			return err
		}

		update := UpdateFrom(game)
		update.TotalBank = game.TotalBank + req.Price
		updated, err = games.UpdateGame(ctx, game.ID, game.Version, update)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("User %s bought ticket for game %s, numbers %v, bank now %.2f",
		req.UserID, req.GameID, req.SelectedNumbers, updated.TotalBank)
	return updated, nil
}

func validateCreateDrawRequest(req CreateDrawRequest) error {
	if req.GridSize <= 0 {
		return fmt.Errorf("grid size must be positive: %w", ErrInvalidArgument)
	}
	if req.RoundTimeMs <= 0 {
		return fmt.Errorf("round time must be positive: %w", ErrInvalidArgument)
	}
	if len(req.RemovalPhases) == 0 {
		return fmt.Errorf("removal phases must be provided: %w", ErrInvalidArgument)
	}
	for _, fraction := range req.RemovalPhases {
		if fraction <= 0 || fraction >= 1 {
			return fmt.Errorf("each removal phase must be strictly between 0 and 1, got %v: %w",
				fraction, ErrInvalidArgument)
		}
	}
	return nil
}
