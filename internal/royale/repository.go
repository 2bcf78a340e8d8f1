package royale

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lottohub/royale/internal/models"
	"github.com/lottohub/royale/internal/sqlutil"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the sole reader/writer of draw, game and player rows.
type Repository struct {
	db DBTX
}

func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a Repository bound to the given transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

const gameColumns = `id, draw_id, current_phase, eliminated_numbers, time_left_ms,
	is_game_active, is_game_over, total_bank,
	winner_user_id, winning_amount, winning_percentage,
	version, created_at, updated_at`

func (r *Repository) CreateDraw(ctx context.Context, req CreateDrawRequest) (*models.Draw, error) {
	phasesBytes, err := json.Marshal(req.RemovalPhases)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal removal phases: %w", err)
	}

	draw := &models.Draw{
		ID:            uuid.New(),
		GridSize:      req.GridSize,
		RoundTimeMs:   req.RoundTimeMs,
		RemovalPhases: req.RemovalPhases,
		StartsAt:      req.StartsAt,
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO royale_draws (id, grid_size, round_time_ms, removal_phases, starts_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		draw.ID, draw.GridSize, draw.RoundTimeMs, phasesBytes, draw.StartsAt,
	)
	if err := row.Scan(&draw.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create draw: %w", err)
	}
	return draw, nil
}

func (r *Repository) GetDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, grid_size, round_time_ms, removal_phases, starts_at, created_at
		FROM royale_draws WHERE id = $1`, id)

	var draw models.Draw
	var phasesBytes []byte
	err := row.Scan(&draw.ID, &draw.GridSize, &draw.RoundTimeMs, &phasesBytes,
		&draw.StartsAt, &draw.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("draw %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draw: %w", err)
	}
	if err := json.Unmarshal(phasesBytes, &draw.RemovalPhases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal removal phases: %w", err)
	}
	return &draw, nil
}

// CreateGame inserts a pending game bound to the draw: phase 0, nothing
// eliminated, clock not running, full round time on the counter.
func (r *Repository) CreateGame(ctx context.Context, draw *models.Draw) (*models.Game, error) {
	game := &models.Game{
		ID:                uuid.New(),
		DrawID:            draw.ID,
		EliminatedNumbers: []int{},
		TimeLeftMs:        draw.RoundTimeMs,
		Version:           1,
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO royale_games (id, draw_id, time_left_ms)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		game.ID, game.DrawID, game.TimeLeftMs,
	)
	if err := row.Scan(&game.CreatedAt, &game.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}
	return game, nil
}

func (r *Repository) GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM royale_games WHERE id = $1`, id)
	game, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	return game, err
}

// GetGameForUpdate reads a game under a row lock. Only meaningful on a
// Repository bound to a transaction.
func (r *Repository) GetGameForUpdate(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM royale_games WHERE id = $1 FOR UPDATE`, id)
	game, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	return game, err
}

// GetOpenGame returns the most recently created game that is not over.
func (r *Repository) GetOpenGame(ctx context.Context) (*models.Game, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM royale_games
		 WHERE NOT is_game_over
		 ORDER BY created_at DESC LIMIT 1`)
	game, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open game: %w", ErrNotFound)
	}
	return game, err
}

// ListActiveGames returns games whose clocks should be running, used for
// crash/restart recovery.
func (r *Repository) ListActiveGames(ctx context.Context) ([]*models.Game, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gameColumns+` FROM royale_games
		 WHERE is_game_active AND NOT is_game_over`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active games: %w", err)
	}
	defer rows.Close()

	var games []*models.Game
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, game)
	}
	return games, rows.Err()
}

// UpdateGame is a compare-and-swap whole-record replacement: it succeeds
// only when version is still current, otherwise ErrStaleVersion.
func (r *Repository) UpdateGame(ctx context.Context, id uuid.UUID, version int, req UpdateGameRequest) (*models.Game, error) {
	eliminatedBytes, err := json.Marshal(req.EliminatedNumbers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal eliminated numbers: %w", err)
	}

	var winnerID uuid.NullUUID
	var amount sql.NullFloat64
	var percentage sql.NullInt32
	if req.WinningInfo != nil {
		winnerID = sqlutil.ToNullUUID(req.WinningInfo.UserID)
		amount = sql.NullFloat64{Float64: req.WinningInfo.Amount, Valid: true}
		percentage = sql.NullInt32{Int32: int32(req.WinningInfo.Percentage), Valid: true}
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE royale_games
		SET current_phase = $3,
		    eliminated_numbers = $4,
		    time_left_ms = $5,
		    is_game_active = $6,
		    is_game_over = $7,
		    total_bank = $8,
		    winner_user_id = $9,
		    winning_amount = $10,
		    winning_percentage = $11,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING `+gameColumns,
		id, version,
		req.CurrentPhase, eliminatedBytes, req.TimeLeftMs,
		req.IsGameActive, req.IsGameOver, req.TotalBank,
		winnerID, amount, percentage,
	)
	game, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the CAS or the game never existed; tell them apart.
		if _, getErr := r.GetGame(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("game %s version %d: %w", id, version, ErrStaleVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update game: %w", err)
	}
	return game, nil
}

// EnsurePlayer lazily creates the player row for (gameID, userID) and
// returns it. Existing rows are returned unchanged.
func (r *Repository) EnsurePlayer(ctx context.Context, gameID, userID uuid.UUID) (*models.Player, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO royale_players (id, game_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (game_id, user_id) DO NOTHING`,
		uuid.New(), gameID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure player: %w", err)
	}
	return r.GetPlayer(ctx, gameID, userID)
}

func (r *Repository) GetPlayer(ctx context.Context, gameID, userID uuid.UUID) (*models.Player, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, game_id, user_id, selected_numbers, has_ticket, final_stage, created_at
		FROM royale_players WHERE game_id = $1 AND user_id = $2`,
		gameID, userID)
	player, err := scanPlayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("player %s in game %s: %w", userID, gameID, ErrNotFound)
	}
	return player, err
}

func (r *Repository) ListPlayers(ctx context.Context, gameID uuid.UUID) ([]*models.Player, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, game_id, user_id, selected_numbers, has_ticket, final_stage, created_at
		FROM royale_players WHERE game_id = $1
		ORDER BY created_at`, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	defer rows.Close()

	var players []*models.Player
	for rows.Next() {
		player, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, player)
	}
	return players, rows.Err()
}

// SetPlayerTicket records a purchase: selections replaced wholesale,
// has_ticket set. Creates the player row when the purchase is the first
// contact with the game.
func (r *Repository) SetPlayerTicket(ctx context.Context, gameID, userID uuid.UUID, selectedNumbers []int) (*models.Player, error) {
	numbersBytes, err := json.Marshal(selectedNumbers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal selected numbers: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO royale_players (id, game_id, user_id, selected_numbers, has_ticket)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (game_id, user_id)
		DO UPDATE SET selected_numbers = EXCLUDED.selected_numbers, has_ticket = TRUE
		RETURNING id, game_id, user_id, selected_numbers, has_ticket, final_stage, created_at`,
		uuid.New(), gameID, userID, numbersBytes,
	)
	player, err := scanPlayer(row)
	if err != nil {
		return nil, fmt.Errorf("failed to set player ticket: %w", err)
	}
	return player, nil
}

// SetPlayerFinalStage marks the phase at which the player's last number was
// eliminated.
func (r *Repository) SetPlayerFinalStage(ctx context.Context, playerID uuid.UUID, stage int) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE royale_players SET final_stage = $2 WHERE id = $1`,
		playerID, stage); err != nil {
		return fmt.Errorf("failed to set player final stage: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*models.Game, error) {
	var game models.Game
	var eliminatedBytes []byte
	var winnerID uuid.NullUUID
	var amount sql.NullFloat64
	var percentage sql.NullInt32

	err := row.Scan(
		&game.ID, &game.DrawID, &game.CurrentPhase, &eliminatedBytes, &game.TimeLeftMs,
		&game.IsGameActive, &game.IsGameOver, &game.TotalBank,
		&winnerID, &amount, &percentage,
		&game.Version, &game.CreatedAt, &game.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eliminatedBytes, &game.EliminatedNumbers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal eliminated numbers: %w", err)
	}
	if percentage.Valid {
		game.WinningInfo = &models.WinningInfo{
			UserID:     sqlutil.FromNullUUID(winnerID),
			Amount:     amount.Float64,
			Percentage: int(percentage.Int32),
		}
	}
	return &game, nil
}

func scanPlayer(row rowScanner) (*models.Player, error) {
	var player models.Player
	var numbersBytes []byte
	var finalStage sql.NullInt32

	err := row.Scan(&player.ID, &player.GameID, &player.UserID,
		&numbersBytes, &player.HasTicket, &finalStage, &player.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(numbersBytes, &player.SelectedNumbers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal selected numbers: %w", err)
	}
	player.FinalStage = sqlutil.FromSqlInt32(finalStage)
	return &player, nil
}
