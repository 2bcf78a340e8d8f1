package royale

import (
	"time"

	"github.com/google/uuid"

	"github.com/lottohub/royale/internal/models"
)

// CreateDrawRequest carries the template parameters for a new draw.
type CreateDrawRequest struct {
	GridSize      int       `json:"grid_size"`
	RoundTimeMs   int       `json:"round_time_ms"`
	RemovalPhases []float64 `json:"removal_phases"`
	StartsAt      time.Time `json:"starts_at"`
}

// UpdateGameRequest is a whole-record replacement of a game's mutable
// fields. The caller must pass the version it read; the update is applied
// only if that version is still current.
type UpdateGameRequest struct {
	CurrentPhase      int
	EliminatedNumbers []int
	TimeLeftMs        int
	IsGameActive      bool
	IsGameOver        bool
	TotalBank         float64
	WinningInfo       *models.WinningInfo
}

// PurchaseTicketRequest is the transactional ticket purchase: player upsert,
// balance debit, cashback award and bank increment happen atomically.
type PurchaseTicketRequest struct {
	GameID          uuid.UUID
	UserID          uuid.UUID
	SelectedNumbers []int
	Price           float64
	Cashback        float64
}

// UpdateFrom builds a whole-record update preserving g's current fields,
// for callers that change one or two of them.
func UpdateFrom(g *models.Game) UpdateGameRequest {
	return UpdateGameRequest{
		CurrentPhase:      g.CurrentPhase,
		EliminatedNumbers: g.EliminatedNumbers,
		TimeLeftMs:        g.TimeLeftMs,
		IsGameActive:      g.IsGameActive,
		IsGameOver:        g.IsGameOver,
		TotalBank:         g.TotalBank,
		WinningInfo:       g.WinningInfo,
	}
}
