package models

import (
	"time"

	"github.com/google/uuid"
)

// WinningInfo records the outcome of a finished game. UserID is nil when the
// final phase left no single surviving number.
type WinningInfo struct {
	UserID     *uuid.UUID `json:"user_id"`
	Amount     float64    `json:"amount"`
	Percentage int        `json:"percentage"`
}

// Game is one live round of the elimination contest bound to a Draw.
// EliminatedNumbers only ever grows; CurrentPhase only ever advances.
// Version is the optimistic-concurrency token: every update must carry the
// version it read, and a stale writer loses.
type Game struct {
	ID                uuid.UUID    `json:"id"`
	DrawID            uuid.UUID    `json:"draw_id"`
	CurrentPhase      int          `json:"current_phase"`
	EliminatedNumbers []int        `json:"eliminated_numbers"`
	TimeLeftMs        int          `json:"time_left_ms"`
	IsGameActive      bool         `json:"is_game_active"`
	IsGameOver        bool         `json:"is_game_over"`
	TotalBank         float64      `json:"total_bank"`
	WinningInfo       *WinningInfo `json:"winning_info,omitempty"`
	Version           int          `json:"-"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// RemainingNumbers returns the grid numbers not yet eliminated, ascending.
func (g *Game) RemainingNumbers(totalNumbers int) []int {
	out := g.eliminatedSet()
	remaining := make([]int, 0, totalNumbers-len(out))
	for n := 1; n <= totalNumbers; n++ {
		if !out[n] {
			remaining = append(remaining, n)
		}
	}
	return remaining
}

func (g *Game) eliminatedSet() map[int]bool {
	set := make(map[int]bool, len(g.EliminatedNumbers))
	for _, n := range g.EliminatedNumbers {
		set[n] = true
	}
	return set
}
