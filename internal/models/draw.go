package models

import (
	"time"

	"github.com/google/uuid"
)

// Draw is the immutable template a game is bound to: grid dimensions,
// per-phase round duration and the ordered keep fractions for each
// elimination phase.
type Draw struct {
	ID            uuid.UUID `json:"id"`
	GridSize      int       `json:"grid_size"`
	RoundTimeMs   int       `json:"round_time_ms"`
	RemovalPhases []float64 `json:"removal_phases"`
	StartsAt      time.Time `json:"starts_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// TotalNumbers returns the number of cells on the grid (N²).
func (d *Draw) TotalNumbers() int {
	return d.GridSize * d.GridSize
}
