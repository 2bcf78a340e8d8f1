package models

import (
	"time"

	"github.com/google/uuid"
)

// Player is one user's participation in one game. FinalStage is the phase at
// which the player's last surviving number was eliminated, nil while the
// player is still alive (or never bought a ticket).
type Player struct {
	ID              uuid.UUID `json:"id"`
	GameID          uuid.UUID `json:"game_id"`
	UserID          uuid.UUID `json:"user_id"`
	SelectedNumbers []int     `json:"selected_numbers"`
	HasTicket       bool      `json:"has_ticket"`
	FinalStage      *int      `json:"final_stage,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasSurvivor reports whether any of the player's selections is still on the
// grid according to eliminated.
func (p *Player) HasSurvivor(eliminated map[int]bool) bool {
	for _, n := range p.SelectedNumbers {
		if !eliminated[n] {
			return true
		}
	}
	return false
}
