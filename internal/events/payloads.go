package events

import (
	"time"

	"github.com/google/uuid"
)

// NATS subjects the game engine publishes on.
const (
	SubjectGameCreated = "royale.game.created"
	SubjectGameUpdated = "royale.game.updated"
)

// GameCreatedPayload announces a freshly provisioned game so waiting
// clients can switch to it.
type GameCreatedPayload struct {
	GameID   uuid.UUID `json:"game_id"`
	DrawID   uuid.UUID `json:"draw_id"`
	StartsAt time.Time `json:"starts_at"`
}

// GameUpdatedPayload signals that shared game state changed. It carries no
// snapshot: the projection is per-user, so consumers re-fetch the state for
// each of their observers.
type GameUpdatedPayload struct {
	GameID uuid.UUID `json:"game_id"`
}
