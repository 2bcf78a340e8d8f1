package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Outbound event names pushed over the socket.
const (
	EventState      = "state"       // per-user game projection
	EventActiveGame = "active_game" // a new game is open for joining
	EventException  = "exception"   // user-facing error
)

// Envelope wraps every outbound socket message.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ClientMessage is the inbound socket protocol: a type tag plus the union
// of fields the message types use.
type ClientMessage struct {
	Type            string    `json:"type"` // "join" | "buy_ticket"
	UserID          uuid.UUID `json:"user_id"`
	GameID          uuid.UUID `json:"game_id"`
	SelectedNumbers []int     `json:"selected_numbers"`
}

// ExceptionPayload carries a user-facing error message.
type ExceptionPayload struct {
	Message string `json:"message"`
}

// ActiveGamePayload announces the open game to every connected client.
type ActiveGamePayload struct {
	GameID   uuid.UUID `json:"game_id"`
	StartsAt string    `json:"starts_at"`
}

// ParseClientMessage decodes an inbound socket frame.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
