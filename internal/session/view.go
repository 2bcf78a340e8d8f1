package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/lottohub/royale/internal/models"
)

// TicketView is the requesting player's own ticket. Other players' tickets
// are never part of any view.
type TicketView struct {
	UserID          uuid.UUID `json:"user_id"`
	SelectedNumbers []int     `json:"selected_numbers"`
	HasTicket       bool      `json:"has_ticket"`
}

// ClientGameView is the per-user projection of shared game state pushed to
// clients on every change.
type ClientGameView struct {
	GameID            uuid.UUID           `json:"game_id"`
	Phase             int                 `json:"phase"`
	EliminatedNumbers []int               `json:"eliminated_numbers"`
	TimeLeftMs        int                 `json:"time_left_ms"`
	IsGameOver        bool                `json:"is_game_over"`
	IsGameActive      bool                `json:"is_game_active"`
	NumbersRemaining  int                 `json:"numbers_remaining"`
	TicketsSold       int                 `json:"tickets_sold"`
	MySelectedNumbers []int               `json:"my_selected_numbers"`
	GridSize          int                 `json:"grid_size"`
	RoundTimeMs       int                 `json:"round_time_ms"`
	TotalBank         float64             `json:"total_bank"`
	WinningInfo       *models.WinningInfo `json:"winning_info,omitempty"`
	MyTicket          *TicketView         `json:"my_ticket,omitempty"`
}

// StateForClient projects the game for one user: the shared fields plus
// only that user's selections and ticket.
func (s *Session) StateForClient(ctx context.Context, gameID, userID uuid.UUID) (*ClientGameView, error) {
	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	draw, err := s.store.GetDraw(ctx, game.DrawID)
	if err != nil {
		return nil, err
	}
	players, err := s.store.ListPlayers(ctx, gameID)
	if err != nil {
		return nil, err
	}

	view := &ClientGameView{
		GameID:            game.ID,
		Phase:             game.CurrentPhase,
		EliminatedNumbers: game.EliminatedNumbers,
		TimeLeftMs:        game.TimeLeftMs,
		IsGameOver:        game.IsGameOver,
		IsGameActive:      game.IsGameActive,
		NumbersRemaining:  draw.TotalNumbers() - len(game.EliminatedNumbers),
		TicketsSold:       countTicketed(players),
		MySelectedNumbers: []int{},
		GridSize:          draw.GridSize,
		RoundTimeMs:       draw.RoundTimeMs,
		TotalBank:         game.TotalBank,
		WinningInfo:       game.WinningInfo,
	}

	for _, p := range players {
		if p.UserID == userID && p.HasTicket {
			view.MySelectedNumbers = p.SelectedNumbers
			view.MyTicket = &TicketView{
				UserID:          p.UserID,
				SelectedNumbers: p.SelectedNumbers,
				HasTicket:       true,
			}
			break
		}
	}
	return view, nil
}
