package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lottohub/royale/internal/models"
	"github.com/lottohub/royale/internal/royale"
	"github.com/lottohub/royale/internal/session"
	"github.com/lottohub/royale/internal/users"
)

// GameService is the slice of the session layer the REST surface exposes.
type GameService interface {
	CreateDraw(ctx context.Context, req royale.CreateDrawRequest) (*models.Draw, error)
	CreateGame(ctx context.Context, drawID uuid.UUID) (*models.Game, error)
	ActiveGame(ctx context.Context) (*models.Game, error)
	BuyTicket(ctx context.Context, gameID, userID uuid.UUID, selectedNumbers []int) (*models.Game, error)
	StateForClient(ctx context.Context, gameID, userID uuid.UUID) (*session.ClientGameView, error)
}

// AccountService is the slice of the user store the REST surface exposes.
type AccountService interface {
	CreateUser(ctx context.Context, username string) (*models.User, error)
}

// Handler serves the JSON management and query endpoints. The realtime
// surface lives in the gateway; this is for admin tooling and polling
// clients.
type Handler struct {
	games    GameService
	accounts AccountService
}

func NewHandler(games GameService, accounts AccountService) *Handler {
	return &Handler{games: games, accounts: accounts}
}

// RegisterRoutes mounts the REST endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/users", h.handleCreateUser)
	mux.HandleFunc("POST /api/draws", h.handleCreateDraw)
	mux.HandleFunc("POST /api/games", h.handleCreateGame)
	mux.HandleFunc("GET /api/games/active", h.handleActiveGame)
	mux.HandleFunc("POST /api/games/{id}/tickets", h.handleBuyTicket)
	mux.HandleFunc("GET /api/games/{id}/state", h.handleGameState)
}

type createUserRequest struct {
	Username string `json:"username"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	user, err := h.accounts.CreateUser(r.Context(), req.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleCreateDraw(w http.ResponseWriter, r *http.Request) {
	var req royale.CreateDrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	draw, err := h.games.CreateDraw(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, draw)
}

type createGameRequest struct {
	DrawID uuid.UUID `json:"draw_id"`
}

func (h *Handler) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DrawID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "draw_id is required")
		return
	}

	game, err := h.games.CreateGame(r.Context(), req.DrawID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, game)
}

func (h *Handler) handleActiveGame(w http.ResponseWriter, r *http.Request) {
	game, err := h.games.ActiveGame(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

type buyTicketRequest struct {
	UserID          uuid.UUID `json:"user_id"`
	SelectedNumbers []int     `json:"selected_numbers"`
}

func (h *Handler) handleBuyTicket(w http.ResponseWriter, r *http.Request) {
	gameID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}

	var req buyTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	game, err := h.games.BuyTicket(r.Context(), gameID, req.UserID, req.SelectedNumbers)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (h *Handler) handleGameState(w http.ResponseWriter, r *http.Request) {
	gameID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	view, err := h.games.StateForClient(r.Context(), gameID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeDomainError maps domain sentinels onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, royale.ErrNotFound), errors.Is(err, users.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, royale.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, royale.ErrGameClosed):
		writeError(w, http.StatusConflict, "the game has already started")
	case errors.Is(err, royale.ErrStaleVersion):
		writeError(w, http.StatusConflict, "concurrent update, retry")
	case errors.Is(err, users.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient balance")
	default:
		log.Error().Err(err).Msg("internal error serving request")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
