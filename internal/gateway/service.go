package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lottohub/royale/internal/royale"
	"github.com/lottohub/royale/internal/users"
)

// Service ties the WebSocket layer together: it owns the connection
// manager, the broadcaster, and the NATS consumer, and implements the
// inbound socket protocol.
type Service struct {
	games       GameService
	cm          *ConnectionManager
	broadcaster *Broadcaster
	consumer    *EventConsumer
}

// NewService builds the gateway on an existing NATS connection. Pass a nil
// connection to run without event fan-out (useful in tests and local dev).
func NewService(games GameService, nc *nats.Conn, config ConnectionConfig) *Service {
	cm := NewConnectionManager(config)
	broadcaster := NewBroadcaster(games, cm)

	s := &Service{
		games:       games,
		cm:          cm,
		broadcaster: broadcaster,
	}
	if nc != nil {
		s.consumer = NewEventConsumer(nc, broadcaster)
	}
	cm.SetHandlers(s, s)
	return s
}

// Broadcaster exposes the observer registry, mainly for tests.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// RegisterRoutes mounts the WebSocket endpoints on the mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	NewWebSocketHandler(s.cm).RegisterRoutes(mux)
}

// Start runs the NATS consumer until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if s.consumer == nil {
		<-ctx.Done()
		return nil
	}
	return s.consumer.Start(ctx)
}

// HandleClientMessage implements ClientMessageHandler.
func (s *Service) HandleClientMessage(conn *Connection, msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Type {
	case "join":
		s.handleJoin(ctx, conn, msg)
	case "buy_ticket":
		s.handleBuyTicket(ctx, conn, msg)
	default:
		s.sendException(conn, "unknown message type: "+msg.Type)
	}
}

// HandleDisconnect implements DisconnectHandler.
func (s *Service) HandleDisconnect(userID uuid.UUID) {
	s.broadcaster.Leave(userID)
}

// handleJoin subscribes the user to a game and sends them their current
// projection. With no game_id the open game is used.
func (s *Service) handleJoin(ctx context.Context, conn *Connection, msg *ClientMessage) {
	gameID := msg.GameID
	if gameID == uuid.Nil {
		game, err := s.games.ActiveGame(ctx)
		if err != nil {
			s.sendException(conn, "no open game to join")
			return
		}
		gameID = game.ID
	}

	if _, err := s.games.RegisterPlayer(ctx, gameID, conn.UserID); err != nil {
		log.Warn().
			Err(err).
			Str("game_id", gameID.String()).
			Str("user_id", conn.UserID.String()).
			Msg("failed to register player")
		s.sendException(conn, friendlyError(err))
		return
	}

	s.broadcaster.Join(gameID, conn.UserID)
	s.pushState(ctx, conn, gameID)
}

// handleBuyTicket purchases a ticket for the user and pushes their new
// projection. Other observers get theirs via the game updated event.
func (s *Service) handleBuyTicket(ctx context.Context, conn *Connection, msg *ClientMessage) {
	if msg.GameID == uuid.Nil {
		s.sendException(conn, "game_id is required")
		return
	}

	if _, err := s.games.BuyTicket(ctx, msg.GameID, conn.UserID, msg.SelectedNumbers); err != nil {
		log.Info().
			Err(err).
			Str("game_id", msg.GameID.String()).
			Str("user_id", conn.UserID.String()).
			Msg("ticket purchase rejected")
		s.sendException(conn, friendlyError(err))
		return
	}

	s.broadcaster.Join(msg.GameID, conn.UserID)
	s.pushState(ctx, conn, msg.GameID)
}

func (s *Service) pushState(ctx context.Context, conn *Connection, gameID uuid.UUID) {
	view, err := s.games.StateForClient(ctx, gameID, conn.UserID)
	if err != nil {
		log.Warn().
			Err(err).
			Str("game_id", gameID.String()).
			Str("user_id", conn.UserID.String()).
			Msg("failed to build state projection")
		return
	}
	if err := s.cm.Send(conn.UserID, EventState, view); err != nil {
		log.Debug().Err(err).Msg("failed to push state")
	}
}

func (s *Service) sendException(conn *Connection, message string) {
	if err := s.cm.Send(conn.UserID, EventException, ExceptionPayload{Message: message}); err != nil {
		log.Debug().Err(err).Msg("failed to send exception")
	}
}

// friendlyError maps domain errors to user-facing messages without leaking
// internals.
func friendlyError(err error) string {
	switch {
	case errors.Is(err, users.ErrInsufficientFunds):
		return "insufficient balance"
	case errors.Is(err, royale.ErrGameClosed):
		return "the game has already started"
	case errors.Is(err, royale.ErrInvalidArgument):
		return "invalid ticket selection"
	case errors.Is(err, royale.ErrNotFound), errors.Is(err, users.ErrNotFound):
		return "not found"
	default:
		return "something went wrong"
	}
}
