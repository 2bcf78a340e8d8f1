package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lottohub/royale/internal/models"
	"github.com/lottohub/royale/internal/session"
)

// GameService is the slice of the session layer the gateway drives.
type GameService interface {
	ActiveGame(ctx context.Context) (*models.Game, error)
	RegisterPlayer(ctx context.Context, gameID, userID uuid.UUID) (*models.Player, error)
	BuyTicket(ctx context.Context, gameID, userID uuid.UUID, selectedNumbers []int) (*models.Game, error)
	StateForClient(ctx context.Context, gameID, userID uuid.UUID) (*session.ClientGameView, error)
}

// Transport delivers events to connected clients. The websocket
// ConnectionManager is the production implementation; tests substitute a fake.
type Transport interface {
	Send(userID uuid.UUID, event string, payload any) error
	SendAll(event string, payload any)
}

// Broadcaster tracks which users observe which games and pushes fresh
// per-user projections to them whenever a game changes.
type Broadcaster struct {
	games     GameService
	transport Transport

	mu           sync.RWMutex
	participants map[uuid.UUID]map[uuid.UUID]struct{} // gameID -> userIDs
	userGames    map[uuid.UUID]map[uuid.UUID]struct{} // userID -> gameIDs
}

func NewBroadcaster(games GameService, transport Transport) *Broadcaster {
	return &Broadcaster{
		games:        games,
		transport:    transport,
		participants: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		userGames:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Join registers the user as an observer of the game.
func (b *Broadcaster) Join(gameID, userID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.participants[gameID] == nil {
		b.participants[gameID] = make(map[uuid.UUID]struct{})
	}
	b.participants[gameID][userID] = struct{}{}

	if b.userGames[userID] == nil {
		b.userGames[userID] = make(map[uuid.UUID]struct{})
	}
	b.userGames[userID][gameID] = struct{}{}
}

// Leave drops the user from every game they were observing. Called when the
// socket closes.
func (b *Broadcaster) Leave(userID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for gameID := range b.userGames[userID] {
		delete(b.participants[gameID], userID)
		if len(b.participants[gameID]) == 0 {
			delete(b.participants, gameID)
		}
	}
	delete(b.userGames, userID)
}

// Participants returns a snapshot of the users observing the game.
func (b *Broadcaster) Participants(gameID uuid.UUID) []uuid.UUID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	users := make([]uuid.UUID, 0, len(b.participants[gameID]))
	for userID := range b.participants[gameID] {
		users = append(users, userID)
	}
	return users
}

// Notify pushes a fresh state projection to every observer of the game.
// Each user gets their own view; a failed send never blocks the others.
func (b *Broadcaster) Notify(ctx context.Context, gameID uuid.UUID) {
	for _, userID := range b.Participants(gameID) {
		view, err := b.games.StateForClient(ctx, gameID, userID)
		if err != nil {
			log.Warn().Err(err).
				Str("game_id", gameID.String()).
				Str("user_id", userID.String()).
				Msg("failed to build state projection")
			continue
		}
		if err := b.transport.Send(userID, EventState, view); err != nil {
			log.Debug().Err(err).
				Str("user_id", userID.String()).
				Msg("failed to push state to user")
		}
	}
}

// AnnounceGame tells every connected client that a new game is open.
func (b *Broadcaster) AnnounceGame(payload ActiveGamePayload) {
	b.transport.SendAll(EventActiveGame, payload)
}
