package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TickFunc is invoked once per interval for a running game clock.
type TickFunc = func(gameID uuid.UUID)

// Registry drives the per-game countdown clocks. At most one ticker runs per
// game id; Start on a running id is a no-op and Stop is always safe. The
// registry holds no persisted state — after a restart the orchestrator
// re-reads active games and starts their clocks again.
type Registry struct {
	clock clockwork.Clock

	mu      sync.Mutex
	running map[uuid.UUID]chan struct{}
}

// NewRegistry creates a Registry. Pass clockwork.NewRealClock() in
// production and a fake clock in tests.
func NewRegistry(clk clockwork.Clock) *Registry {
	return &Registry{
		clock:   clk,
		running: make(map[uuid.UUID]chan struct{}),
	}
}

// Start begins firing onTick at the given cadence for gameID. Returns false
// without side effects when a clock is already running for that id.
func (r *Registry) Start(gameID uuid.UUID, interval time.Duration, onTick TickFunc) bool {
	r.mu.Lock()
	if _, ok := r.running[gameID]; ok {
		r.mu.Unlock()
		log.Warn().Str("game_id", gameID.String()).Msg("clock already running, ignoring start")
		return false
	}
	stop := make(chan struct{})
	r.running[gameID] = stop
	r.mu.Unlock()

	go r.run(gameID, interval, onTick, stop)

	log.Debug().
		Str("game_id", gameID.String()).
		Dur("interval", interval).
		Msg("game clock started")
	return true
}

func (r *Registry) run(gameID uuid.UUID, interval time.Duration, onTick TickFunc, stop chan struct{}) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			onTick(gameID)
		}
	}
}

// Stop cancels the clock for gameID. Idempotent.
func (r *Registry) Stop(gameID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stop, ok := r.running[gameID]; ok {
		close(stop)
		delete(r.running, gameID)
		log.Debug().Str("game_id", gameID.String()).Msg("game clock stopped")
	}
}

// IsRunning reports whether a clock is live for gameID.
func (r *Registry) IsRunning(gameID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[gameID]
	return ok
}

// StopAll cancels every running clock, used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, stop := range r.running {
		close(stop)
		delete(r.running, id)
	}
}
