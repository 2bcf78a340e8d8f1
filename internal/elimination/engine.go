package elimination

import (
	"math"
	"math/rand"
	"sort"
)

// Engine decides which numbers survive a phase. It is pure computation: no
// clock, no storage, no game state. Fairness comes from uniform sampling,
// reproducibility is not a requirement.
type Engine struct {
	rng *rand.Rand
}

// New returns an Engine backed by the shared math/rand source.
func New() *Engine {
	return &Engine{}
}

// NewWithRand returns an Engine with its own source, useful in tests.
func NewWithRand(rng *rand.Rand) *Engine {
	return &Engine{rng: rng}
}

// Advance partitions remaining into survivors and eliminated. Exactly
// ceil(len(remaining) * keepFraction) numbers survive, chosen uniformly at
// random without replacement. Both slices come back sorted ascending.
// keepFraction is validated at draw creation, not here.
func (e *Engine) Advance(remaining []int, keepFraction float64) (survivors, eliminated []int) {
	if len(remaining) == 0 {
		return nil, nil
	}

	pool := make([]int, len(remaining))
	copy(pool, remaining)
	e.shuffle(pool)

	keep := int(math.Ceil(float64(len(pool)) * keepFraction))
	if keep > len(pool) {
		keep = len(pool)
	}

	survivors = pool[:keep]
	eliminated = pool[keep:]
	sort.Ints(survivors)
	sort.Ints(eliminated)
	return survivors, eliminated
}

func (e *Engine) shuffle(pool []int) {
	swap := func(i, j int) { pool[i], pool[j] = pool[j], pool[i] }
	if e.rng != nil {
		e.rng.Shuffle(len(pool), swap)
		return
	}
	rand.Shuffle(len(pool), swap)
}
