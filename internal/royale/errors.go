package royale

import "errors"

var (
	// ErrNotFound is returned when a draw, game or player id does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrGameClosed is returned when a ticket purchase arrives after the game
	// has started or finished.
	ErrGameClosed = errors.New("game already started or finished")

	// ErrInvalidArgument is returned for malformed input: bad selection
	// count, out-of-range numbers, keep fractions outside (0,1).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStaleVersion is returned when a game update carries a version that
	// another writer has already advanced past.
	ErrStaleVersion = errors.New("stale game version")
)
