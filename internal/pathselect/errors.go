package pathselect

import "errors"

var (
	// ErrNoCandidates is returned when no relay satisfies a hop's
	// constraints.
	ErrNoCandidates = errors.New("no candidate relays")

	// ErrInvalidHopCount is returned for paths shorter than two hops.
	ErrInvalidHopCount = errors.New("hop count must be at least 2")
)
