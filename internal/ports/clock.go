package ports

import "time"

// Clock abstracts wall-clock time so session/idempotency/rate-limit logic
// can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}
