package store

import (
	"context"
	"time"

	"mapserver/internal/models"
)

// Mutation is a pure transform from the current snapshot to the next.
// It receives a private deep copy and must not bump the version; the
// store increments it by exactly one on commit.
type Mutation func(models.MapState) (models.MapState, error)

// Store owns the authoritative snapshot per session. Get lazily creates
// a default state for unknown sessions and never fails on absence.
// Apply is serialized per session: concurrent callers against the same
// session commit strictly one at a time, and either the whole mutation
// commits or stored state is untouched.
type Store interface {
	Get(ctx context.Context, sessionID string) (models.MapState, error)
	Apply(ctx context.Context, sessionID string, mutate Mutation) (models.MapState, error)
	Ping(ctx context.Context) error
	Close() error
}

// IdleSweeper is implemented by backends that support evicting sessions
// whose last mutation is older than the given age. Eviction is a
// deployment policy, not part of the core contract, so it lives behind
// an optional interface.
type IdleSweeper interface {
	SweepIdle(ctx context.Context, olderThan time.Duration) (int, error)
}

// casMaxRetries bounds the compare-and-swap loop of the distributed
// backends. Exhausting it surfaces a conflict to the caller, which may
// retry the whole operation.
const casMaxRetries = 5
