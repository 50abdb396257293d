package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/handoff/internal/handoff/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite today)
// implement this. It is the only component permitted to read or write
// session rows.
type Store interface {
	Sessions() Sessions

	ApplyMigrations() error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Sessions is the handoff session repository. The three conditional
// transitions (Approve, Consume, Expire) are single atomic compare-and-swap
// writes guarded by the row's current status; they report ok=false, not an
// error, when another caller already transitioned the row. That
// compare-and-swap is the protocol's only synchronization primitive, so
// drivers must implement it as one conditional statement, never as a read
// followed by a write.
type Sessions interface {
	// Insert writes a new pending session. Fails with ErrAlreadyExists if
	// the session id is already present.
	Insert(ctx context.Context, session domain.AuthSession) error

	// FindByTokenMatch returns the session matching all three of
	// (sessionID, challenge, tokenHash). A missing row and a row whose
	// challenge or token hash differs both return ErrNotFound; callers
	// cannot tell which part of the triple was wrong.
	FindByTokenMatch(ctx context.Context, sessionID, challenge, tokenHash string) (domain.AuthSession, error)

	// Approve transitions pending -> approved, attaching the credential
	// payload and audit metadata in the same write.
	Approve(ctx context.Context, sessionID string, approval domain.Approval, approvedAt time.Time) (bool, error)

	// Consume transitions approved -> consumed and clears the bound
	// credential in the same conditional write.
	Consume(ctx context.Context, sessionID string) (bool, error)

	// Expire transitions pending or approved -> expired.
	Expire(ctx context.Context, sessionID string) (bool, error)

	// DeleteExpiredSessions removes rows whose deadline passed before
	// cutoff. Housekeeping only; protocol correctness relies on lazy
	// expiry at read time, not on this sweep.
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) error
}
