// Package ledger guards against settling one authorization twice.
//
// An entry moves through pending (reserved before settlement) to settled
// (committed after the facilitator succeeds). A pending entry is released if
// settlement fails, so a failed attempt leaves nothing behind. Entries live
// until the authorization's validBefore plus a grace margin, after which the
// token contract itself rejects the nonce.
package ledger

import (
	"context"
	"time"
)

type State string

const (
	StatePending State = "pending"
	StateSettled State = "settled"
)

// Ledger is safe for concurrent use. Reserve is the single synchronization
// point between requests carrying the same nonce: exactly one caller wins.
type Ledger interface {
	// Reserve inserts key as pending if it is absent. It fails with a
	// ReplayedAuthorization error if key exists in any state.
	Reserve(ctx context.Context, key string, expiresAt time.Time) error

	// Commit marks key settled and keeps it until expiresAt.
	Commit(ctx context.Context, key string, expiresAt time.Time) error

	// Release drops key only if it is still pending.
	Release(ctx context.Context, key string) error

	// Lookup reports the state of key, if present.
	Lookup(ctx context.Context, key string) (State, bool, error)
}
