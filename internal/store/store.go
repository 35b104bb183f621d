// Package store defines the transaction-provider boundary between the
// transactor and the backing storage engine. The provider is the sole
// arbiter of durable-state concurrency: every mutation is applied
// inside exactly one atomic unit obtained here.
package store

import (
	"context"
	"fmt"

	"github.com/dropDatabas3/syncrelay/internal/protocol"
)

// Provider opens atomic units scoped to one (clientGroupID, clientID).
type Provider interface {
	// Transaction runs fn inside one atomic unit. A nil return from fn
	// commits the unit; any error rolls back everything written during
	// it, including progress-counter bumps, and is returned unchanged.
	// Failures to open the unit are reported as *OpenError.
	Transaction(ctx context.Context, clientGroupID, clientID string, fn func(tx Tx) error) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying pool/state.
	Close()
}

// Tx is the transactional handle passed to mutators and the transactor.
type Tx interface {
	// UpdateClientMutationID atomically reads-and-increments the
	// client's progress counter and returns the new value. The counter
	// is created at 0 on a client's first mutation, so the first call
	// returns 1.
	UpdateClientMutationID(ctx context.Context) (int64, error)

	// WriteMutationResult durably records the result for a mutation.
	WriteMutationResult(ctx context.Context, r protocol.MutationResult) error

	// AppGet reads an application row by key.
	AppGet(ctx context.Context, key string) ([]byte, bool, error)

	// AppSet writes an application row. Rolled back with the unit.
	AppSet(ctx context.Context, key string, value []byte) error

	// AppDelete removes an application row.
	AppDelete(ctx context.Context, key string) error
}

// OpenError reports a failure to open the atomic unit, as opposed to a
// failure while executing inside it. The transactor tags its
// database-transaction errors with this distinction.
type OpenError struct {
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("store: open transaction: %v", e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }
