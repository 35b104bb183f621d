package transact

import (
	"encoding/json"
	"fmt"
)

// Phase tracks where in a mutation's lifecycle a failure occurred,
// because failure handling differs by phase. Transitions are forward
// only, per mutation.
type Phase int

const (
	PreTransaction Phase = iota
	TransactionPending
	PostCommit
)

func (p Phase) String() string {
	switch p {
	case PreTransaction:
		return "preTransaction"
	case TransactionPending:
		return "transactionPending"
	case PostCommit:
		return "postCommit"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// AppError is a recoverable, user-intended failure raised by a mutator
// or a pre-transaction hook. It always results in a committed counter
// bump and a recorded failure; the mutator's own writes roll back.
type AppError struct {
	Message string
	Details json.RawMessage
}

func (e *AppError) Error() string { return "app error: " + e.Message }

// NewAppError builds an AppError with optional structured details.
func NewAppError(message string, details json.RawMessage) *AppError {
	return &AppError{Message: message, Details: details}
}

// DatabaseError is an unexpected storage failure, fatal to the
// remaining batch. Open distinguishes failures opening the atomic unit
// from failures executing inside it.
type DatabaseError struct {
	Open bool
	Err  error
}

func (e *DatabaseError) Error() string {
	if e.Open {
		return fmt.Sprintf("database transaction error (open): %v", e.Err)
	}
	return fmt.Sprintf("database transaction error (execute): %v", e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// gate sentinels: returned from inside the atomic unit to force a
// rollback, then branched on explicitly by the caller. Never escape the
// transactor.

type alreadyProcessedError struct {
	expected int64
}

func (e *alreadyProcessedError) Error() string {
	return fmt.Sprintf("mutation already processed (expected id %d)", e.expected)
}

type outOfOrderError struct {
	expected int64
}

func (e *outOfOrderError) Error() string {
	return fmt.Sprintf("mutation out of order (expected id %d)", e.expected)
}
