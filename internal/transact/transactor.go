// Package transact implements the mutation ordering and idempotence
// protocol: each mutation is applied inside a single atomic unit that
// simultaneously advances the client's progress counter and either
// applies the mutation or records its failure, never both partially.
package transact

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dropDatabas3/syncrelay/internal/metrics"
	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
	"github.com/dropDatabas3/syncrelay/internal/protocol"
	"github.com/dropDatabas3/syncrelay/internal/store"
)

// SupportedPushVersion is the only push protocol version this engine
// applies.
const SupportedPushVersion = 1

// Hooks are optional user callbacks around each mutation. Pre runs
// before the atomic unit opens; an *AppError from it bumps the counter
// and records the failure without ever running the mutator. Post runs
// after commit; its failures are logged only, the mutation is already
// committed and is not revisited.
type Hooks struct {
	Pre  func(ctx context.Context, m protocol.Mutation) error
	Post func(ctx context.Context, m protocol.Mutation) error
}

type Transactor struct {
	provider store.Provider
	registry *Registry
	hooks    Hooks
	log      *zap.Logger
}

func New(provider store.Provider, registry *Registry, hooks Hooks, log *zap.Logger) *Transactor {
	if log == nil {
		log = logger.Named("transact")
	}
	return &Transactor{provider: provider, registry: registry, hooks: hooks, log: log}
}

// ProcessPush applies the push's mutations in client-asserted order.
// Recoverable failures (alreadyProcessed, app errors) become
// per-mutation results and processing continues. An out-of-order
// mutation yields its error result and stops the batch; the mutations
// behind it are reported unprocessed in their original order. Any other
// failure aborts the batch with a PushFailedBody naming exactly the
// unprocessed mutations, in their original order.
func (t *Transactor) ProcessPush(ctx context.Context, push protocol.Push) protocol.PushResponse {
	if push.PushVersion != SupportedPushVersion {
		return protocol.PushResponse{Failed: &protocol.PushFailedBody{
			Kind:        protocol.KindPushFailed,
			Origin:      protocol.OriginGateway,
			Reason:      protocol.ReasonUnsupportedPushVersion,
			Message:     fmt.Sprintf("push version %d is not supported (want %d)", push.PushVersion, SupportedPushVersion),
			MutationIDs: push.MutationIDs(),
		}}
	}

	results := make([]protocol.MutationResult, 0, len(push.Mutations))
	for i, m := range push.Mutations {
		res, err := t.processMutation(ctx, push.ClientGroupID, m)
		if err != nil {
			// Fatal: this mutation and everything after it stays
			// unprocessed, reported in original order.
			unprocessed := make([]protocol.MutationID, 0, len(push.Mutations)-i)
			for _, rest := range push.Mutations[i:] {
				unprocessed = append(unprocessed, rest.MID())
			}
			return protocol.PushResponse{Failed: failedBody(err, unprocessed)}
		}
		results = append(results, res)
		if res.Result.Error == protocol.ReasonOOOMutation {
			// The client must resync; subsequent mutations in this push
			// are never attempted and each is reported unprocessed, in
			// original order.
			for _, rest := range push.Mutations[i+1:] {
				results = append(results, protocol.MutationResult{
					ID: rest.MID(),
					Result: protocol.MutationOutcome{
						Error:   protocol.ReasonOOOMutation,
						Message: fmt.Sprintf("not processed: mutation %d arrived out of order", m.ID),
					},
				})
			}
			break
		}
	}
	return protocol.PushResponse{Mutations: results}
}

// processMutation runs one mutation through its lifecycle. The returned
// error is non-nil only for failures fatal to the remaining batch.
func (t *Transactor) processMutation(ctx context.Context, clientGroupID string, m protocol.Mutation) (protocol.MutationResult, error) {
	phase := PreTransaction

	if t.hooks.Pre != nil {
		if err := t.hooks.Pre(ctx, m); err != nil {
			var app *AppError
			if errors.As(err, &app) {
				return t.recordFailure(ctx, clientGroupID, m, app)
			}
			return protocol.MutationResult{}, fmt.Errorf("transact: %s hook for %q: %w", phase, m.Name, err)
		}
	}

	mutator, err := t.registry.Lookup(m.Name)
	if err != nil {
		// Unknown mutator names are the application's mistake, not
		// ours: advance the counter and record the lookup failure so
		// the client does not retry forever.
		return t.recordFailure(ctx, clientGroupID, m, &AppError{Message: err.Error()})
	}

	phase = TransactionPending
	okResult := protocol.MutationResult{ID: m.MID()}
	txErr := t.provider.Transaction(ctx, clientGroupID, m.ClientID, func(tx store.Tx) error {
		lmid, err := tx.UpdateClientMutationID(ctx)
		if err != nil {
			return err
		}
		if m.ID < lmid {
			return &alreadyProcessedError{expected: lmid}
		}
		if m.ID > lmid {
			return &outOfOrderError{expected: lmid}
		}
		if err := mutator(ctx, tx, m.Args); err != nil {
			return err
		}
		return tx.WriteMutationResult(ctx, okResult)
	})

	switch {
	case txErr == nil:
		metrics.MutationsProcessed.WithLabelValues("ok").Inc()
		t.runPostHook(ctx, m)
		return okResult, nil

	case isAlreadyProcessed(txErr):
		// Replay of a committed mutation: state unchanged, informational
		// result only.
		metrics.MutationsProcessed.WithLabelValues("already_processed").Inc()
		t.log.Debug("mutation already processed",
			logger.ClientGroupID(clientGroupID), logger.ClientID(m.ClientID), logger.MutationID(m.ID))
		return protocol.MutationResult{
			ID:     m.MID(),
			Result: protocol.MutationOutcome{Error: protocol.ReasonAlreadyProcessed},
		}, nil

	case isOutOfOrder(txErr):
		// A gap means the client and server disagree on progress; the
		// client has to resync before anything after this can apply.
		metrics.MutationsProcessed.WithLabelValues("out_of_order").Inc()
		t.log.Warn("mutation out of order",
			logger.ClientGroupID(clientGroupID), logger.ClientID(m.ClientID),
			logger.MutationID(m.ID), logger.Err(txErr))
		return protocol.MutationResult{
			ID: m.MID(),
			Result: protocol.MutationOutcome{
				Error:   protocol.ReasonOOOMutation,
				Message: txErr.Error(),
			},
		}, nil

	default:
		var app *AppError
		if errors.As(txErr, &app) {
			// The whole unit rolled back, counter bump included. Bump
			// and record in a second unit; the mutator never re-runs.
			return t.recordFailure(ctx, clientGroupID, m, app)
		}
		metrics.MutationsProcessed.WithLabelValues("error").Inc()
		dbErr := classifyDatabaseError(txErr)
		t.log.Error("mutation transaction failed",
			logger.ClientGroupID(clientGroupID), logger.ClientID(m.ClientID),
			logger.MutationID(m.ID), logger.String("phase", phase.String()), logger.Err(dbErr))
		return protocol.MutationResult{}, dbErr
	}
}

// recordFailure implements the idempotent bump-and-record step: a fresh
// atomic unit increments the counter (reaching the same target value
// the rolled-back unit did) and durably records the failure, without
// invoking any mutator. The unit obeys the same ordering gate as the
// main one, so a replayed or gapped mutation that never reaches a
// mutator still cannot move the counter.
func (t *Transactor) recordFailure(ctx context.Context, clientGroupID string, m protocol.Mutation, app *AppError) (protocol.MutationResult, error) {
	result := protocol.MutationResult{
		ID: m.MID(),
		Result: protocol.MutationOutcome{
			Error:   protocol.ReasonApp,
			Message: app.Message,
			Details: app.Details,
		},
	}
	txErr := t.provider.Transaction(ctx, clientGroupID, m.ClientID, func(tx store.Tx) error {
		lmid, err := tx.UpdateClientMutationID(ctx)
		if err != nil {
			return err
		}
		if m.ID < lmid {
			return &alreadyProcessedError{expected: lmid}
		}
		if m.ID > lmid {
			return &outOfOrderError{expected: lmid}
		}
		return tx.WriteMutationResult(ctx, result)
	})

	switch {
	case txErr == nil:
		metrics.MutationsProcessed.WithLabelValues("app_error").Inc()
		t.log.Info("mutation failed with application error",
			logger.ClientGroupID(clientGroupID), logger.ClientID(m.ClientID),
			logger.MutationID(m.ID), logger.String("message", app.Message))
		t.runPostHook(ctx, m)
		return result, nil

	case isAlreadyProcessed(txErr):
		metrics.MutationsProcessed.WithLabelValues("already_processed").Inc()
		t.log.Debug("mutation already processed",
			logger.ClientGroupID(clientGroupID), logger.ClientID(m.ClientID), logger.MutationID(m.ID))
		return protocol.MutationResult{
			ID:     m.MID(),
			Result: protocol.MutationOutcome{Error: protocol.ReasonAlreadyProcessed},
		}, nil

	case isOutOfOrder(txErr):
		metrics.MutationsProcessed.WithLabelValues("out_of_order").Inc()
		t.log.Warn("mutation out of order",
			logger.ClientGroupID(clientGroupID), logger.ClientID(m.ClientID),
			logger.MutationID(m.ID), logger.Err(txErr))
		return protocol.MutationResult{
			ID: m.MID(),
			Result: protocol.MutationOutcome{
				Error:   protocol.ReasonOOOMutation,
				Message: txErr.Error(),
			},
		}, nil

	default:
		metrics.MutationsProcessed.WithLabelValues("error").Inc()
		return protocol.MutationResult{}, classifyDatabaseError(txErr)
	}
}

func (t *Transactor) runPostHook(ctx context.Context, m protocol.Mutation) {
	if t.hooks.Post == nil {
		return
	}
	if err := t.hooks.Post(ctx, m); err != nil {
		// Already committed; never revisited.
		t.log.Warn("post-commit hook failed",
			logger.ClientID(m.ClientID), logger.MutationID(m.ID),
			logger.String("phase", PostCommit.String()), logger.Err(err))
	}
}

func isAlreadyProcessed(err error) bool {
	var e *alreadyProcessedError
	return errors.As(err, &e)
}

func isOutOfOrder(err error) bool {
	var e *outOfOrderError
	return errors.As(err, &e)
}

// classifyDatabaseError wraps a storage failure, tagging whether it
// happened while opening the unit or while executing inside it.
func classifyDatabaseError(err error) *DatabaseError {
	var open *store.OpenError
	return &DatabaseError{Open: errors.As(err, &open), Err: err}
}

// failedBody converts a fatal processing error into the whole-batch
// error body, mapping the taxonomy reason from the error's type.
func failedBody(err error, unprocessed []protocol.MutationID) *protocol.PushFailedBody {
	reason := protocol.ReasonInternal
	var dbErr *DatabaseError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = protocol.ReasonTimeout
	case errors.As(err, &dbErr):
		reason = protocol.ReasonDatabase
	}
	return &protocol.PushFailedBody{
		Kind:        protocol.KindPushFailed,
		Origin:      protocol.OriginGateway,
		Reason:      reason,
		Message:     err.Error(),
		MutationIDs: unprocessed,
	}
}
