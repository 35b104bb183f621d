// Package memory implements the transaction provider in process
// memory. Used for development and tests; transactions are serialized
// under one mutex and writes stage in an overlay committed atomically.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dropDatabas3/syncrelay/internal/protocol"
	"github.com/dropDatabas3/syncrelay/internal/store"
)

type clientKey struct {
	group  string
	client string
}

type resultKey struct {
	group    string
	client   string
	mutation int64
}

type Store struct {
	mu       sync.Mutex
	counters map[clientKey]int64
	results  map[resultKey]protocol.MutationResult
	appData  map[string][]byte

	// failNextOpen makes the next Transaction fail at open, for tests.
	failNextOpen error
}

func New() *Store {
	return &Store{
		counters: make(map[clientKey]int64),
		results:  make(map[resultKey]protocol.MutationResult),
		appData:  make(map[string][]byte),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close()                     {}

// FailNextOpen makes the next Transaction call fail while opening the
// unit. Test hook.
func (s *Store) FailNextOpen(err error) {
	s.mu.Lock()
	s.failNextOpen = err
	s.mu.Unlock()
}

// LastMutationID returns the current progress counter for a client.
func (s *Store) LastMutationID(clientGroupID, clientID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[clientKey{clientGroupID, clientID}]
}

// Result returns the recorded result for one mutation, if any.
func (s *Store) Result(clientGroupID, clientID string, mutationID int64) (protocol.MutationResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[resultKey{clientGroupID, clientID, mutationID}]
	return r, ok
}

// AppValue reads committed application data outside any transaction.
func (s *Store) AppValue(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.appData[key]
	return v, ok
}

func (s *Store) Transaction(_ context.Context, clientGroupID, clientID string, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextOpen != nil {
		err := s.failNextOpen
		s.failNextOpen = nil
		return &store.OpenError{Err: err}
	}

	t := &tx{
		store:      s,
		ck:         clientKey{clientGroupID, clientID},
		appWrites:  make(map[string][]byte),
		appDeletes: make(map[string]bool),
		results:    make(map[resultKey]protocol.MutationResult),
	}
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// tx stages writes until commit so a failing fn leaves no trace,
// counter bumps included.
type tx struct {
	store *Store
	ck    clientKey

	counterBumps int64
	appWrites    map[string][]byte
	appDeletes   map[string]bool
	results      map[resultKey]protocol.MutationResult
}

func (t *tx) UpdateClientMutationID(context.Context) (int64, error) {
	t.counterBumps++
	return t.store.counters[t.ck] + t.counterBumps, nil
}

func (t *tx) WriteMutationResult(_ context.Context, r protocol.MutationResult) error {
	t.results[resultKey{t.ck.group, t.ck.client, r.ID.ID}] = r
	return nil
}

func (t *tx) AppGet(_ context.Context, key string) ([]byte, bool, error) {
	if t.appDeletes[key] {
		return nil, false, nil
	}
	if v, ok := t.appWrites[key]; ok {
		return v, true, nil
	}
	v, ok := t.store.appData[key]
	return v, ok, nil
}

func (t *tx) AppSet(_ context.Context, key string, value []byte) error {
	if value == nil {
		return fmt.Errorf("memory: nil value for key %q", key)
	}
	delete(t.appDeletes, key)
	t.appWrites[key] = value
	return nil
}

func (t *tx) AppDelete(_ context.Context, key string) error {
	delete(t.appWrites, key)
	t.appDeletes[key] = true
	return nil
}

func (t *tx) commit() {
	t.store.counters[t.ck] += t.counterBumps
	for k, v := range t.results {
		t.store.results[k] = v
	}
	for k, v := range t.appWrites {
		t.store.appData[k] = v
	}
	for k := range t.appDeletes {
		delete(t.store.appData, k)
	}
}
