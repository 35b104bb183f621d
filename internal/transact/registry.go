package transact

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dropDatabas3/syncrelay/internal/store"
)

// Mutator applies one named mutation inside the atomic unit. Returning
// an *AppError rolls back the unit and records the failure; any other
// error is fatal to the remaining batch.
type Mutator func(ctx context.Context, tx store.Tx, args json.RawMessage) error

// Registry is the explicit name-to-mutator lookup table, built once at
// startup. Names are matched exactly; there is no dotted-path or
// dynamic resolution.
type Registry struct {
	mutators map[string]Mutator
}

func NewRegistry() *Registry {
	return &Registry{mutators: make(map[string]Mutator)}
}

// Register adds a mutator under its exact name. Registering the same
// name twice is a wiring bug and fails.
func (r *Registry) Register(name string, fn Mutator) error {
	if name == "" {
		return fmt.Errorf("transact: mutator name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("transact: mutator %q must not be nil", name)
	}
	if _, dup := r.mutators[name]; dup {
		return fmt.Errorf("transact: mutator %q registered twice", name)
	}
	r.mutators[name] = fn
	return nil
}

// MustRegister is Register for static startup wiring.
func (r *Registry) MustRegister(name string, fn Mutator) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup resolves a mutator by exact name with a descriptive error on a
// miss, listing the registered names.
func (r *Registry) Lookup(name string) (Mutator, error) {
	fn, ok := r.mutators[name]
	if !ok {
		return nil, fmt.Errorf("transact: no mutator registered for %q (registered: %v)", name, r.Names())
	}
	return fn, nil
}

// Names returns the registered mutator names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.mutators))
	for n := range r.mutators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
