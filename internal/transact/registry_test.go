package transact

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/dropDatabas3/syncrelay/internal/store"
)

func noop(context.Context, store.Tx, json.RawMessage) error { return nil }

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("todo.create", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register("todo.create", noop); err == nil {
		t.Fatal("duplicate register must fail")
	}
}

func TestRegistry_RegisterRejectsEmptyNameAndNilFn(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", noop); err == nil {
		t.Fatal("empty name must fail")
	}
	if err := r.Register("x", nil); err == nil {
		t.Fatal("nil mutator must fail")
	}
}

func TestRegistry_LookupMissListsRegistered(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("b", noop)
	r.MustRegister("a", noop)

	_, err := r.Lookup("missing")
	if err == nil {
		t.Fatal("want lookup error")
	}
	// Names are listed sorted, so the message is stable.
	if !strings.Contains(err.Error(), "[a b]") {
		t.Fatalf("error %q should list registered names", err)
	}
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("once", noop)
	defer func() {
		if recover() == nil {
			t.Fatal("want panic")
		}
	}()
	r.MustRegister("once", noop)
}

func TestPhase_String(t *testing.T) {
	cases := map[Phase]string{
		PreTransaction:     "preTransaction",
		TransactionPending: "transactionPending",
		PostCommit:         "postCommit",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", int(p), got, want)
		}
	}
}
