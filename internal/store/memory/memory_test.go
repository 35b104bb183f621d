package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/dropDatabas3/syncrelay/internal/protocol"
	"github.com/dropDatabas3/syncrelay/internal/store"
)

func TestTransaction_CommitsOnSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.Transaction(ctx, "g", "c", func(tx store.Tx) error {
		lmid, err := tx.UpdateClientMutationID(ctx)
		if err != nil {
			return err
		}
		if lmid != 1 {
			t.Fatalf("first bump = %d, want 1", lmid)
		}
		if err := tx.AppSet(ctx, "k", []byte(`"v"`)); err != nil {
			return err
		}
		return tx.WriteMutationResult(ctx, protocol.MutationResult{
			ID: protocol.MutationID{ClientID: "c", ID: 1},
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := s.LastMutationID("g", "c"); got != 1 {
		t.Fatalf("counter = %d", got)
	}
	if v, ok := s.AppValue("k"); !ok || string(v) != `"v"` {
		t.Fatalf("value = %q ok=%v", v, ok)
	}
	if _, ok := s.Result("g", "c", 1); !ok {
		t.Fatal("result not committed")
	}
}

func TestTransaction_RollsBackEverythingOnError(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.Transaction(ctx, "g", "c", func(tx store.Tx) error {
		if _, err := tx.UpdateClientMutationID(ctx); err != nil {
			return err
		}
		if err := tx.AppSet(ctx, "k", []byte(`"v"`)); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("want the fn error back")
	}

	if got := s.LastMutationID("g", "c"); got != 0 {
		t.Fatalf("counter = %d, the bump must roll back too", got)
	}
	if _, ok := s.AppValue("k"); ok {
		t.Fatal("staged write leaked")
	}
}

func TestTransaction_CounterIncrementsAcrossUnits(t *testing.T) {
	s := New()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		err := s.Transaction(ctx, "g", "c", func(tx store.Tx) error {
			got, err := tx.UpdateClientMutationID(ctx)
			if err != nil {
				return err
			}
			if got != want {
				t.Fatalf("bump = %d, want %d", got, want)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// Counters are per (group, client).
	if got := s.LastMutationID("g", "other"); got != 0 {
		t.Fatalf("other client's counter = %d", got)
	}
}

func TestTransaction_AppGetSeesStagedState(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Transaction(ctx, "g", "c", func(tx store.Tx) error {
		return tx.AppSet(ctx, "k", []byte("1"))
	}); err != nil {
		t.Fatal(err)
	}

	err := s.Transaction(ctx, "g", "c", func(tx store.Tx) error {
		// Committed state is visible.
		if v, ok, _ := tx.AppGet(ctx, "k"); !ok || string(v) != "1" {
			t.Fatalf("committed read = %q ok=%v", v, ok)
		}
		// A staged write shadows it.
		if err := tx.AppSet(ctx, "k", []byte("2")); err != nil {
			return err
		}
		if v, _, _ := tx.AppGet(ctx, "k"); string(v) != "2" {
			t.Fatalf("staged read = %q", v)
		}
		// A staged delete hides it.
		if err := tx.AppDelete(ctx, "k"); err != nil {
			return err
		}
		if _, ok, _ := tx.AppGet(ctx, "k"); ok {
			t.Fatal("deleted key still visible inside the unit")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.AppValue("k"); ok {
		t.Fatal("delete did not commit")
	}
}

func TestFailNextOpen(t *testing.T) {
	s := New()
	s.FailNextOpen(errors.New("unreachable"))

	err := s.Transaction(context.Background(), "g", "c", func(tx store.Tx) error {
		t.Fatal("fn must not run when the unit fails to open")
		return nil
	})
	var openErr *store.OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want OpenError", err)
	}

	// One-shot: the next unit opens normally.
	if err := s.Transaction(context.Background(), "g", "c", func(tx store.Tx) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
