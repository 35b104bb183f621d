package main

import (
	"context"
	"encoding/json"

	"github.com/dropDatabas3/syncrelay/internal/store"
	"github.com/dropDatabas3/syncrelay/internal/transact"
)

// Built-in key-value mutators. Deployments embedding this service
// register their own table over the same pattern; these cover the
// common case and keep a bare config usable end to end.

type kvPutArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type kvDeleteArgs struct {
	Key string `json:"key"`
}

func registerKVMutators(r *transact.Registry) {
	r.MustRegister("kv.put", func(ctx context.Context, tx store.Tx, args json.RawMessage) error {
		var a kvPutArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return transact.NewAppError("kv.put: invalid args: "+err.Error(), nil)
		}
		if a.Key == "" {
			return transact.NewAppError("kv.put: key is required", nil)
		}
		return tx.AppSet(ctx, a.Key, a.Value)
	})

	r.MustRegister("kv.delete", func(ctx context.Context, tx store.Tx, args json.RawMessage) error {
		var a kvDeleteArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return transact.NewAppError("kv.delete: invalid args: "+err.Error(), nil)
		}
		if a.Key == "" {
			return transact.NewAppError("kv.delete: key is required", nil)
		}
		return tx.AppDelete(ctx, a.Key)
	})
}
