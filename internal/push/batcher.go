package push

import (
	"fmt"

	"github.com/dropDatabas3/syncrelay/internal/protocol"
)

// PendingPush is one queued push entry: the push itself plus the
// per-connection values the gateway call needs. Never mutated after
// creation; consumed by the batcher.
type PendingPush struct {
	Push     protocol.Push
	ClientID string
	Auth     string
	Cookie   string
}

// queueItem is one slot of the pusher's work queue: a pending push or
// the termination marker enqueued by Stop.
type queueItem struct {
	entry *PendingPush
	stop  bool
}

// combinePushes groups queued entries by clientID (insertion order of
// first appearance), concatenating each client's mutation lists in
// encounter order. Per-client ordering is preserved; different clients'
// mutations may interleave in the output. A termination marker or nil
// entry stops consumption: the entries combined so far are returned
// with stop=true and the rest is discarded. Combining never reorders.
func combinePushes(items []queueItem) ([]*PendingPush, bool) {
	var order []string
	byClient := make(map[string]*PendingPush)

	for _, it := range items {
		if it.stop || it.entry == nil {
			return flatten(order, byClient), true
		}
		e := it.entry
		acc, ok := byClient[e.ClientID]
		if !ok {
			cp := *e
			cp.Push.Mutations = append([]protocol.Mutation(nil), e.Push.Mutations...)
			byClient[e.ClientID] = &cp
			order = append(order, e.ClientID)
			continue
		}
		// All entries for one client within one combine call come from
		// one connection; divergence is a protocol bug upstream, not a
		// user error.
		if acc.Auth != e.Auth {
			panic(fmt.Sprintf("push: combining %q: auth diverged within one batch", e.ClientID))
		}
		if acc.Push.SchemaVersion != e.Push.SchemaVersion {
			panic(fmt.Sprintf("push: combining %q: schemaVersion diverged within one batch (%q vs %q)",
				e.ClientID, acc.Push.SchemaVersion, e.Push.SchemaVersion))
		}
		if acc.Push.PushVersion != e.Push.PushVersion {
			panic(fmt.Sprintf("push: combining %q: pushVersion diverged within one batch (%d vs %d)",
				e.ClientID, acc.Push.PushVersion, e.Push.PushVersion))
		}
		acc.Push.Mutations = append(acc.Push.Mutations, e.Push.Mutations...)
	}
	return flatten(order, byClient), false
}

func flatten(order []string, byClient map[string]*PendingPush) []*PendingPush {
	out := make([]*PendingPush, 0, len(order))
	for _, cid := range order {
		out = append(out, byClient[cid])
	}
	return out
}
