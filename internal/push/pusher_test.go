package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/syncrelay/internal/gateway"
	"github.com/dropDatabas3/syncrelay/internal/protocol"
)

func newTestPusher(t *testing.T, handler http.HandlerFunc) (*Pusher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	allow, err := gateway.CompileAllowList([]string{regexp.QuoteMeta(srv.URL) + ".*"})
	if err != nil {
		t.Fatal(err)
	}
	gw := gateway.New(gateway.Shard{AppID: "zero"}, zap.NewNop())
	p := New(Config{
		ClientGroupID:  "g",
		DefaultURL:     srv.URL,
		APIKey:         "key",
		ForwardCookies: true,
		AllowList:      allow,
	}, gw, zap.NewNop())
	return p, srv
}

func runPusher(t *testing.T, p *Pusher) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	return done
}

func waitStop(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run loop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
}

func recvDownstream(t *testing.T, ch <-chan Downstream) Downstream {
	t.Helper()
	select {
	case msg, open := <-ch:
		if !open {
			t.Fatal("stream closed before a message arrived")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no downstream message")
	}
	return Downstream{}
}

func okResults(ms []protocol.Mutation) []protocol.MutationResult {
	out := make([]protocol.MutationResult, 0, len(ms))
	for _, m := range ms {
		out = append(out, protocol.MutationResult{ID: m.MID()})
	}
	return out
}

func TestPusher_ForwardsAndFansOutSuccess(t *testing.T) {
	var received protocol.Push
	p, _ := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode push: %v", err)
		}
		json.NewEncoder(w).Encode(protocol.PushResponse{Mutations: okResults(received.Mutations)})
	})

	stream, err := p.InitConnection("c1", "ws1", "")
	if err != nil {
		t.Fatal(err)
	}
	p.EnqueuePush("c1", protocol.Push{
		ClientGroupID: "g",
		PushVersion:   1,
		Mutations: []protocol.Mutation{
			{ID: 1, ClientID: "c1", Name: "a"},
			{ID: 2, ClientID: "c1", Name: "b"},
		},
	}, "tok", "")

	done := runPusher(t, p)
	msg := recvDownstream(t, stream)
	if msg.Error != nil {
		t.Fatalf("unexpected terminal error: %+v", msg.Error)
	}
	if got := len(msg.Response.Mutations); got != 2 {
		t.Fatalf("delivered %d results, want 2", got)
	}
	if len(received.Mutations) != 2 {
		t.Fatalf("user API saw %d mutations, want 2", len(received.Mutations))
	}

	p.Stop()
	waitStop(t, done)
}

func TestPusher_CombinesQueuedPushesPerClient(t *testing.T) {
	var calls int
	var received protocol.Push
	ready := make(chan struct{})
	p, _ := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(protocol.PushResponse{Mutations: okResults(received.Mutations)})
		close(ready)
	})

	stream, err := p.InitConnection("c1", "ws1", "")
	if err != nil {
		t.Fatal(err)
	}
	// Two entries queued before the loop starts arrive as one combined
	// gateway call.
	one := protocol.Push{ClientGroupID: "g", PushVersion: 1,
		Mutations: []protocol.Mutation{{ID: 1, ClientID: "c1", Name: "a"}}}
	two := protocol.Push{ClientGroupID: "g", PushVersion: 1,
		Mutations: []protocol.Mutation{{ID: 2, ClientID: "c1", Name: "b"}}}
	p.EnqueuePush("c1", one, "tok", "")
	p.EnqueuePush("c1", two, "tok", "")

	done := runPusher(t, p)
	msg := recvDownstream(t, stream)
	<-ready
	if calls != 1 {
		t.Fatalf("user API called %d times, want 1 combined call", calls)
	}
	if len(received.Mutations) != 2 || received.Mutations[0].ID != 1 || received.Mutations[1].ID != 2 {
		t.Fatalf("combined mutations = %+v", received.Mutations)
	}
	if len(msg.Response.Mutations) != 2 {
		t.Fatalf("delivered %d results", len(msg.Response.Mutations))
	}

	p.Stop()
	waitStop(t, done)
}

func TestPusher_OutOfOrderResultTerminatesStream(t *testing.T) {
	p, _ := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		var in protocol.Push
		json.NewDecoder(r.Body).Decode(&in)
		json.NewEncoder(w).Encode(protocol.PushResponse{Mutations: []protocol.MutationResult{
			{ID: in.Mutations[0].MID()},
			{ID: in.Mutations[1].MID(), Result: protocol.MutationOutcome{
				Error:   protocol.ReasonOOOMutation,
				Message: "expected id 2",
			}},
		}})
	})

	stream, err := p.InitConnection("c1", "ws1", "")
	if err != nil {
		t.Fatal(err)
	}
	p.EnqueuePush("c1", protocol.Push{ClientGroupID: "g", PushVersion: 1,
		Mutations: []protocol.Mutation{
			{ID: 1, ClientID: "c1", Name: "a"},
			{ID: 3, ClientID: "c1", Name: "b"},
		}}, "tok", "")

	done := runPusher(t, p)

	// Results ahead of the terminating one are still delivered.
	first := recvDownstream(t, stream)
	if first.Response == nil || len(first.Response.Mutations) != 1 {
		t.Fatalf("first message = %+v, want the one preceding result", first)
	}
	second := recvDownstream(t, stream)
	if second.Error == nil || second.Error.Reason != protocol.ReasonOOOMutation {
		t.Fatalf("second message = %+v, want terminal oooMutation", second)
	}
	if _, open := <-stream; open {
		t.Fatal("stream must close after the terminal error")
	}

	p.Stop()
	waitStop(t, done)
}

func TestPusher_OutOfOrderTerminalErrorNamesRemainder(t *testing.T) {
	p, _ := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		var in protocol.Push
		json.NewDecoder(r.Body).Decode(&in)
		// One applied result, then the gap, then the unprocessed
		// mutation behind it.
		json.NewEncoder(w).Encode(protocol.PushResponse{Mutations: []protocol.MutationResult{
			{ID: in.Mutations[0].MID()},
			{ID: in.Mutations[1].MID(), Result: protocol.MutationOutcome{
				Error:   protocol.ReasonOOOMutation,
				Message: "expected id 2",
			}},
			{ID: in.Mutations[2].MID(), Result: protocol.MutationOutcome{
				Error:   protocol.ReasonOOOMutation,
				Message: "not processed: mutation 3 arrived out of order",
			}},
		}})
	})

	stream, err := p.InitConnection("c1", "ws1", "")
	if err != nil {
		t.Fatal(err)
	}
	p.EnqueuePush("c1", protocol.Push{ClientGroupID: "g", PushVersion: 1,
		Mutations: []protocol.Mutation{
			{ID: 1, ClientID: "c1", Name: "a"},
			{ID: 3, ClientID: "c1", Name: "b"},
			{ID: 4, ClientID: "c1", Name: "c"},
		}}, "tok", "")

	done := runPusher(t, p)

	first := recvDownstream(t, stream)
	if first.Response == nil || len(first.Response.Mutations) != 1 {
		t.Fatalf("first message = %+v, want the one preceding result", first)
	}
	second := recvDownstream(t, stream)
	if second.Error == nil || second.Error.Reason != protocol.ReasonOOOMutation {
		t.Fatalf("second message = %+v, want terminal oooMutation", second)
	}
	want := []protocol.MutationID{{ClientID: "c1", ID: 3}, {ClientID: "c1", ID: 4}}
	if len(second.Error.MutationIDs) != len(want) {
		t.Fatalf("terminal mutationIDs = %+v, want %+v", second.Error.MutationIDs, want)
	}
	for i, mid := range second.Error.MutationIDs {
		if mid != want[i] {
			t.Fatalf("terminal mutationIDs[%d] = %+v, want %+v", i, mid, want[i])
		}
	}

	p.Stop()
	waitStop(t, done)
}

func TestPusher_GatewayHTTPFailureFansOut(t *testing.T) {
	p, _ := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "user api down", http.StatusInternalServerError)
	})

	stream, err := p.InitConnection("c1", "ws1", "")
	if err != nil {
		t.Fatal(err)
	}
	p.EnqueuePush("c1", protocol.Push{ClientGroupID: "g", PushVersion: 1,
		Mutations: []protocol.Mutation{{ID: 1, ClientID: "c1", Name: "a"}}}, "tok", "")

	done := runPusher(t, p)
	msg := recvDownstream(t, stream)
	if msg.Error == nil {
		t.Fatalf("want terminal error, got %+v", msg)
	}
	if msg.Error.Reason != protocol.ReasonHTTP || msg.Error.Status != http.StatusInternalServerError {
		t.Fatalf("error = %+v", msg.Error)
	}
	if len(msg.Error.MutationIDs) != 1 {
		t.Fatalf("failure must carry the batch's mutationIDs: %+v", msg.Error.MutationIDs)
	}

	// A gateway failure never ends the loop.
	p.Stop()
	waitStop(t, done)
}

func TestPusher_UserAPIFailedBodyGetsDefaults(t *testing.T) {
	p, _ := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		// A failed body with no origin and no mutationIDs: the pusher
		// fills both before fanning out.
		json.NewEncoder(w).Encode(protocol.PushResponse{Failed: &protocol.PushFailedBody{
			Kind:    protocol.KindPushFailed,
			Reason:  protocol.ReasonApp,
			Message: "schema mismatch",
		}})
	})

	stream, err := p.InitConnection("c1", "ws1", "")
	if err != nil {
		t.Fatal(err)
	}
	p.EnqueuePush("c1", protocol.Push{ClientGroupID: "g", PushVersion: 1,
		Mutations: []protocol.Mutation{{ID: 1, ClientID: "c1", Name: "a"}}}, "tok", "")

	done := runPusher(t, p)
	msg := recvDownstream(t, stream)
	if msg.Error == nil {
		t.Fatalf("want terminal error, got %+v", msg)
	}
	if msg.Error.Origin != protocol.OriginServer {
		t.Fatalf("origin = %q, want server", msg.Error.Origin)
	}
	if len(msg.Error.MutationIDs) != 1 {
		t.Fatalf("mutationIDs = %+v", msg.Error.MutationIDs)
	}

	p.Stop()
	waitStop(t, done)
}

func TestPusher_StopDrainsQueuedEntriesFirst(t *testing.T) {
	p, _ := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		var in protocol.Push
		json.NewDecoder(r.Body).Decode(&in)
		json.NewEncoder(w).Encode(protocol.PushResponse{Mutations: okResults(in.Mutations)})
	})

	stream, err := p.InitConnection("c1", "ws1", "")
	if err != nil {
		t.Fatal(err)
	}
	p.EnqueuePush("c1", protocol.Push{ClientGroupID: "g", PushVersion: 1,
		Mutations: []protocol.Mutation{{ID: 1, ClientID: "c1", Name: "a"}}}, "tok", "")
	p.Stop()

	done := runPusher(t, p)
	msg := recvDownstream(t, stream)
	if msg.Response == nil || len(msg.Response.Mutations) != 1 {
		t.Fatalf("entry queued before stop must still be sent: %+v", msg)
	}
	waitStop(t, done)
}

func TestPusher_InitConnectionSemantics(t *testing.T) {
	p, _ := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {})

	first, err := p.InitConnection("c1", "ws1", "")
	if err != nil {
		t.Fatal(err)
	}
	// Same socket again is a bug on the caller's side.
	if _, err := p.InitConnection("c1", "ws1", ""); err == nil {
		t.Fatal("same (client, socket) twice must fail")
	}
	// A different socket replaces the connection and closes the old stream.
	if _, err := p.InitConnection("c1", "ws2", ""); err != nil {
		t.Fatal(err)
	}
	select {
	case _, open := <-first:
		if open {
			t.Fatal("old stream must be closed, not delivered to")
		}
	case <-time.After(time.Second):
		t.Fatal("old stream was not closed")
	}

	// Closing with a stale socket ID is a no-op.
	p.CloseConnection("c1", "ws1")
	p.mu.Lock()
	_, stillThere := p.conns["c1"]
	p.mu.Unlock()
	if !stillThere {
		t.Fatal("close with a stale wsID must not remove the live connection")
	}
	p.CloseConnection("c1", "ws2")
	p.mu.Lock()
	_, stillThere = p.conns["c1"]
	p.mu.Unlock()
	if stillThere {
		t.Fatal("close with the matching wsID must remove the connection")
	}
}

func TestPusher_FirstOverrideURLWins(t *testing.T) {
	p, srv := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {})

	if _, err := p.InitConnection("c1", "ws1", srv.URL+"/first"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.InitConnection("c2", "ws2", srv.URL+"/second"); err != nil {
		t.Fatal(err)
	}

	url, userSupplied := p.pushURL()
	if url != srv.URL+"/first" {
		t.Fatalf("push URL = %q, first override must win", url)
	}
	if !userSupplied {
		t.Fatal("an override URL is user-supplied")
	}
}

func TestPusher_CookieStrippedUnlessForwarded(t *testing.T) {
	p, _ := newTestPusher(t, func(w http.ResponseWriter, r *http.Request) {})
	p.cfg.ForwardCookies = false

	p.EnqueuePush("c1", protocol.Push{ClientGroupID: "g", PushVersion: 1}, "tok", "session=abc")
	items := p.queue.Drain()
	if len(items) != 1 {
		t.Fatalf("queued %d items", len(items))
	}
	if items[0].entry.Cookie != "" {
		t.Fatalf("cookie = %q, must be stripped", items[0].entry.Cookie)
	}
	if items[0].entry.Auth != "tok" {
		t.Fatalf("auth = %q, must be kept", items[0].entry.Auth)
	}
}
