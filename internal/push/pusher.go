// Package push owns the batching/streaming pusher: one instance per
// client group that coalesces concurrently queued mutations, forwards
// them through the outbound gateway, and fans success/failure back out
// to the originating client connections.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dropDatabas3/syncrelay/internal/gateway"
	"github.com/dropDatabas3/syncrelay/internal/metrics"
	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
	"github.com/dropDatabas3/syncrelay/internal/protocol"
)

// Downstream is one message on a client's downstream stream: a push
// response, or a terminal error after which the stream closes.
type Downstream struct {
	Response *protocol.PushResponse   `json:"response,omitempty"`
	Error    *protocol.PushFailedBody `json:"error,omitempty"`
}

// downstreamBuffer bounds a client stream. A client that cannot keep up
// is treated as disconnected for the overflowing message.
const downstreamBuffer = 32

// Config is a pusher's static per-group configuration.
type Config struct {
	ClientGroupID string
	// DefaultURL is the first statically configured push endpoint.
	DefaultURL string
	APIKey     string
	// ForwardCookies controls whether client cookies reach the user API.
	ForwardCookies bool
	AllowList      *gateway.AllowList
	// QueueWarnDepth logs a warning when the queue grows past it.
	QueueWarnDepth int
}

type connection struct {
	wsID string
	ch   chan Downstream
}

// Pusher owns one client group's work queue and connection registry.
// The run loop is the queue's only consumer; the connection map is
// shared with InitConnection and guarded by mu.
type Pusher struct {
	cfg   Config
	gw    *gateway.Gateway
	log   *zap.Logger
	queue *workQueue

	mu          sync.Mutex
	conns       map[string]*connection
	overrideURL string
	overrideSet bool
}

func New(cfg Config, gw *gateway.Gateway, log *zap.Logger) *Pusher {
	if log == nil {
		log = logger.Named("pusher").With(logger.ClientGroupID(cfg.ClientGroupID))
	}
	return &Pusher{
		cfg:   cfg,
		gw:    gw,
		log:   log,
		queue: newWorkQueue(),
		conns: make(map[string]*connection),
	}
}

// InitConnection registers a client connection and returns its
// downstream stream. An existing stream for the same clientID with a
// different wsID is cancelled (the connection was replaced). Calling
// twice with the same (clientID, wsID) is an error.
//
// overrideURL, when non-empty, becomes the group-level push URL if no
// override is active yet; a differing later override is logged and
// ignored.
func (p *Pusher) InitConnection(clientID, wsID, overrideURL string) (<-chan Downstream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.conns[clientID]; ok {
		if existing.wsID == wsID {
			return nil, fmt.Errorf("push: connection for client %q already initialized with socket %q", clientID, wsID)
		}
		close(existing.ch)
		p.log.Info("client connection replaced",
			logger.ClientID(clientID), logger.WSID(wsID), logger.String("old_ws_id", existing.wsID))
	}

	if overrideURL != "" {
		switch {
		case !p.overrideSet:
			p.overrideURL = overrideURL
			p.overrideSet = true
			p.log.Info("push URL override set by first connection",
				logger.ClientID(clientID), logger.URL(overrideURL))
		case p.overrideURL != overrideURL:
			p.log.Warn("ignoring differing push URL override",
				logger.ClientID(clientID), logger.URL(overrideURL),
				logger.String("active_url", p.overrideURL))
		}
	}

	conn := &connection{wsID: wsID, ch: make(chan Downstream, downstreamBuffer)}
	p.conns[clientID] = conn
	return conn.ch, nil
}

// CloseConnection cancels a client's downstream stream if the wsID
// still matches. Delivery to it stops immediately; the run loop and any
// in-flight gateway call are unaffected.
func (p *Pusher) CloseConnection(clientID, wsID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[clientID]; ok && conn.wsID == wsID {
		close(conn.ch)
		delete(p.conns, clientID)
	}
}

// EnqueuePush queues a push for forwarding. Never blocks. The cookie is
// stripped unless the group is configured to forward cookies.
func (p *Pusher) EnqueuePush(clientID string, push protocol.Push, auth, cookie string) {
	if !p.cfg.ForwardCookies {
		cookie = ""
	}
	p.queue.Put(queueItem{entry: &PendingPush{
		Push:     push,
		ClientID: clientID,
		Auth:     auth,
		Cookie:   cookie,
	}})
	metrics.PushesEnqueued.Inc()

	depth := p.queue.Depth()
	metrics.QueueDepth.WithLabelValues(p.cfg.ClientGroupID).Set(float64(depth))
	if p.cfg.QueueWarnDepth > 0 && depth > p.cfg.QueueWarnDepth {
		p.log.Warn("push queue depth above threshold", logger.Int("depth", depth))
	}
}

// Stop enqueues the termination marker. Entries queued ahead of it are
// still drained and sent; in-flight work is not aborted.
func (p *Pusher) Stop() {
	p.queue.Put(queueItem{stop: true})
}

// Run is the pusher loop: dequeue one entry (suspending until one is
// available), drain whatever else is queued, batch, forward each
// combined per-client entry, fan out. Gateway failures never end the
// loop; only the termination marker or a cancelled context does.
func (p *Pusher) Run(ctx context.Context) error {
	for {
		first, err := p.queue.Take(ctx)
		if err != nil {
			return err
		}
		items := append([]queueItem{first}, p.queue.Drain()...)
		metrics.QueueDepth.WithLabelValues(p.cfg.ClientGroupID).Set(0)

		combined, stop := combinePushes(items)
		for _, entry := range combined {
			p.forward(ctx, entry)
		}
		if stop {
			p.log.Info("pusher stopped")
			return nil
		}
	}
}

// forward sends one combined per-client entry to the user API and fans
// out the outcome.
func (p *Pusher) forward(ctx context.Context, entry *PendingPush) {
	targetURL, userSupplied := p.pushURL()
	mids := entry.Push.MutationIDs()

	if targetURL == "" {
		p.fanOutFailure(&protocol.PushFailedBody{
			Kind:        protocol.KindPushFailed,
			Origin:      protocol.OriginGateway,
			Reason:      protocol.ReasonInternal,
			Message:     "no push URL configured for this client group",
			MutationIDs: mids,
		})
		return
	}

	metrics.PushBatches.Inc()

	var resp protocol.PushResponse
	err := p.gw.Fetch(ctx, "pusher", targetURL, p.cfg.AllowList, userSupplied, gateway.HeaderOptions{
		APIKey: p.cfg.APIKey,
		Token:  entry.Auth,
		Cookie: entry.Cookie,
	}, entry.Push, &resp)
	if err != nil {
		metrics.MutationsForwarded.WithLabelValues("failed").Add(float64(len(mids)))
		p.fanOutFailure(classifyPushError(err, mids))
		return
	}
	if resp.Failed != nil {
		body := resp.Failed
		if len(body.MutationIDs) == 0 {
			body.MutationIDs = mids
		}
		if body.Origin == "" {
			body.Origin = protocol.OriginServer
		}
		metrics.MutationsForwarded.WithLabelValues("failed").Add(float64(len(mids)))
		p.fanOutFailure(body)
		return
	}

	metrics.MutationsForwarded.WithLabelValues("ok").Add(float64(len(mids)))
	p.fanOutSuccess(entry.ClientID, resp.Mutations)
}

// pushURL resolves the active target: the group override when one was
// set by a connecting client, otherwise the static default.
func (p *Pusher) pushURL() (url string, userSupplied bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.overrideSet {
		return p.overrideURL, true
	}
	return p.cfg.DefaultURL, false
}

// fanOutFailure delivers a whole-batch failure to every client its
// mutationIDs reference, closing their streams. Clients not currently
// connected are skipped; they will resubmit on reconnect.
func (p *Pusher) fanOutFailure(body *protocol.PushFailedBody) {
	seen := make(map[string]bool)
	for _, mid := range body.MutationIDs {
		if seen[mid.ClientID] {
			continue
		}
		seen[mid.ClientID] = true
		p.terminate(mid.ClientID, body)
	}
}

// fanOutSuccess delivers per-mutation results to the originating
// client. An out-of-order-mutation result terminates the connection;
// the terminal error names it together with the unprocessed remainder
// behind it. Non-ooo results after the terminating one indicate an
// upstream protocol violation and are only logged.
func (p *Pusher) fanOutSuccess(clientID string, results []protocol.MutationResult) {
	for i, r := range results {
		if r.Result.Error != protocol.ReasonOOOMutation {
			continue
		}
		if i > 0 {
			p.deliver(clientID, Downstream{Response: &protocol.PushResponse{Mutations: results[:i]}})
		}
		mids := make([]protocol.MutationID, 0, len(results)-i)
		var unexpected int
		for _, rest := range results[i:] {
			if rest.Result.Error == protocol.ReasonOOOMutation {
				mids = append(mids, rest.ID)
			} else {
				unexpected++
			}
		}
		if unexpected > 0 {
			p.log.Warn("mutation results after out-of-order termination",
				logger.ClientID(clientID), logger.Count(unexpected))
		}
		p.terminate(clientID, &protocol.PushFailedBody{
			Kind:        protocol.KindPushFailed,
			Origin:      protocol.OriginServer,
			Reason:      protocol.ReasonOOOMutation,
			Message:     r.Result.Message,
			MutationIDs: mids,
		})
		return
	}
	if len(results) > 0 {
		p.deliver(clientID, Downstream{Response: &protocol.PushResponse{Mutations: results}})
	}
}

// deliver sends one message to a client's stream without blocking. A
// full stream drops the message with a warning.
func (p *Pusher) deliver(clientID string, msg Downstream) {
	p.mu.Lock()
	conn, ok := p.conns[clientID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case conn.ch <- msg:
	default:
		p.log.Warn("downstream stream full, dropping message", logger.ClientID(clientID))
	}
}

// terminate sends a terminal error to a client's stream and closes it.
func (p *Pusher) terminate(clientID string, body *protocol.PushFailedBody) {
	p.mu.Lock()
	conn, ok := p.conns[clientID]
	if ok {
		delete(p.conns, clientID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case conn.ch <- Downstream{Error: body}:
	default:
		p.log.Warn("downstream stream full, dropping terminal error", logger.ClientID(clientID))
	}
	close(conn.ch)
}

// classifyPushError converts a gateway failure into a PushFailedBody
// keyed by the mutationIDs of the batch just sent.
func classifyPushError(err error, mids []protocol.MutationID) *protocol.PushFailedBody {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return &protocol.PushFailedBody{
			Kind:        protocol.KindPushFailed,
			Origin:      protocol.OriginGateway,
			Reason:      gwErr.Reason,
			Message:     gwErr.Message,
			Status:      gwErr.Status,
			BodyPreview: gwErr.BodyPreview,
			MutationIDs: mids,
		}
	}
	return &protocol.PushFailedBody{
		Kind:        protocol.KindPushFailed,
		Origin:      protocol.OriginGateway,
		Reason:      protocol.ReasonInternal,
		Message:     err.Error(),
		MutationIDs: mids,
	}
}
