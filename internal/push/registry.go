package push

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dropDatabas3/syncrelay/internal/gateway"
	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
)

// GroupConfig is the static configuration shared by all pushers.
type GroupConfig struct {
	DefaultURL     string
	APIKey         string
	ForwardCookies bool
	AllowList      *gateway.AllowList
	QueueWarnDepth int
}

// Registry lazily creates one Pusher per client group and owns their
// run loops.
type Registry struct {
	cfg GroupConfig
	gw  *gateway.Gateway
	log *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pushers map[string]*Pusher
	wg      sync.WaitGroup
}

func NewRegistry(ctx context.Context, cfg GroupConfig, gw *gateway.Gateway, log *zap.Logger) *Registry {
	if log == nil {
		log = logger.Named("pusher")
	}
	rctx, cancel := context.WithCancel(ctx)
	return &Registry{
		cfg:     cfg,
		gw:      gw,
		log:     log,
		ctx:     rctx,
		cancel:  cancel,
		pushers: make(map[string]*Pusher),
	}
}

// ForGroup returns the pusher for a client group, starting its run loop
// on first use.
func (r *Registry) ForGroup(clientGroupID string) *Pusher {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pushers[clientGroupID]; ok {
		return p
	}
	p := New(Config{
		ClientGroupID:  clientGroupID,
		DefaultURL:     r.cfg.DefaultURL,
		APIKey:         r.cfg.APIKey,
		ForwardCookies: r.cfg.ForwardCookies,
		AllowList:      r.cfg.AllowList,
		QueueWarnDepth: r.cfg.QueueWarnDepth,
	}, r.gw, r.log.With(logger.ClientGroupID(clientGroupID)))
	r.pushers[clientGroupID] = p

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := p.Run(r.ctx); err != nil && r.ctx.Err() == nil {
			r.log.Error("pusher loop exited", logger.ClientGroupID(clientGroupID), logger.Err(err))
		}
	}()
	return p
}

// StopAll enqueues the termination marker on every pusher and waits for
// the loops to drain and exit. Entries already queued are still sent.
func (r *Registry) StopAll() {
	r.mu.Lock()
	for _, p := range r.pushers {
		p.Stop()
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}
