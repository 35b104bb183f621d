// Package transform resolves custom queries against the user API and
// memoizes successful resolutions briefly to deduplicate bursty
// request volume.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/syncrelay/internal/cache"
	"github.com/dropDatabas3/syncrelay/internal/gateway"
	"github.com/dropDatabas3/syncrelay/internal/metrics"
	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
	"github.com/dropDatabas3/syncrelay/internal/protocol"
)

// DefaultTTL is the fixed lifetime of a cached transformation.
const DefaultTTL = 5 * time.Second

// cachedEntry is the memoized resolution of one query, keyed by
// (token, cookie, queryID).
type cachedEntry struct {
	AST                json.RawMessage `json:"ast"`
	TransformationHash string          `json:"transformationHash"`
}

// Options carries the per-call header values.
type Options struct {
	Token  string
	Cookie string
}

// Config is the transformer's static configuration.
type Config struct {
	// URL lists candidate transform endpoints; the first is the default.
	URL            []string
	APIKey         string
	ForwardCookies bool
	AllowList      *gateway.AllowList
	// TTL for cached entries; DefaultTTL when zero.
	TTL time.Duration
}

type Transformer struct {
	cfg   Config
	gw    *gateway.Gateway
	cache cache.Client
	log   *zap.Logger
}

func New(cfg Config, gw *gateway.Gateway, c cache.Client, log *zap.Logger) *Transformer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if log == nil {
		log = logger.Named("transform")
	}
	return &Transformer{cfg: cfg, gw: gw, cache: c, log: log}
}

// Transform resolves the named queries. Cache hits are returned without
// a network call; misses are sent as one batched request to the user
// API (overrideURL when supplied, otherwise the first configured URL).
// Successful entries are cached; errored entries are returned but never
// cached, since the failure may be transient. A whole-batch failure is
// returned as a *protocol.TransformError naming only the queryIDs that
// were actually requested.
func (t *Transformer) Transform(ctx context.Context, opts Options, queries []protocol.TransformQuery, overrideURL string) ([]protocol.TransformedQuery, error) {
	if !t.cfg.ForwardCookies {
		opts.Cookie = ""
	}

	hits := make(map[string]protocol.TransformedQuery, len(queries))
	var misses []protocol.TransformQuery
	for _, q := range queries {
		b, err := t.cache.Get(ctx, t.cacheKey(opts, q.ID))
		if err == nil {
			var entry cachedEntry
			if json.Unmarshal(b, &entry) == nil {
				hits[q.ID] = protocol.TransformedQuery{
					ID:                 q.ID,
					Name:               q.Name,
					AST:                entry.AST,
					TransformationHash: entry.TransformationHash,
				}
				metrics.TransformCacheHits.Inc()
				continue
			}
		} else if !cache.IsNotFound(err) {
			t.log.Warn("cache read failed", logger.QueryID(q.ID), logger.Err(err))
		}
		metrics.TransformCacheMisses.Inc()
		misses = append(misses, q)
	}

	if len(misses) == 0 {
		return ordered(queries, hits, nil), nil
	}

	resolved, err := t.resolve(ctx, opts, misses, overrideURL)
	if err != nil {
		return nil, err
	}

	for _, r := range resolved {
		if !r.OK() {
			continue
		}
		entry, err := json.Marshal(cachedEntry{AST: r.AST, TransformationHash: r.TransformationHash})
		if err != nil {
			continue
		}
		if err := t.cache.Set(ctx, t.cacheKey(opts, r.ID), entry, t.cfg.TTL); err != nil {
			t.log.Warn("cache write failed", logger.QueryID(r.ID), logger.Err(err))
		}
	}

	byID := make(map[string]protocol.TransformedQuery, len(resolved))
	for _, r := range resolved {
		byID[r.ID] = r
	}
	return ordered(queries, hits, byID), nil
}

// resolve performs the single batched gateway call for the misses.
func (t *Transformer) resolve(ctx context.Context, opts Options, misses []protocol.TransformQuery, overrideURL string) ([]protocol.TransformedQuery, error) {
	targetURL := overrideURL
	userSupplied := overrideURL != ""
	if targetURL == "" && len(t.cfg.URL) > 0 {
		targetURL = t.cfg.URL[0]
	}

	queryIDs := make([]string, 0, len(misses))
	for _, q := range misses {
		queryIDs = append(queryIDs, q.ID)
	}

	if targetURL == "" {
		return nil, &protocol.TransformError{Body: protocol.TransformFailedBody{
			Kind:     protocol.KindTransformFailed,
			Origin:   protocol.OriginGateway,
			Reason:   protocol.ReasonInternal,
			Message:  "no transform URL configured",
			QueryIDs: queryIDs,
		}}
	}

	var resp protocol.TransformResponse
	err := t.gw.Fetch(ctx, "transform", targetURL, t.cfg.AllowList, userSupplied, gateway.HeaderOptions{
		APIKey: t.cfg.APIKey,
		Token:  opts.Token,
		Cookie: opts.Cookie,
	}, protocol.TransformRequest{Queries: misses}, &resp)
	if err != nil {
		return nil, &protocol.TransformError{Body: classifyTransformError(err, queryIDs)}
	}
	if resp.Failed != nil {
		body := *resp.Failed
		if len(body.QueryIDs) == 0 {
			body.QueryIDs = queryIDs
		}
		if body.Origin == "" {
			body.Origin = protocol.OriginServer
		}
		return nil, &protocol.TransformError{Body: body}
	}
	return resp.Queries, nil
}

// ordered merges hits and resolved entries back into request order.
// Entries the user API did not answer for are simply absent.
func ordered(queries []protocol.TransformQuery, hits, resolved map[string]protocol.TransformedQuery) []protocol.TransformedQuery {
	out := make([]protocol.TransformedQuery, 0, len(queries))
	for _, q := range queries {
		if r, ok := hits[q.ID]; ok {
			out = append(out, r)
			continue
		}
		if r, ok := resolved[q.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// cacheKey builds the (token, cookie, queryID) key. JSON encoding keeps
// the three parts unambiguous regardless of their content.
func (t *Transformer) cacheKey(opts Options, queryID string) string {
	b, _ := json.Marshal([3]string{opts.Token, opts.Cookie, queryID})
	return string(b)
}

// classifyTransformError maps a gateway failure into the taxonomy; any
// error not already classified becomes Internal.
func classifyTransformError(err error, queryIDs []string) protocol.TransformFailedBody {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return protocol.TransformFailedBody{
			Kind:        protocol.KindTransformFailed,
			Origin:      protocol.OriginGateway,
			Reason:      gwErr.Reason,
			Message:     gwErr.Message,
			Status:      gwErr.Status,
			BodyPreview: gwErr.BodyPreview,
			QueryIDs:    queryIDs,
		}
	}
	return protocol.TransformFailedBody{
		Kind:     protocol.KindTransformFailed,
		Origin:   protocol.OriginGateway,
		Reason:   protocol.ReasonInternal,
		Message:  fmt.Sprintf("transform call failed: %v", err),
		QueryIDs: queryIDs,
	}
}
