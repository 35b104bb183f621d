// Package gateway performs validated HTTP calls to user-operated
// endpoints. It owns URL allow-list matching, header construction,
// reserved-parameter injection, and response/error classification for
// every outbound call made by the pusher and the query transformer.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/syncrelay/internal/metrics"
	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
	"github.com/dropDatabas3/syncrelay/internal/protocol"
)

// Reserved query parameters. They are always appended by the gateway
// and must not be present in any configured or client-supplied URL.
const (
	paramSchema = "schema"
	paramAppID  = "appID"
)

// bodyPreviewLimit caps the response-body excerpt carried in errors.
const bodyPreviewLimit = 512

// Shard identifies this deployment. Both values are injected into every
// outbound URL as the reserved schema/appID parameters.
type Shard struct {
	AppID    string
	ShardNum int
}

// Schema derives the upstream schema name from the shard identity.
func (s Shard) Schema() string {
	return fmt.Sprintf("%s_%d", s.AppID, s.ShardNum)
}

// HeaderOptions carries the conditional outbound headers.
type HeaderOptions struct {
	APIKey string // X-Api-Key
	Token  string // Authorization: Bearer
	Cookie string // Cookie
}

// Error is a classified outbound-call failure.
type Error struct {
	Reason      protocol.ErrorReason // http | parse | internal
	Status      int
	BodyPreview string
	Message     string
	err         error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway: %s (reason=%s status=%d)", e.Message, e.Reason, e.Status)
	}
	return fmt.Sprintf("gateway: %s (reason=%s)", e.Message, e.Reason)
}

func (e *Error) Unwrap() error { return e.err }

// Gateway issues outbound POSTs to user endpoints.
type Gateway struct {
	shard Shard
	http  *http.Client
	log   *zap.Logger
}

// New creates a gateway for the shard. No client-level timeout is set;
// slow upstreams are bounded by the caller's context.
func New(shard Shard, log *zap.Logger) *Gateway {
	if log == nil {
		log = logger.Named("gateway")
	}
	return &Gateway{
		shard: shard,
		http:  &http.Client{},
		log:   log,
	}
}

// Fetch validates targetURL against allow, appends the reserved
// parameters, POSTs the JSON-encoded body and decodes the response into
// out. userSupplied selects the log level for upstream HTTP failures:
// user-supplied URLs log 502/504 at warn, statically configured ones at
// error; every other non-2xx status logs at info.
func (g *Gateway) Fetch(ctx context.Context, component, targetURL string, allow *AllowList, userSupplied bool, h HeaderOptions, body, out any) error {
	u, err := url.Parse(targetURL)
	if err != nil {
		return &Error{
			Reason:  protocol.ReasonInternal,
			Message: fmt.Sprintf("invalid target URL %q: %v", targetURL, err),
			err:     err,
		}
	}

	if !allow.Matches(targetURL) {
		return &Error{
			Reason:  protocol.ReasonInternal,
			Message: fmt.Sprintf("URL %q is not allowed by the configured allowlist", targetURL),
		}
	}

	// Caller misconfiguration, not a user error: the reserved parameters
	// belong to the gateway alone.
	q := u.Query()
	if q.Has(paramSchema) || q.Has(paramAppID) {
		return &Error{
			Reason: protocol.ReasonInternal,
			Message: fmt.Sprintf("target URL %q must not set the reserved query parameters %q or %q",
				targetURL, paramSchema, paramAppID),
		}
	}
	q.Set(paramSchema, g.shard.Schema())
	q.Set(paramAppID, g.shard.AppID)
	u.RawQuery = q.Encode()

	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{
			Reason:  protocol.ReasonInternal,
			Message: fmt.Sprintf("encode request body: %v", err),
			err:     err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return &Error{
			Reason:  protocol.ReasonInternal,
			Message: fmt.Sprintf("build request: %v", err),
			err:     err,
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("X-Api-Key", h.APIKey)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	if h.Cookie != "" {
		req.Header.Set("Cookie", h.Cookie)
	}

	start := time.Now()
	resp, err := g.http.Do(req)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(component, "transport_error").Inc()
		return &Error{
			Reason:  protocol.ReasonInternal,
			Message: fmt.Sprintf("POST %s: %v", u.Host, err),
			err:     err,
		}
	}
	defer resp.Body.Close()

	metrics.GatewayRequestDuration.Observe(float64(time.Since(start).Milliseconds()))
	metrics.GatewayRequests.WithLabelValues(component, statusClass(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview := readPreview(resp.Body)
		g.logStatus(resp.StatusCode, userSupplied, component, targetURL, preview)
		return &Error{
			Reason:      protocol.ReasonHTTP,
			Status:      resp.StatusCode,
			BodyPreview: preview,
			Message:     fmt.Sprintf("user endpoint returned %d", resp.StatusCode),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{
			Reason:  protocol.ReasonParse,
			Message: fmt.Sprintf("decode response from %s: %v", u.Host, err),
			err:     err,
		}
	}
	return nil
}

// logStatus applies the per-status log-level matrix. 502/504 mean the
// user endpoint itself is unreachable: warn for user-supplied URLs,
// error for statically configured ones. Everything else is the user
// API's own answer and logs at info.
func (g *Gateway) logStatus(status int, userSupplied bool, component, targetURL, preview string) {
	fields := []zap.Field{
		logger.Component(component),
		logger.URL(targetURL),
		logger.Status(status),
		logger.String("body_preview", preview),
	}
	switch {
	case status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		if userSupplied {
			g.log.Warn("user endpoint unreachable", fields...)
		} else {
			g.log.Error("configured endpoint unreachable", fields...)
		}
	default:
		g.log.Info("user endpoint returned non-2xx", fields...)
	}
}

// readPreview reads at most bodyPreviewLimit characters of the body.
func readPreview(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, bodyPreviewLimit+1))
	if len(b) > bodyPreviewLimit {
		b = b[:bodyPreviewLimit]
	}
	return string(b)
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
