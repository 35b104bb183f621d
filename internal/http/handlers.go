// Package http exposes the inbound API: push enqueueing, downstream
// streaming, direct mutation processing, and query transformation.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
	"github.com/dropDatabas3/syncrelay/internal/protocol"
	"github.com/dropDatabas3/syncrelay/internal/push"
	"github.com/dropDatabas3/syncrelay/internal/rate"
	"github.com/dropDatabas3/syncrelay/internal/store"
	"github.com/dropDatabas3/syncrelay/internal/transact"
	"github.com/dropDatabas3/syncrelay/internal/transform"
)

// Server wires the sync components behind the chi router.
type Server struct {
	store       store.Provider
	pushers     *push.Registry
	transactor  *transact.Transactor
	transformer *transform.Transformer
	limiter     rate.Limiter
	apiKey      string
	jwtSecret   string
	log         *zap.Logger
}

func NewServer(
	st store.Provider,
	pushers *push.Registry,
	transactor *transact.Transactor,
	transformer *transform.Transformer,
	limiter rate.Limiter,
	apiKey, jwtSecret string,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = logger.Named("http")
	}
	return &Server{
		store:       st,
		pushers:     pushers,
		transactor:  transactor,
		transformer: transformer,
		limiter:     limiter,
		apiKey:      apiKey,
		jwtSecret:   jwtSecret,
		log:         log,
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware(s.apiKey, s.jwtSecret))
		r.With(rateLimitMiddleware(s.limiter)).Post("/push", s.handlePush)
		r.Get("/stream", s.handleStream)
		r.With(rateLimitMiddleware(s.limiter)).Post("/mutate", s.handleMutate)
		r.Post("/transform", s.handleTransform)
	})

	return r
}

// handlePush enqueues a push into its group's pusher. The call never
// blocks; results flow back over the client's downstream stream.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	clientGroupID := r.URL.Query().Get("clientGroupID")
	clientID := r.URL.Query().Get("clientID")
	if clientGroupID == "" || clientID == "" {
		WriteError(w, ErrBadRequest.WithDetail("clientGroupID and clientID query parameters are required"))
		return
	}

	var p protocol.Push
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteError(w, ErrInvalidJSON.WithDetail(err.Error()))
		return
	}
	if p.ClientGroupID == "" {
		p.ClientGroupID = clientGroupID
	}

	pusher := s.pushers.ForGroup(clientGroupID)
	pusher.EnqueuePush(clientID, p, bearerToken(r), r.Header.Get("Cookie"))

	WriteJSON(w, http.StatusAccepted, map[string]any{"queued": len(p.Mutations)})
}

// handleStream registers the client connection and streams its
// downstream messages as NDJSON until the connection is replaced,
// terminated, or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientGroupID := q.Get("clientGroupID")
	clientID := q.Get("clientID")
	if clientGroupID == "" || clientID == "" {
		WriteError(w, ErrBadRequest.WithDetail("clientGroupID and clientID query parameters are required"))
		return
	}
	wsID := q.Get("wsID")
	if wsID == "" {
		wsID = uuid.NewString()
	}

	pusher := s.pushers.ForGroup(clientGroupID)
	stream, err := pusher.InitConnection(clientID, wsID, q.Get("pushURL"))
	if err != nil {
		WriteError(w, ErrBadRequest.WithDetail(err.Error()))
		return
	}
	defer pusher.CloseConnection(clientID, wsID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, ErrInternalServerError.WithDetail("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-stream:
			if !open {
				return
			}
			if err := enc.Encode(msg); err != nil {
				return
			}
			flusher.Flush()
			if msg.Error != nil {
				// terminal: the pusher closed the stream after this
				return
			}
		}
	}
}

// handleMutate is the process-mutation entry point: the push runs
// through the transactor against the backing store and the per-mutation
// results (or the whole-batch failure) are returned directly.
func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	var p protocol.Push
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteError(w, ErrInvalidJSON.WithDetail(err.Error()))
		return
	}
	if p.ClientGroupID == "" {
		WriteError(w, ErrBadRequest.WithDetail("clientGroupID is required"))
		return
	}

	resp := s.transactor.ProcessPush(r.Context(), p)
	if resp.Failed != nil {
		s.log.Warn("push processing failed",
			logger.ClientGroupID(p.ClientGroupID),
			logger.String("reason", string(resp.Failed.Reason)))
	}
	WriteJSON(w, http.StatusOK, resp)
}

// handleTransform resolves custom queries through the transformer.
func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	var req protocol.TransformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, ErrInvalidJSON.WithDetail(err.Error()))
		return
	}

	results, err := s.transformer.Transform(r.Context(), transform.Options{
		Token:  bearerToken(r),
		Cookie: r.Header.Get("Cookie"),
	}, req.Queries, r.URL.Query().Get("url"))
	if err != nil {
		var terr *protocol.TransformError
		if errors.As(err, &terr) {
			WriteJSON(w, http.StatusOK, protocol.TransformResponse{Failed: &terr.Body})
			return
		}
		WriteError(w, ErrInternalServerError.WithDetail(err.Error()))
		return
	}
	WriteJSON(w, http.StatusOK, protocol.TransformResponse{Queries: results})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		WriteError(w, ErrServiceUnavailable.WithDetail(err.Error()))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
