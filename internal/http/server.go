package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
)

// NewHTTPServer wraps the router in an http.Server with sane timeouts.
// Write timeout stays unset: /api/v1/stream holds its response open.
func NewHTTPServer(addr string, s *Server) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// Shutdown drains the server within the given timeout.
func Shutdown(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Named("http").Warn("shutdown incomplete", logger.Err(err))
	}
}
