package logger

import (
	"context"

	"go.uber.org/zap"
)

// S returns the singleton's SugaredLogger, for quick printf-style logs.
//
// Example:
//
//	logger.S().Infof("pusher for group %s started", cgID)
//	logger.S().Errorw("push forward failed", "error", err, "client_group", cgID)
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// SFrom extracts the SugaredLogger from the context.
func SFrom(ctx context.Context) *zap.SugaredLogger {
	return From(ctx).Sugar()
}
