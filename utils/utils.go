// Package utils holds small helpers shared across the server.
package utils

import (
	"log"

	"go.uber.org/zap"
)

// LogError logs err with msg and extra fields, tolerating a nil logger so
// early-startup failures still surface.
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if logger == nil {
		log.Printf("failed to log the error, logger is nil: %s: %v", msg, err)
		return
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Error(msg, fields...)
}
