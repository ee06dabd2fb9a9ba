// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LogMiddleware is an HTTP middleware that logs incoming requests using Logrus.
// Logs the method, path, and duration of each request.
func LogMiddleware(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path
			method := r.Method

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   method,
				"path":     path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Info("HTTP Request")
		})
	}
}

// LogWebSocketConnect logs a message when a sync client connects.
// Called in the sync handler once the upgrade is accepted.
func LogWebSocketConnect(logger *logrus.Logger, remoteAddr, uid string) {
	logger.WithFields(logrus.Fields{
		"remote": remoteAddr,
		"uid":    uid,
	}).Info("WebSocket connected")
}

// LogWebSocketDisconnect logs a message when a sync client disconnects.
func LogWebSocketDisconnect(logger *logrus.Logger, remoteAddr, uid string, err error) {
	fields := logrus.Fields{
		"remote": remoteAddr,
		"uid":    uid,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("WebSocket disconnected")
}
