package middleware

import (
	"net/http"
	"time"

	"github.com/socialchat/internal/logger"
)

// RequestLog logs method, path, status and duration of every request
// through the async logger.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrap(w)
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		if sw.status >= http.StatusInternalServerError {
			logger.Errorf("http %s %s status=%d duration_ms=%d", r.Method, r.URL.Path, sw.status, elapsed.Milliseconds())
			return
		}
		logger.Debugf("http %s %s status=%d duration_ms=%d", r.Method, r.URL.Path, sw.status, elapsed.Milliseconds())
	})
}
