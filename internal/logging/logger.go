package logging

import (
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
)

// NewLogger builds a JSON logger tuned for production use.
// We prefer slog here because it keeps the standard library feel
// while still emitting structured logs we can ship to any backend.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForRequest returns a child logger with this request's correlation
// fields — request_id, method, route, remote_addr — already bound, so
// every line the HTTP boundary logs for the request carries them without
// each call site rebuilding the same attribute slice.
func ForRequest(base *slog.Logger, r *http.Request, requestID, route string) *slog.Logger {
	return base.With(
		"request_id", requestID,
		"method", r.Method,
		"route", route,
		"remote_addr", RemoteIP(r),
	)
}

// RemoteIP prefers the first hop recorded in X-Forwarded-For, since this
// process normally sits behind a load balancer, and falls back to the
// raw connection address for direct/local traffic.
func RemoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
