package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type ctxKey struct{}

type fieldsKey struct{}

type requestFields struct {
	mu     sync.Mutex
	fields map[string]any
}

// New builds a JSON slog logger at the requested level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func New(level, service string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With(slog.String("service", service))
}

// FromContext returns the request-scoped logger installed by Middleware,
// or the fallback when the context carries none.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return fallback
}

// WithContext stores a logger in ctx for later retrieval with FromContext.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// AddField attaches a key/value pair to the request log line emitted by
// Middleware. Outside a request context it is a no-op.
func AddField(ctx context.Context, key string, value any) {
	rf, ok := ctx.Value(fieldsKey{}).(*requestFields)
	if !ok || rf == nil {
		return
	}
	rf.mu.Lock()
	rf.fields[key] = value
	rf.mu.Unlock()
}

func snapshotFields(rf *requestFields) []slog.Attr {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	out := make([]slog.Attr, 0, len(rf.fields))
	for k, v := range rf.fields {
		out = append(out, slog.Any(k, v))
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware logs one line per request with method, path, status and latency,
// and installs a request-scoped logger into the context.
func Middleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLogger := logger.With(
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		rf := &requestFields{fields: map[string]any{}}
		ctx := context.WithValue(WithContext(r.Context(), reqLogger), fieldsKey{}, rf)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := []slog.Attr{
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		}
		attrs = append(attrs, snapshotFields(rf)...)
		reqLogger.LogAttrs(r.Context(), slog.LevelInfo, "http request", attrs...)
	})
}
