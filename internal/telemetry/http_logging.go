package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/rangeget/internal/logctx"
)

// statusRecorder remembers what a handler sent back so the access log and
// the RED metrics can report it after the handler returns.
type statusRecorder struct {
	http.ResponseWriter

	code    int
	written int64
}

func recordResponse(w http.ResponseWriter) *statusRecorder {
	if sr, ok := w.(*statusRecorder); ok {
		return sr
	}

	return &statusRecorder{ResponseWriter: w}
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.code != 0 {
		return
	}

	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.code == 0 {
		sr.WriteHeader(http.StatusOK)
	}

	n, err := sr.ResponseWriter.Write(b)
	sr.written += int64(n)

	return n, err
}

// Flush lets streaming handlers push partial responses through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Status is the code sent to the client, 200 when the handler wrote nothing.
func (sr *statusRecorder) Status() int {
	if sr.code == 0 {
		return http.StatusOK
	}

	return sr.code
}

// HTTPLogging attaches the request id to the logger the handlers see and
// writes one access line per API call once the handler is done.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)

		if id := requestIDFrom(ctx); id != "" {
			logger = logger.With("request_id", id)
			ctx = logctx.WithLogger(ctx, logger)
		}

		began := time.Now()
		rec := recordResponse(w)

		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.Status()
		logger.Log(ctx, accessLevel(status), "api call",
			"method", r.Method,
			"route", routeOf(r),
			"status", status,
			"bytes", rec.written,
			"took", time.Since(began).Round(time.Microsecond).String(),
		)
	})
}

// accessLevel keeps client mistakes visible without paging on them.
func accessLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// routeOf prefers the matched chi pattern so ids do not spread into labels.
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return r.URL.Path
}
