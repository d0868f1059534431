package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/rangeget/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStatusClass(t *testing.T) {
	tests := map[int]string{
		http.StatusOK:                  "2xx",
		http.StatusAccepted:            "2xx",
		http.StatusFound:               "3xx",
		http.StatusNotFound:            "4xx",
		http.StatusConflict:            "4xx",
		http.StatusServiceUnavailable:  "5xx",
		http.StatusInternalServerError: "5xx",
		0:                              "unknown",
	}

	for code, want := range tests {
		assert.Equal(t, want, getStatusClass(code), code)
	}
}

func TestHTTPMiddlewarePassesThrough(t *testing.T) {
	tel, err := New(context.Background(), Config{})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(tel).Middleware)
	r.Get("/downloads/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads/abc", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)

	var nilTel *Telemetry

	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	assert.NotNil(t, NewHTTPMiddleware(nilTel).Middleware(next))
}

func TestRequestIDAndLogging(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string

	r := chi.NewRouter()
	r.Use(RequestID, HTTPLogging)
	r.Get("/downloads/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r.Context())
		logctx.LoggerFromContext(r.Context()).InfoContext(r.Context(), "looking up download")

		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	})

	tests := []struct {
		name     string
		incoming string
	}{
		{name: "generated"},
		{name: "propagated", incoming: "req-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()

			req := httptest.NewRequest(http.MethodGet, "/downloads/x", nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))

			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

			if tt.incoming != "" {
				assert.Equal(t, tt.incoming, seen)
			}

			dec := json.NewDecoder(&buf)

			var inner, access map[string]any
			require.NoError(t, dec.Decode(&inner))
			require.NoError(t, dec.Decode(&access))

			assert.Equal(t, "looking up download", inner["msg"])
			assert.Equal(t, seen, inner["request_id"])

			assert.Equal(t, "WARN", access["level"])
			assert.Equal(t, seen, access["request_id"])
			assert.Equal(t, "/downloads/{id}", access["route"])
			assert.EqualValues(t, http.StatusNotFound, access["status"])
			assert.EqualValues(t, len("missing"), access["bytes"])
		})
	}
}

func TestAccessLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, accessLevel(http.StatusOK))
	assert.Equal(t, slog.LevelInfo, accessLevel(http.StatusFound))
	assert.Equal(t, slog.LevelWarn, accessLevel(http.StatusConflict))
	assert.Equal(t, slog.LevelError, accessLevel(http.StatusBadGateway))
}

func TestStatusRecorderDefaultsToOK(t *testing.T) {
	rec := recordResponse(httptest.NewRecorder())
	assert.Equal(t, http.StatusOK, rec.Status())

	_, err := rec.Write([]byte("abc"))
	require.NoError(t, err)

	rec.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, rec.Status())
	assert.EqualValues(t, 3, rec.written)
	assert.Same(t, rec, recordResponse(rec))
}
