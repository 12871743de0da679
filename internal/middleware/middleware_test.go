package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/quotaengine/internal/metrics"
)

func TestLogger_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	for _, status := range []int{http.StatusOK, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/admit", nil))
	}

	out := buf.String()
	assert.Contains(t, out, "level=DEBUG")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "path=/api/v1/admit")
	assert.Contains(t, out, "status=429")
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestCORS_WildcardDisablesCredentials(t *testing.T) {
	assert.False(t, CORS([]string{"*"}).AllowCredentials)
	assert.True(t, CORS([]string{"https://app.example.com"}).AllowCredentials)
	assert.Equal(t, []string{"http://localhost:3000"}, CORS(nil).AllowedOrigins)
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/users/{userID}/usage", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/users/{userID}/usage", "429", "throttled")
	before := counterValue(t, counter)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/abc/usage", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, before+1, counterValue(t, counter))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestOutcome(t *testing.T) {
	tests := map[int]string{
		http.StatusOK:                  "ok",
		http.StatusCreated:             "ok",
		http.StatusBadRequest:          "rejected",
		http.StatusUnprocessableEntity: "rejected",
		http.StatusTooManyRequests:     "throttled",
		http.StatusServiceUnavailable:  "unavailable",
		http.StatusInternalServerError: "error",
	}
	for status, want := range tests {
		assert.Equal(t, want, Outcome(status), "status %d", status)
	}
}
