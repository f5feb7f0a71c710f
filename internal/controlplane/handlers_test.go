package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptodata/platform/internal/collectors"
	"github.com/cryptodata/platform/internal/scheduler"
)

type fakeCollectorSource struct{ name string }

func (f *fakeCollectorSource) Name() string { return f.name }
func (f *fakeCollectorSource) Tick(ctx context.Context) error { return nil }
func (f *fakeCollectorSource) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	return nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	sched := scheduler.New(zerolog.Nop())
	c := collectors.New(&fakeCollectorSource{name: "price"}, zerolog.Nop(), collectors.Config{FailureThreshold: 3, CooldownPeriod: time.Second})
	sched.Register(c, time.Minute)

	return New(Config{
		Log:            zerolog.Nop(),
		Port:           0,
		DevMode:        true,
		Scheduler:      sched,
		ConfigSnapshot: map[string]interface{}{"env": "test"},
	})
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleConfig(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "test", body["env"])
}

func TestHandleCollect_UnknownCollectorReturns404(t *testing.T) {
	s := testServer(t)
	payload, _ := json.Marshal(map[string]string{"collector": "nonexistent"})
	req := httptest.NewRequest(http.MethodPost, "/api/collect", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCollect_KnownCollectorAccepted(t *testing.T) {
	s := testServer(t)
	payload, _ := json.Marshal(map[string]string{"collector": "price"})
	req := httptest.NewRequest(http.MethodPost, "/api/collect", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandleCollectorLifecycle(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/collectors/price/stop", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/collectors/price/start", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/collectors/unknown/start", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAlert(t *testing.T) {
	s := testServer(t)
	payload, _ := json.Marshal(map[string]string{"severity": "warning", "message": "gap detected", "source": "placeholder"})
	req := httptest.NewRequest(http.MethodPost, "/api/alert", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestFirstOrZero(t *testing.T) {
	assert.Equal(t, 0.0, firstOrZero(nil))
	assert.Equal(t, 42.5, firstOrZero([]float64{42.5, 1.0}))
}

func TestPortOf(t *testing.T) {
	assert.Equal(t, 8080, portOf(":8080"))
}
