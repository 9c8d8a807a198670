package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubBroker struct{ healthy bool }

func (b stubBroker) Healthy() bool { return b.healthy }

type stubMonitor struct {
	notified int
}

func (m *stubMonitor) Notify()                { m.notified++ }
func (m *stubMonitor) ActiveSubscribers() int { return 3 }

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Router().ServeHTTP(w, req)
	var body map[string]interface{}
	ct := w.Header().Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "application/problem+json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthz(t *testing.T) {
	s := NewServer(":0", zap.NewNop(), stubPinger{}, stubBroker{healthy: true}, nil)
	w, body := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		db     error
		broker bool
		status int
	}{
		{"all healthy", nil, true, http.StatusOK},
		{"database down", errors.New("connection refused"), true, http.StatusServiceUnavailable},
		{"broker down", nil, false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", zap.NewNop(), stubPinger{err: tt.db}, stubBroker{healthy: tt.broker}, &stubMonitor{})
			w, body := do(t, s, http.MethodGet, "/readyz")
			assert.Equal(t, tt.status, w.Code)
			checks := body["checks"].(map[string]interface{})
			assert.Equal(t, float64(3), checks["active_subscribers"])
			assert.Equal(t, tt.status == http.StatusOK, body["ready"])
		})
	}
}

func TestInternalSync(t *testing.T) {
	m := &stubMonitor{}
	s := NewServer(":0", zap.NewNop(), stubPinger{}, stubBroker{healthy: true}, m)
	w, _ := do(t, s, http.MethodPost, "/internal/sync")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, m.notified)

	disabled := NewServer(":0", zap.NewNop(), stubPinger{}, stubBroker{healthy: true}, nil)
	w, body := do(t, disabled, http.MethodPost, "/internal/sync")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "/internal/sync", body["instance"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(":0", zap.NewNop(), stubPinger{}, stubBroker{healthy: true}, nil)
	w, _ := do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
