package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/creditledger/internal/ledger/ledgertest"
	"github.com/smallbiznis/creditledger/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProbes(t *testing.T) {
	db := ledgertest.OpenDB(t)
	engine := NewEngine(observability.Config{Environment: "test"}, zap.NewNop(), db)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestReadinessFailsWhenDatabaseIsClosed(t *testing.T) {
	db := ledgertest.OpenDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	engine := NewEngine(observability.Config{Environment: "test"}, zap.NewNop(), db)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database_unreachable")
}

func TestRequestIDIsEchoed(t *testing.T) {
	engine := NewEngine(observability.Config{Environment: "test"}, zap.NewNop(), ledgertest.OpenDB(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
