package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/clock"
	"github.com/govwarc/crawlpilot/internal/jobstate"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	st, err := jobstate.Open(t.TempDir(), 4, clock.NewSystem(), zap.NewNop())
	require.NoError(t, err)
	srv := NewServer(st, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetStateSnapshot(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := jobstate.Open(t.TempDir(), 4, clk, zap.NewNop())
	require.NoError(t, err)
	st.BeginAttempt("fresh")
	st.UpdateProgress(jobstate.Progress{Crawled: 42, Total: 100, Pending: 58})

	srv := NewServer(st, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap jobstate.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, int64(42), snap.LastCrawled)
	require.Equal(t, int64(58), snap.LastPending)
	require.Equal(t, 4, snap.CurrentWorkers)
	require.Equal(t, "running", snap.Status)
}
