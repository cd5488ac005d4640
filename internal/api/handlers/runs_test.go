package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rastermill/internal/core"
	"rastermill/internal/types"
)

type stubRunLister struct {
	runs      []types.IngestRun
	err       error
	lastLimit int
}

func (l *stubRunLister) ListRecent(_ context.Context, limit int) ([]types.IngestRun, error) {
	l.lastLimit = limit
	return l.runs, l.err
}

func newRunsRouter(t *testing.T, lister RunLister) http.Handler {
	t.Helper()
	s, err := core.NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	NewRunsHandler(lister, s.Logger).RegisterRoutes(s.Router())
	return s.Handler()
}

func TestHandleListRuns(t *testing.T) {
	lister := &stubRunLister{runs: []types.IngestRun{
		{ID: "r1", Source: types.SourceCHIRPS, Status: types.RunSucceeded, TilesWritten: 3},
	}}
	router := newRunsRouter(t, lister)

	rec := doGet(t, router, "/runs?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, lister.lastLimit)

	var resp struct {
		Data struct {
			Runs []types.IngestRun `json:"runs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Runs, 1)
	assert.Equal(t, "r1", resp.Data.Runs[0].ID)
}

func TestHandleListRunsWithoutLedger(t *testing.T) {
	router := newRunsRouter(t, nil)

	rec := doGet(t, router, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runs":[]`)
	assert.Contains(t, rec.Body.String(), "not configured")
}

func TestHandleListRunsNilResult(t *testing.T) {
	router := newRunsRouter(t, &stubRunLister{})

	rec := doGet(t, router, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runs":[]`)
}

func TestHandleListRunsBadLimit(t *testing.T) {
	router := newRunsRouter(t, &stubRunLister{})

	rec := doGet(t, router, "/runs?limit=many")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
