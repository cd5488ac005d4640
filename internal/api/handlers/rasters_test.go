package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rastermill/internal/core"
	"rastermill/internal/query"
	"rastermill/internal/types"
)

// stubQueryService records the last call and serves canned results.
type stubQueryService struct {
	series      []types.DatedValue
	hits        []query.AreaHits
	polygonRes  *query.PolygonResult
	pixelValue  float64
	pixelFound  bool
	err         error
	lastSource  types.SourceID
	lastTrigger query.TriggerParams
	lastPolygon query.PolygonParams
}

func (s *stubQueryService) History(_ context.Context, source types.SourceID, _, _ float64, _ types.DayRange, _ float64) ([]types.DatedValue, error) {
	s.lastSource = source
	return s.series, s.err
}

func (s *stubQueryService) Triggers(_ context.Context, p query.TriggerParams) ([]types.DatedValue, error) {
	s.lastTrigger = p
	return s.series, s.err
}

func (s *stubQueryService) TriggersArea(_ context.Context, p query.AreaTriggerParams) ([]query.AreaHits, error) {
	s.lastSource = p.Source
	return s.hits, s.err
}

func (s *stubQueryService) Polygon(_ context.Context, p query.PolygonParams) (*query.PolygonResult, error) {
	s.lastPolygon = p
	return s.polygonRes, s.err
}

func (s *stubQueryService) PixelLookup(_ context.Context, source types.SourceID, _, _ float64, _ types.Day) (float64, bool, error) {
	s.lastSource = source
	return s.pixelValue, s.pixelFound, s.err
}

func newTestRouter(t *testing.T, svc QueryService) http.Handler {
	t.Helper()
	s, err := core.NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	h := NewRasterHandler(svc, core.NewValidator(), s.Logger)
	s.Router().Route("/v1", h.RegisterRoutes)
	return s.Handler()
}

func doGet(t *testing.T, router http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestHandleHistory(t *testing.T) {
	svc := &stubQueryService{series: []types.DatedValue{
		{Date: types.NewDay(2023, 6, 15), Value: 12.5},
	}}
	router := newTestRouter(t, svc)

	rec := doGet(t, router, "/v1/chirps/history?lat=19&lon=12&start=20230615&end=20230620")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.SourceCHIRPS, svc.lastSource)

	var resp struct {
		Data struct {
			Source string             `json:"source"`
			Series []types.DatedValue `json:"series"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chirps", resp.Data.Source)
	require.Len(t, resp.Data.Series, 1)
	assert.Equal(t, 12.5, resp.Data.Series[0].Value)
}

func TestHandleHistoryMissingParams(t *testing.T) {
	router := newTestRouter(t, &stubQueryService{})

	rec := doGet(t, router, "/v1/chirps/history?lon=12&start=20230615&end=20230620")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), errorCode(t, rec))

	rec = doGet(t, router, "/v1/chirps/history?lat=19&lon=12&start=junk&end=20230620")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidRange), errorCode(t, rec))

	rec = doGet(t, router, "/v1/chirps/history?lat=19&lon=12&start=20230620&end=20230615")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHistoryServiceError(t *testing.T) {
	svc := &stubQueryService{err: types.NewAppError(types.ErrCodeNotFoundSource, "unknown source", nil)}
	router := newTestRouter(t, svc)

	rec := doGet(t, router, "/v1/bogus/history?lat=19&lon=12&start=20230615&end=20230620")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTriggersPassesParams(t *testing.T) {
	svc := &stubQueryService{}
	router := newTestRouter(t, svc)

	rec := doGet(t, router,
		"/v1/chirps/triggers?lat=19&lon=12&start=20230615&end=20230620&threshold=25&operator=above&consecutive_days=3")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, types.SourceCHIRPS, svc.lastTrigger.Source)
	assert.Equal(t, 25.0, svc.lastTrigger.Threshold)
	assert.Equal(t, types.OpAbove, svc.lastTrigger.Operator)
	assert.Equal(t, 3, svc.lastTrigger.ConsecutiveDays)
}

func TestHandleTriggersMissingThreshold(t *testing.T) {
	router := newTestRouter(t, &stubQueryService{})

	rec := doGet(t, router, "/v1/chirps/triggers?lat=19&lon=12&start=20230615&end=20230620&operator=above")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTriggersArea(t *testing.T) {
	svc := &stubQueryService{hits: []query.AreaHits{
		{Date: types.NewDay(2023, 6, 15), Cells: []query.CellValue{{Lat: 19, Lon: 12, Value: 30}}},
	}}
	router := newTestRouter(t, svc)

	rec := doGet(t, router,
		"/v1/chirps/triggers/area?lat=19&lon=12&radius_km=50&start=20230615&end=20230620&threshold=25&operator=above")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"2023-06-15"`)
}

func TestHandlePolygon(t *testing.T) {
	svc := &stubQueryService{polygonRes: &query.PolygonResult{
		Values:    []types.DatedValue{{Date: types.NewDay(2023, 6, 15), Value: 7.25}},
		CellCount: 4,
	}}
	router := newTestRouter(t, svc)

	body := `{"coordinates":[[20.5,10.5],[20.5,12.5],[18.5,12.5]],"start":"20230615","end":"20230620","statistic":"mean"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chirps/polygon", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.StatMean, svc.lastPolygon.Statistic)
	assert.Len(t, svc.lastPolygon.Coordinates, 3)
	assert.Contains(t, rec.Body.String(), `"cell_count":4`)
}

func TestHandlePolygonValidation(t *testing.T) {
	router := newTestRouter(t, &stubQueryService{})

	tests := []struct {
		name string
		body string
	}{
		{"too few vertices", `{"coordinates":[[20,10],[19,11]],"start":"20230615","end":"20230620","statistic":"mean"}`},
		{"bad statistic", `{"coordinates":[[20,10],[19,11],[19,10]],"start":"20230615","end":"20230620","statistic":"median"}`},
		{"missing dates", `{"coordinates":[[20,10],[19,11],[19,10]],"statistic":"mean"}`},
		{"unknown field", `{"coordinates":[[20,10],[19,11],[19,10]],"start":"20230615","end":"20230620","statistic":"mean","x":1}`},
		{"empty body", ``},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chirps/polygon", strings.NewReader(tc.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandlePixel(t *testing.T) {
	svc := &stubQueryService{pixelValue: 3.5, pixelFound: true}
	router := newTestRouter(t, svc)

	rec := doGet(t, router, "/v1/chirps/pixel?lat=19&lon=12&date=20230615")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"found":true`)
	assert.Contains(t, rec.Body.String(), `"value":3.5`)
}

func TestHandlePixelNotFound(t *testing.T) {
	router := newTestRouter(t, &stubQueryService{})

	rec := doGet(t, router, "/v1/chirps/pixel?lat=19&lon=12&date=20230615")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"found":false`)
	assert.NotContains(t, rec.Body.String(), `"value"`)
}

func TestHandlePixelBadDate(t *testing.T) {
	router := newTestRouter(t, &stubQueryService{})

	rec := doGet(t, router, "/v1/chirps/pixel?lat=19&lon=12&date=junk")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
