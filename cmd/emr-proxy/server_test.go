package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/emr-records-client/internal/testutil"
	"github.com/Sternrassler/emr-records-client/pkg/cache"
	"github.com/Sternrassler/emr-records-client/pkg/client"
	"github.com/Sternrassler/emr-records-client/pkg/pagination"
	"github.com/Sternrassler/emr-records-client/pkg/ratelimit"
	"github.com/Sternrassler/emr-records-client/pkg/records"
)

func newTestHandler(t *testing.T) (http.Handler, *testutil.MockAPI) {
	t.Helper()

	mock := testutil.NewMockAPI()
	t.Cleanup(mock.Close)

	logger := zerolog.Nop()
	clientCfg := client.DefaultConfig(mock.URL())
	clientCfg.Logger = &logger
	c, err := client.New(clientCfg)
	require.NoError(t, err)

	m, err := cache.NewManager(cache.Config{Logger: &logger})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	tracker := ratelimit.NewTracker(nil, ratelimit.DefaultConfig(), logger)
	svc, err := records.NewService(c, m, records.WithRateLimiter(tracker), records.WithLogger(logger))
	require.NoError(t, err)

	return newServer(svc, nil, logger).Routes(), mock
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func tags(n int) []any {
	out := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, records.Tag{ID: "t" + string(rune('0'+i)), Name: "tag"})
	}
	return out
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)

	w := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestReady_WithoutRedis(t *testing.T) {
	h, _ := newTestHandler(t)

	w := do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}

func TestMetricsEndpoint(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.SetPages("/api/tags", tags(1))

	do(t, h, http.MethodGet, "/api/tags", "")

	w := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "emr_requests_total")
}

func TestList_CachesAndReportsState(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.SetPages("/api/tags", tags(3))

	w := do(t, h, http.MethodGet, "/api/tags?page=1&limit=20", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get(HeaderCache))

	var page struct {
		Data       []records.Tag `json:"data"`
		Total      int           `json:"total"`
		TotalPages int           `json:"totalPages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Data, 3)
	assert.Equal(t, 3, page.Total)

	w = do(t, h, http.MethodGet, "/api/tags?limit=20&page=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fresh", w.Header().Get(HeaderCache))
	assert.Equal(t, 1, mock.GetPathCount("/api/tags"))
}

func TestList_DefaultPagination(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.SetPages("/api/doctors", []any{records.Doctor{ID: "dr1", Name: "House"}})

	w := do(t, h, http.MethodGet, "/api/doctors", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "page=1&limit=10", mock.LastRequest().URL.RawQuery)
}

func TestList_Errors(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		upstream   *testutil.MockResponse
		wantStatus int
	}{
		{name: "invalid page", target: "/api/patients?page=0&limit=10", wantStatus: http.StatusBadRequest},
		{name: "malformed limit", target: "/api/patients?page=1&limit=many", wantStatus: http.StatusBadRequest},
		{name: "unknown resource", target: "/api/medicines", wantStatus: http.StatusNotFound},
		{name: "upstream server error", target: "/api/patients", upstream: ptr(testutil.NewServerErrorResponse()), wantStatus: http.StatusBadGateway},
		{name: "upstream bad json", target: "/api/patients", upstream: ptr(testutil.NewHealthyResponse(`{"data":`)), wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mock := newTestHandler(t)
			if tt.upstream != nil {
				mock.SetResponse("/api/patients", *tt.upstream)
			}

			w := do(t, h, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestList_RateLimited(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.SetResponse("/api/patients", testutil.NewRateLimitResponse(12))

	w := do(t, h, http.MethodGet, "/api/patients", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "12", w.Header().Get("Retry-After"))

	w = do(t, h, http.MethodGet, "/api/patients?page=2", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 1, mock.GetPathCount("/api/patients"))
}

func TestListAll(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.SetPages("/api/tags", tags(5))
	mock.SetPages("/api/diseases", []any{})

	w := do(t, h, http.MethodGet, "/api/tags/all?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []records.Tag
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 5)
	assert.Equal(t, 3, mock.GetPathCount("/api/tags"))

	w = do(t, h, http.MethodGet, "/api/diseases/all", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestTagByID(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.SetResponse("/api/tags/t1", testutil.NewHealthyResponse(`{"_id":"t1","name":"chronic"}`))

	w := do(t, h, http.MethodGet, "/api/tags/t1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get(HeaderCache))
	assert.JSONEq(t, `{"_id":"t1","name":"chronic"}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/tags/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreatePatient(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.SetResponse("/api/patients", testutil.MockResponse{
		StatusCode: http.StatusCreated,
		Body:       `{"_id":"p1","name":"Ann","age":33,"diseases":[],"doctors":[]}`,
	})

	w := do(t, h, http.MethodPost, "/api/patients", `{"name":"Ann","age":33,"diseases":[],"doctors":[]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"_id":"p1"`)

	w = do(t, h, http.MethodPost, "/api/patients", `{"age":33}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/patients", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateTag(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.SetResponse("/api/tags/t1", testutil.NewHealthyResponse(`{"_id":"t1","name":"acute"}`))

	w := do(t, h, http.MethodPut, "/api/tags/t1", `{"name":"acute"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.MethodPut, mock.LastRequest().Method)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
	assert.Equal(t, http.StatusBadGateway, statusFor(&client.FetchError{Kind: client.KindNetworkUnavailable}))
	assert.Equal(t, http.StatusBadGateway, statusFor(&client.FetchError{Kind: client.KindFetchFailed, StatusCode: 400}))
	assert.Equal(t, http.StatusBadGateway, statusFor(fmt.Errorf("list tags: %w", pagination.ErrTooManyPages)))
}

func ptr[T any](v T) *T {
	return &v
}
