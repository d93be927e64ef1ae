package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/emr-records-client/internal/testutil"
	"github.com/Sternrassler/emr-records-client/pkg/query"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type item struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger := zerolog.Nop()
	cfg := DefaultConfig(baseURL)
	cfg.Timeout = 5 * time.Second
	cfg.Logger = &logger
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("http://localhost:3000"),
		},
		{
			name:        "missing base url",
			config:      Config{UserAgent: "TestApp/1.0.0"},
			expectError: true,
			errorMsg:    "base url is required",
		},
		{
			name:        "missing user agent",
			config:      Config{BaseURL: "http://localhost:3000"},
			expectError: true,
			errorMsg:    "user-agent is required",
		},
		{
			name:        "negative timeout",
			config:      Config{BaseURL: "http://localhost:3000", UserAgent: "TestApp/1.0.0", Timeout: -time.Second},
			expectError: true,
			errorMsg:    "timeout must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("http://localhost:3000")
	if cfg.BaseURL != "http://localhost:3000" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		t.Error("Expected a default user agent")
	}
}

func TestURL(t *testing.T) {
	c := newTestClient(t, "http://localhost:3000/")

	if got := c.URL("patients"); got != "http://localhost:3000/api/patients" {
		t.Errorf("URL(patients) = %q", got)
	}
	if got := c.URL("tags", "a b/c"); got != "http://localhost:3000/api/tags/a%20b%2Fc" {
		t.Errorf("URL(tags, id) = %q", got)
	}
}

func TestFetchPage_Success(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	items := []item{{ID: "1", Name: "Ann"}, {ID: "2", Name: "Bob"}}
	mock.SetResponse("/api/patients", testutil.NewHealthyResponse(testutil.PageBody(items, 2, 1, 1)))

	c := newTestClient(t, mock.URL())
	page, err := FetchPage[item](context.Background(), c, "patients", query.MustPaginationRequest(1, 20))
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}

	if len(page.Data) != 2 || page.Data[1].Name != "Bob" {
		t.Errorf("unexpected page data: %+v", page.Data)
	}
	if page.Total != 2 || page.Page != 1 || page.TotalPages != 1 {
		t.Errorf("unexpected page envelope: %+v", page)
	}
	if got := mock.LastRequest().URL.RawQuery; got != "page=1&limit=20" {
		t.Errorf("query = %q, want page=1&limit=20", got)
	}
	if got := mock.GetPathCount("/api/patients"); got != 1 {
		t.Errorf("request count = %d, want 1", got)
	}
}

func TestDo_Headers(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/api/tags/t1", testutil.NewHealthyResponse(`{"_id":"t1","name":"chronic"}`))

	c := newTestClient(t, mock.URL())
	tag, err := FetchOne[item](context.Background(), c, "tags", "t1")
	if err != nil {
		t.Fatalf("FetchOne failed: %v", err)
	}
	if tag.Name != "chronic" {
		t.Errorf("tag name = %q", tag.Name)
	}

	header := mock.LastRequestHeader()
	if got := header.Get("User-Agent"); got != DefaultConfig("").UserAgent {
		t.Errorf("User-Agent = %q", got)
	}
	if got := header.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}
	if _, err := uuid.Parse(header.Get(HeaderRequestID)); err != nil {
		t.Errorf("X-Request-ID %q is not a uuid: %v", header.Get(HeaderRequestID), err)
	}
}

func TestDo_RateLimited(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/api/patients", testutil.NewRateLimitResponse(7))

	c := newTestClient(t, mock.URL())
	_, err := FetchPage[item](context.Background(), c, "patients", query.MustPaginationRequest(1, 20))

	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	if errors.Is(err, ErrFetchFailed) {
		t.Error("429 must not be reported as FetchFailed")
	}
	if got := RetryAfterOf(err); got != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", got)
	}
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		response   testutil.MockResponse
		wantKind   ErrorKind
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "server error",
			response:   testutil.NewServerErrorResponse(),
			wantKind:   KindFetchFailed,
			wantStatus: 500,
			wantMsg:    "Internal server error",
		},
		{
			name:       "not found with error field",
			response:   testutil.MockResponse{StatusCode: 404, Body: `{"error":"patient not found"}`},
			wantKind:   KindFetchFailed,
			wantStatus: 404,
			wantMsg:    "patient not found",
		},
		{
			name:       "non-json error body",
			response:   testutil.MockResponse{StatusCode: 502, Body: "upstream down"},
			wantKind:   KindFetchFailed,
			wantStatus: 502,
			wantMsg:    "Bad Gateway",
		},
		{
			name:       "rate limited without retry-after",
			response:   testutil.NewRateLimitResponse(0),
			wantKind:   KindRateLimited,
			wantStatus: 429,
			wantMsg:    "Too many requests",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetResponse("/api/patients", tt.response)

			c := newTestClient(t, mock.URL())
			_, err := FetchPage[item](context.Background(), c, "patients", query.MustPaginationRequest(1, 20))

			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("Expected *FetchError, got %v", err)
			}
			if fe.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", fe.Kind, tt.wantKind)
			}
			if fe.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", fe.StatusCode, tt.wantStatus)
			}
			if fe.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", fe.Message, tt.wantMsg)
			}
			if !strings.Contains(err.Error(), "patients") {
				t.Errorf("error %q does not name the resource", err.Error())
			}
		})
	}
}

func TestDo_NetworkUnavailable(t *testing.T) {
	mock := testutil.NewMockAPI()
	url := mock.URL()
	mock.Close()

	c := newTestClient(t, url)
	_, err := FetchPage[item](context.Background(), c, "patients", query.MustPaginationRequest(1, 20))

	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("Expected ErrNetworkUnavailable, got %v", err)
	}
	if !ShouldRetry(err) {
		t.Error("network errors should be retryable")
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/api/patients", testutil.NewHealthyResponse(testutil.PageBody([]item{}, 0, 1, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, mock.URL())
	_, err := FetchPage[item](ctx, c, "patients", query.MustPaginationRequest(1, 20))

	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("Expected ErrNetworkUnavailable, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
	if ShouldRetry(err) {
		t.Error("cancelled requests should not be retried")
	}
}

func TestDo_DecodeFailed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"data": [`},
		{"wrong shape", `{"data": "nope", "total": 1, "page": 1, "totalPages": 1}`},
		{"page over limit", testutil.PageBody([]item{{ID: "1"}, {ID: "2"}, {ID: "3"}}, 3, 1, 2)},
		{"page beyond total pages", testutil.PageBody([]item{}, 2, 5, 1)},
		{"empty body", ""},
		{"null body", "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetResponse("/api/patients", testutil.NewHealthyResponse(tt.body))

			c := newTestClient(t, mock.URL())
			_, err := FetchPage[item](context.Background(), c, "patients", query.MustPaginationRequest(1, 2))

			if !errors.Is(err, ErrDecodeFailed) {
				t.Fatalf("Expected ErrDecodeFailed, got %v", err)
			}
			if ShouldRetry(err) {
				t.Error("decode errors should not be retried")
			}
		})
	}
}

func TestFetchOne_EmptyBody(t *testing.T) {
	for _, body := range []string{"", "null", " \n"} {
		t.Run(strconv.Quote(body), func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetResponse("/api/tags/t1", testutil.NewHealthyResponse(body))

			c := newTestClient(t, mock.URL())
			tag, err := FetchOne[item](context.Background(), c, "tags", "t1")

			if !errors.Is(err, ErrDecodeFailed) {
				t.Fatalf("Expected ErrDecodeFailed, got %v (value %+v)", err, tag)
			}
			if KindOf(err) != KindDecodeFailed {
				t.Errorf("kind = %q, want %q", KindOf(err), KindDecodeFailed)
			}
		})
	}
}

func TestSendJSON_NoContent(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/api/tags/t1", testutil.MockResponse{StatusCode: http.StatusNoContent})

	c := newTestClient(t, mock.URL())
	var updated item
	err := c.SendJSON(context.Background(), http.MethodPut, "tags", c.URL("tags", "t1"), map[string]any{"name": "x"}, &updated)
	if err != nil {
		t.Fatalf("SendJSON failed: %v", err)
	}
	if updated != (item{}) {
		t.Errorf("updated = %+v, want zero value", updated)
	}
}

func TestSendJSON(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/api/patients", testutil.MockResponse{
		StatusCode: http.StatusCreated,
		Body:       `{"_id":"p9","name":"Ann"}`,
	})

	c := newTestClient(t, mock.URL())
	var created item
	err := c.SendJSON(context.Background(), http.MethodPost, "patients", c.URL("patients"), map[string]any{"name": "Ann"}, &created)
	if err != nil {
		t.Fatalf("SendJSON failed: %v", err)
	}
	if created.ID != "p9" {
		t.Errorf("created id = %q, want p9", created.ID)
	}

	if got := mock.LastRequest().Method; got != http.MethodPost {
		t.Errorf("method = %s, want POST", got)
	}
	if got := mock.LastRequestHeader().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	var sent map[string]any
	if err := json.Unmarshal(mock.LastBody(), &sent); err != nil {
		t.Fatalf("request body is not json: %v", err)
	}
	if sent["name"] != "Ann" {
		t.Errorf("sent body = %v", sent)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "5", 5 * time.Second},
		{"padded seconds", " 12 ", 12 * time.Second},
		{"negative", "-3", 0},
		{"garbage", "soon", 0},
		{"http date", now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
