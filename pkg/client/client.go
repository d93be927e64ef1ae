// Package client provides the HTTP fetch executor of the records API: it
// issues single requests, decodes JSON bodies and classifies failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/emr-records-client/pkg/query"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for API client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emr_requests_total",
		Help: "Total API requests by resource and status",
	}, []string{"resource", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emr_request_duration_seconds",
		Help:    "API request duration in seconds by resource",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"resource"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emr_errors_total",
		Help: "Total API errors by kind",
	}, []string{"kind"})
)

// Header names set on every request.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserAgent = "User-Agent"
)

var errEmptyBody = errors.New("empty response body")

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// Client performs requests against the records API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API prefix; requests go to {BaseURL}/api/{resource}
	BaseURL string

	// UserAgent header sent with every request
	UserAgent string

	// Timeout per request (0 leaves it to the transport and the caller's context)
	Timeout time.Duration

	// HTTPClient overrides the default client (Timeout is ignored when set)
	HTTPClient *http.Client

	// Logger (default: global logger with component=api-client)
	Logger *zerolog.Logger
}

// DefaultConfig returns a default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "emr-records-client/0.1.0",
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}

	logger := log.With().Str("component", "api-client").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		config:     cfg,
		logger:     logger,
	}, nil
}

// URL returns {base}/api/{resource}[/{segment}...]. Segments are path-escaped.
func (c *Client) URL(resource string, segments ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/api/")
	b.WriteString(resource)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// GetJSON performs a single GET of rawURL and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, resource, rawURL string, out any) error {
	return c.do(ctx, http.MethodGet, resource, rawURL, nil, out)
}

// SendJSON sends in as the JSON body of a method request to rawURL and
// decodes the response into out (out may be nil).
func (c *Client) SendJSON(ctx context.Context, method, resource, rawURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request body: %w", resource, err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, resource, rawURL, body, out)
}

// do executes one request. There are no retries here; see Retry.
func (c *Client) do(ctx context.Context, method, resource, rawURL string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger := c.logger.With().
		Str("resource", resource).
		Str("method", method).
		Str("request_id", requestID).
		Logger()

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(resource).Observe(time.Since(startTime).Seconds())
	}()

	logger.Debug().Str("url", rawURL).Msg("Executing API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msg("HTTP request failed")
		requestsTotal.WithLabelValues(resource, "network_error").Inc()
		return c.fail(&FetchError{Kind: KindNetworkUnavailable, Resource: resource, Err: err})
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fe := classifyResponse(resource, resp)
		logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_kind", string(fe.Kind)).
			Msg("API request error")
		return c.fail(fe)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.fail(&FetchError{Kind: KindNetworkUnavailable, Resource: resource, StatusCode: resp.StatusCode, Err: err})
	}

	if out != nil {
		if isEmptyBody(data) {
			// Mutations may answer without a body; a lookup may not.
			if method == http.MethodGet {
				return c.fail(&FetchError{Kind: KindDecodeFailed, Resource: resource, StatusCode: resp.StatusCode, Err: errEmptyBody})
			}
		} else if err := json.Unmarshal(data, out); err != nil {
			return c.fail(&FetchError{Kind: KindDecodeFailed, Resource: resource, StatusCode: resp.StatusCode, Err: err})
		}
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(startTime)).
		Msg("API request complete")
	return nil
}

func isEmptyBody(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (c *Client) fail(fe *FetchError) error {
	errorsTotal.WithLabelValues(string(fe.Kind)).Inc()
	return fe
}

// classifyResponse builds the error of a non-2xx response.
func classifyResponse(resource string, resp *http.Response) *FetchError {
	fe := &FetchError{
		Kind:       KindFetchFailed,
		Resource:   resource,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		fe.Kind = KindRateLimited
		fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return fe
}

// errorMessage extracts {"message": ...} or {"error": ...} from an error
// body, falling back to the status text.
func errorMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && len(data) > 0 {
		var body struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &body) == nil {
			if body.Message != "" {
				return body.Message
			}
			if body.Error != "" {
				return body.Error
			}
		}
	}
	return http.StatusText(resp.StatusCode)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// FetchPage performs GET {base}/api/{resource}?{encoded req} and decodes a page.
func FetchPage[T any](ctx context.Context, c *Client, resource string, req query.PaginationRequest) (query.PageResult[T], error) {
	var page query.PageResult[T]
	rawURL := c.URL(resource) + "?" + query.Encode(req)
	if err := c.GetJSON(ctx, resource, rawURL, &page); err != nil {
		return query.PageResult[T]{}, err
	}
	if err := page.Check(req); err != nil {
		return query.PageResult[T]{}, c.fail(&FetchError{
			Kind:       KindDecodeFailed,
			Resource:   resource,
			StatusCode: http.StatusOK,
			Err:        err,
		})
	}
	return page, nil
}

// FetchOne performs GET {base}/api/{resource}/{id} and decodes a bare object.
func FetchOne[T any](ctx context.Context, c *Client, resource, id string) (T, error) {
	var v T
	if err := c.GetJSON(ctx, resource, c.URL(resource, id), &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
