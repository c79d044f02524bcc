package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"github.com/roach88/usersync/internal/ir"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.onesignal.com"

// BreakerConfig tunes the circuit breaker in front of the HTTP client.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval after which closed-state counts reset.
	Interval time.Duration
	// Timeout the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures that trip the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// HTTPClient is the production Client.
type HTTPClient struct {
	baseURL    string
	sdkVersion string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for baseURL. A nil httpClient gets one
// with the given timeout.
func NewHTTPClient(baseURL, sdkVersion string, timeout time.Duration, breaker BreakerConfig, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http_client")

	trip := breaker.ConsecutiveFailures
	if trip == 0 {
		trip = DefaultBreakerConfig().ConsecutiveFailures
	}
	cbSettings := gobreaker.Settings{
		Name:        "usersync-api",
		MaxRequests: breaker.MaxRequests,
		Interval:    breaker.Interval,
		Timeout:     breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Only outages count against the breaker; a 4xx means the
		// server is up and answering.
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) != Retryable
		},
	}

	return &HTTPClient{
		baseURL:    baseURL,
		sdkVersion: sdkVersion,
		httpClient: httpClient,
		cb:         gobreaker.NewCircuitBreaker(cbSettings),
		logger:     logger,
	}
}

// BreakerState returns the circuit breaker state.
func (c *HTTPClient) BreakerState() gobreaker.State {
	return c.cb.State()
}

// Execute sends req through the circuit breaker. While the breaker is
// open it fails fast with gobreaker.ErrOpenState.
func (c *HTTPClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func (c *HTTPClient) do(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if r.Body != nil {
		data, err := json.MarshalNoEscape(r.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", r.Kind, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.baseURL+r.Path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.onesignal.v1+json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sdkVersion != "" {
		req.Header.Set("SDK-Version", "usersync/"+c.sdkVersion)
	}
	if r.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+r.JWT)
	}
	if r.SubscriptionID != "" {
		req.Header.Set("OneSignal-Subscription-Id", r.SubscriptionID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	c.logger.Debug("request completed",
		"kind", r.Kind,
		"method", r.Method,
		"path", r.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	decoded := decodeBody(payload)
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return &Response{StatusCode: resp.StatusCode, Body: decoded}, nil
	}

	he := &HTTPError{StatusCode: resp.StatusCode, Body: decoded, Message: http.StatusText(resp.StatusCode)}
	if errs, ok := decoded.GetArray("errors"); ok && len(errs) > 0 {
		if first, ok := errs[0].(ir.Object); ok {
			he.Code, _ = first.GetString("code")
			if title, ok := first.GetString("title"); ok {
				he.Message = title
			}
		}
	}
	return nil, he
}

// decodeBody parses a JSON object body. Empty or non-object bodies
// decode to an empty object.
func decodeBody(payload []byte) ir.Object {
	if len(bytes.TrimSpace(payload)) == 0 {
		return ir.Object{}
	}
	var obj ir.Object
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return ir.Object{}
	}
	return obj
}
