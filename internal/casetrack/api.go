package casetrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker/v2"

	fserrors "github.com/casetrack/field-sync/internal/errors"
	"github.com/casetrack/field-sync/internal/store"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// breakerOpenTimeout is how long the circuit stays open before a
	// probe request is allowed through.
	breakerOpenTimeout = 60 * time.Second

	// breakerMinRequests and breakerFailureRatio trip the circuit once
	// at least 5 requests were made and half of them failed.
	breakerMinRequests  = 5
	breakerFailureRatio = 0.5
)

// apiResponse carries a completed HTTP exchange through the circuit
// breaker. Only transport failures and transient statuses count as
// breaker failures; auth and not-found responses prove the backend is
// alive and pass through with a nil error.
type apiResponse struct {
	status int
	body   []byte
}

// Client talks to the CaseTrack case REST API. It is strictly read-only:
// the sync engine never calls mutation endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	deviceID   string

	// breaker trips after repeated backend failures so a dying backend
	// surfaces as the stale-data path instead of being hammered.
	breaker *gobreaker.CircuitBreaker[apiResponse]
}

// ClientConfig holds the case API client parameters.
type ClientConfig struct {
	BaseURL  string
	Token    string
	DeviceID string

	// HTTPClient overrides the default client (30s timeout, same-host
	// redirect policy). Mainly for tests.
	HTTPClient *http.Client
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a case API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		deviceID:   cfg.DeviceID,
		breaker: gobreaker.NewCircuitBreaker[apiResponse](gobreaker.Settings{
			Name:        "casetrack-api",
			MaxRequests: 1,
			Timeout:     breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= breakerMinRequests && ratio >= breakerFailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("case API circuit breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
	}
}

// ListUpdatedSince returns one page of cases whose serverUpdatedAt
// exceeds since. Pass the returned NextCursor to fetch the following
// page; an empty NextCursor means the listing is complete.
func (c *Client) ListUpdatedSince(ctx context.Context, since int64, cursor string) (*CaseListResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))

	if cursor != "" {
		q.Set("cursor", cursor)
	}

	path := "/api/v1/cases/updated-since?" + q.Encode()

	res, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listing updated cases: %w", err)
	}

	if err := checkResponse(path, res); err != nil {
		return nil, err
	}

	var out CaseListResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return nil, fmt.Errorf("decoding case list: %w", err)
	}

	return &out, nil
}

// GetCase fetches a single case by id. Returns ErrNotFound when the
// server does not know the case.
func (c *Client) GetCase(ctx context.Context, id string) (*store.CaseRecord, error) {
	path := "/api/v1/cases/" + url.PathEscape(id)

	res, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetching case %s: %w", id, err)
	}

	if err := checkResponse(path, res); err != nil {
		return nil, err
	}

	var rec store.CaseRecord
	if err := json.Unmarshal(res.body, &rec); err != nil {
		return nil, fmt.Errorf("decoding case %s: %w", id, err)
	}

	return &rec, nil
}

// get performs an authenticated GET through the circuit breaker.
func (c *Client) get(ctx context.Context, path string) (apiResponse, error) {
	res, err := c.breaker.Execute(func() (apiResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return apiResponse{}, fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Device-ID", c.deviceID)
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network errors (timeouts, connection refused, DNS
			// failures) are transient by nature.
			return apiResponse{}, fserrors.Transient(fmt.Errorf("sending request to %s: %w", path, err))
		}
		defer resp.Body.Close()

		// Cap response reads at 1MB. Case payloads are small JSON.
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
		if err != nil {
			return apiResponse{}, fserrors.Transient(fmt.Errorf("reading response from %s: %w", path, err))
		}

		if isTransientStatus(resp.StatusCode) {
			return apiResponse{}, fserrors.Transient(
				fmt.Errorf("API %s returned status %d: %s", path, resp.StatusCode, sanitizeResponseBody(body)))
		}

		return apiResponse{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apiResponse{}, fserrors.Transient(fmt.Errorf("case API circuit open: %w", err))
		}

		return apiResponse{}, err
	}

	return res, nil
}

// checkResponse maps a completed exchange to the error taxonomy: 401/403
// to the auth sentinel, 404 to ErrNotFound, and error bodies to plain or
// transient errors depending on their message.
func checkResponse(path string, res apiResponse) error {
	switch res.status {
	case http.StatusOK:
		// Some backends report errors inside a 200 body.
		var apiErr APIError
		if json.Unmarshal(res.body, &apiErr) == nil && apiErr.Error != "" {
			err := fmt.Errorf("API %s: %s", path, apiErr.Error)
			if isTransientMessage(apiErr.Error) {
				return fserrors.Transient(err)
			}

			return err
		}

		return nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: API %s returned status %d", fserrors.ErrInvalidToken, path, res.status)

	case http.StatusNotFound:
		return fmt.Errorf("%w: API %s", fserrors.ErrNotFound, path)

	default:
		var apiErr APIError
		if json.Unmarshal(res.body, &apiErr) == nil && apiErr.Error != "" {
			err := fmt.Errorf("API %s (%d): %s", path, res.status, apiErr.Error)
			if isTransientMessage(apiErr.Error) {
				return fserrors.Transient(err)
			}

			return err
		}

		return fmt.Errorf("API %s returned status %d: %s", path, res.status, sanitizeResponseBody(res.body))
	}
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// isTransientMessage checks whether an API error message suggests a
// temporary condition.
func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)

	return strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "try again") ||
		strings.Contains(lower, "temporarily unavailable")
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	// Ensure valid UTF-8 and replace control characters.
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
