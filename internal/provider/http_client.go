package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"schedcache/internal/models"
)

const (
	defaultBaseURL = "https://api.calendly.com"
	maxPages       = 500
	maxErrorBody   = 512
)

// HTTPClient reads scheduled events from a REST scheduling API that pages
// through a "collection" with a "pagination.next_page_token" cursor.
type HTTPClient struct {
	baseURL      string
	token        string
	organization string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewHTTPClient creates a scheduling API client. organization is used for
// all-scopes queries; an empty baseURL selects the public API host.
func NewHTTPClient(logger *slog.Logger, baseURL, token, organization string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPClient{
		baseURL:      baseURL,
		token:        strings.TrimSpace(token),
		organization: strings.TrimSpace(organization),
		httpClient:   httpClient,
		logger:       logger,
	}
}

type eventPage struct {
	Collection []json.RawMessage `json:"collection"`
	Pagination struct {
		NextPageToken *string `json:"next_page_token"`
	} `json:"pagination"`
}

// QueryEvents implements Client.
func (c *HTTPClient) QueryEvents(ctx context.Context, scope models.Scope, window models.DateRange, pageSize int) (Batch, error) {
	if c.token == "" {
		return Batch{}, Fatal("query events", fmt.Errorf("provider token is not configured"))
	}
	q := url.Values{}
	q.Set("min_start_time", window.Start.UTC().Format(time.RFC3339))
	q.Set("max_start_time", window.End.UTC().Format(time.RFC3339))
	q.Set("sort", "start_time:asc")
	if pageSize > 0 {
		q.Set("count", strconv.Itoa(pageSize))
	}
	switch scope.Kind {
	case models.ScopeUser:
		q.Set("user", scope.Ref)
	case models.ScopeTeam:
		q.Set("group", scope.Ref)
	default:
		if c.organization == "" {
			return Batch{}, Fatal("query events", fmt.Errorf("organization is required for all-scopes queries"))
		}
		q.Set("organization", c.organization)
	}

	var batch Batch
	seen := map[string]bool{}
	for page := 0; page < maxPages; page++ {
		var out eventPage
		if err := c.getJSON(ctx, "/scheduled_events?"+q.Encode(), &out); err != nil {
			return batch, err
		}
		batch.Requests++
		batch.Payloads = append(batch.Payloads, out.Collection...)

		next := out.Pagination.NextPageToken
		if next == nil || *next == "" {
			return batch, nil
		}
		if seen[*next] {
			c.logger.Warn("Provider repeated a page token, stopping pagination.", "token", *next)
			return batch, nil
		}
		seen[*next] = true
		q.Set("page_token", *next)
	}
	return batch, Transient("query events", fmt.Errorf("pagination exceeded %d pages", maxPages))
}

func (c *HTTPClient) getJSON(ctx context.Context, requestPath string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
	if err != nil {
		return Fatal("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "schedcache/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport("query events", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport("read response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := json.Unmarshal(payload, out); err != nil {
			return Transient("decode page", err)
		}
		return nil
	}

	httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(payload)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, convErr := strconv.Atoi(ra); convErr == nil {
			httpErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Fatal("query events", httpErr)
	default:
		return Transient("query events", httpErr)
	}
}

func errorMessage(payload []byte) string {
	var body struct {
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Title != "" {
			return body.Title
		}
	}
	if len(payload) > maxErrorBody {
		payload = payload[:maxErrorBody]
	}
	return strings.TrimSpace(string(payload))
}
