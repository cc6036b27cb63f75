// Package google provides a client for the Google push-notification and
// incremental change APIs used by the sync core.
package google

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
	"time"

	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/models"
)

const (
	DefaultBaseURL = "https://www.googleapis.com"
	DefaultTimeout = 30 * time.Second
)

// Client implements the ProviderClient interface over the Google REST
// surface. Quota budgeting is the caller's concern; every request here is
// expected to have passed the rate governor first.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new Google API client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a provider API error
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Transient reports whether the error is worth retrying with backoff.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// watchRequest is the channel registration body.
type watchRequest struct {
	Address    string `json:"address"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type watchResponse struct {
	ChannelID     string    `json:"channel_id"`
	ResourceToken string    `json:"resource_token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Watch registers a push channel for the user's resource.
func (c *Client) Watch(ctx context.Context, accessToken, userID, resource, callbackURL string, ttl time.Duration) (*models.WebhookChannel, error) {
	path := fmt.Sprintf("/sync/v1/users/%s/%s/watch", url.PathEscape(userID), url.PathEscape(resource))

	var resp watchResponse
	err := c.do(ctx, http.MethodPost, path, accessToken, watchRequest{
		Address:    callbackURL,
		TTLSeconds: int64(ttl.Seconds()),
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &models.WebhookChannel{
		ID:            resp.ChannelID,
		UserID:        userID,
		Resource:      resource,
		ResourceToken: resp.ResourceToken,
		Status:        models.ChannelActive,
		ExpiresAt:     resp.ExpiresAt,
	}, nil
}

// Stop tears down a push channel.
func (c *Client) Stop(ctx context.Context, accessToken, channelID, resourceToken string) error {
	body := map[string]string{
		"channel_id":     channelID,
		"resource_token": resourceToken,
	}
	return c.do(ctx, http.MethodPost, "/sync/v1/channels/stop", accessToken, body, nil)
}

type changeItem struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	ContentHash string          `json:"content_hash"`
	Payload     json.RawMessage `json:"payload"`
	ModifiedAt  time.Time       `json:"modified_at"`
}

type changesResponse struct {
	Changes       []changeItem `json:"changes"`
	NextPageToken string       `json:"next_page_token"`
	NextCursor    string       `json:"next_cursor"`
}

// ListChanges fetches one bootstrap or delta page. A 410 from the provider
// means the cursor points past retained history and is surfaced as
// models.ErrCursorInvalid.
func (c *Client) ListChanges(ctx context.Context, accessToken, userID, resource, cursor, pageToken string, pageSize int) (*models.ChangePage, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if pageToken != "" {
		params.Set("page_token", pageToken)
	}
	if pageSize > 0 {
		params.Set("page_size", strconv.Itoa(pageSize))
	}

	path := fmt.Sprintf("/sync/v1/users/%s/%s/changes?%s",
		url.PathEscape(userID), url.PathEscape(resource), params.Encode())

	var resp changesResponse
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &resp); err != nil {
		return nil, err
	}

	page := &models.ChangePage{
		Changes:       make([]models.RemoteChange, 0, len(resp.Changes)),
		NextPageToken: resp.NextPageToken,
		NextCursor:    resp.NextCursor,
	}
	for _, item := range resp.Changes {
		page.Changes = append(page.Changes, models.RemoteChange{
			ExternalID:  item.ID,
			Kind:        item.Kind,
			ContentHash: item.ContentHash,
			Payload:     []byte(item.Payload),
			ModifiedAt:  item.ModifiedAt,
		})
	}
	return page, nil
}

// do performs an authorized request and decodes the JSON response.
func (c *Client) do(ctx context.Context, method, path, accessToken string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("Google API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: provider rejected access token", models.ErrAuthExpired)
	}
	if resp.StatusCode == http.StatusGone {
		return fmt.Errorf("%w: history no longer available", models.ErrCursorInvalid)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(data),
			Endpoint:   path,
		}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// IsTransient reports whether err is a retryable provider failure: a 429,
// a 5xx, or a network-level request failure. Auth, cursor, and quota
// sentinels are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, models.ErrAuthExpired) ||
		errors.Is(err, models.ErrCursorInvalid) ||
		errors.Is(err, models.ErrRateLimited) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
