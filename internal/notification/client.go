package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/horohouse/notifysync/errors"
	"github.com/horohouse/notifysync/internal/auth"
	"github.com/horohouse/notifysync/logger"
	"github.com/horohouse/notifysync/types"
	"go.uber.org/zap"
)

const defaultUserAgent = "notifysync/1.0"

// Client talks to the notification REST API on behalf of the signed-in user.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	userAgent  string
	log        *zap.SugaredLogger
}

// ClientOption is a function that configures the client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// NewClient creates a new notification client
func NewClient(baseURL string, tokens auth.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgent: defaultUserAgent,
		log:       logger.GetLogger().Named("notification_client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// List fetches one page of the user's notifications, newest first.
func (c *Client) List(ctx context.Context, opts types.ListOptions) ([]types.Notification, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = types.DefaultPageSize
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("skip", strconv.Itoa(max(opts.Skip, 0)))

	var list types.NotificationList
	if err := c.do(ctx, http.MethodGet, "/notifications?"+query.Encode(), &list); err != nil {
		return nil, err
	}
	if list.Notifications == nil {
		list.Notifications = []types.Notification{}
	}
	return list.Notifications, nil
}

// UnreadCount fetches the server's authoritative unread count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var count types.UnreadCount
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", &count); err != nil {
		return 0, err
	}
	return max(count.Count, 0), nil
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	path, err := notificationPath(id, "/read")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, path, nil)
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/notifications/read-all", nil)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	path, err := notificationPath(id, "")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path, nil)
}

// DeleteAllRead removes every notification the user has already read.
func (c *Client) DeleteAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/notifications/read", nil)
}

func notificationPath(id, suffix string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", apperrors.ValidationFailed("notification id is required", "")
	}
	return "/notifications/" + url.PathEscape(id) + suffix, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.AuthError, "no access token available")
	}

	requestID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warnw("Notification API request failed",
			"method", method, "path", path, "requestID", requestID, "error", err)
		return apperrors.Transport(err, "failed to send request")
	}
	defer resp.Body.Close()

	c.log.Debugw("Notification API request completed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"requestID", requestID,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.FromHTTPStatus(resp.StatusCode, readErrorMessage(resp.Body))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ServerError, "failed to decode response")
	}
	return nil
}

// readErrorMessage extracts a human readable message from an error body. It accepts
// {"message": "..."} and {"error": "..."} envelopes and returns "" otherwise.
func readErrorMessage(body io.Reader) string {
	var envelope errorBody
	if err := json.NewDecoder(io.LimitReader(body, 64<<10)).Decode(&envelope); err != nil {
		return ""
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	return envelope.Error
}
