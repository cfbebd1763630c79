package outbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

var (
	// ErrNotFound is returned when the service does not know the id.
	ErrNotFound = errors.New("outbox: not found")
	// ErrUnavailable covers network errors and 503 from the service.
	ErrUnavailable = errors.New("outbox: service unavailable")
)

// StatusError is any other non-2xx answer.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("outbox: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("outbox: unexpected status %d: %s", e.StatusCode, e.Detail)
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Client talks to the Content Service outbox routes with a shared secret.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// Config for NewClient.
type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// NewClient builds a client. Retries are off; the next sweep is the retry.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	return NewClientWithResty(cfg, resty.New(), logger)
}

// NewClientWithResty lets callers supply a preconfigured resty client.
func NewClientWithResty(cfg Config, rc *resty.Client, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("outbox base url is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("outbox secret is required")
	}
	if rc == nil {
		return nil, errors.New("resty client is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rc.SetBaseURL(base).
		SetAuthToken(cfg.Secret).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &Client{http: rc, logger: logger}, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		SetError(&problem{}).
		Get(path)
	return c.check(resp, err, http.MethodGet, path)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	req := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&problem{})
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	return c.check(resp, err, http.MethodPost, path)
}

func (c *Client) check(resp *resty.Response, err error, method, path string) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrUnavailable, err)
	}
	if resp.IsSuccess() {
		return nil
	}

	c.logger.Debug("outbox call rejected",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
	)

	detail := ""
	if p, ok := resp.Error().(*problem); ok && p != nil {
		detail = p.Detail
		if detail == "" {
			detail = p.Title
		}
	}

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%s %s: %w: status %d", method, path, ErrUnavailable, resp.StatusCode())
	}
	return fmt.Errorf("%s %s: %w", method, path, &StatusError{StatusCode: resp.StatusCode(), Detail: detail})
}

func limitQuery(limit int) map[string]string {
	if limit <= 0 {
		return nil
	}
	return map[string]string{"limit": strconv.Itoa(limit)}
}

// PendingContacts lists contacts awaiting notification, newest first.
func (c *Client) PendingContacts(ctx context.Context, limit int) ([]Contact, error) {
	var out ContactsResponse
	if err := c.get(ctx, "/api/outbox/contacts", limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

// PendingWelcomes lists subscribers awaiting the welcome email, newest first.
func (c *Client) PendingWelcomes(ctx context.Context, limit int) ([]Subscriber, error) {
	var out SubscribersResponse
	if err := c.get(ctx, "/api/outbox/subscribers", limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return out.Subscribers, nil
}

// ActiveSubscribers lists every active subscriber for fan-out.
func (c *Client) ActiveSubscribers(ctx context.Context) ([]Recipient, error) {
	var out RecipientsResponse
	if err := c.get(ctx, "/api/outbox/subscribers/active", nil, &out); err != nil {
		return nil, err
	}
	return out.Subscribers, nil
}

// PendingAnnouncements lists published announcements not yet broadcast.
func (c *Client) PendingAnnouncements(ctx context.Context, limit int) ([]Announcement, error) {
	var out AnnouncementsResponse
	if err := c.get(ctx, "/api/outbox/announcements", limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return out.Announcements, nil
}

// UndeliveredRecipients lists active subscribers without a recorded delivery
// of the announcement.
func (c *Client) UndeliveredRecipients(ctx context.Context, announcementID int64) ([]Recipient, error) {
	var out RecipientsResponse
	path := fmt.Sprintf("/api/outbox/announcements/%d/recipients", announcementID)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Subscribers, nil
}

// Acknowledge marks one row as notified. Safe to repeat.
func (c *Client) Acknowledge(ctx context.Context, kind Kind, id int64) error {
	var out AckResponse
	return c.post(ctx, fmt.Sprintf("/api/outbox/%s/%d/ack", kind, id), nil, &out)
}

// AcknowledgeRecipient records one delivered fan-out email. Safe to repeat.
func (c *Client) AcknowledgeRecipient(ctx context.Context, announcementID, subscriberID int64) error {
	var out AckResponse
	path := fmt.Sprintf("/api/outbox/announcements/%d/recipients/%d/ack", announcementID, subscriberID)
	return c.post(ctx, path, nil, &out)
}

// ReportFailure counts a failed delivery attempt against the row.
func (c *Client) ReportFailure(ctx context.Context, kind Kind, id int64, reason string) (*FailureResponse, error) {
	var out FailureResponse
	path := fmt.Sprintf("/api/outbox/%s/%d/failure", kind, id)
	if err := c.post(ctx, path, FailureRequest{Error: truncate(reason, 1000)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
