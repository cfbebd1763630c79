package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const defaultResendURL = "https://api.resend.com"

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

type resendResponse struct {
	ID string `json:"id"`
}

type resendError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type ResendConfig struct {
	APIKey  string
	BaseURL string
	From    string
	Timeout time.Duration
}

// ResendMailer posts to the Resend transactional email API.
type ResendMailer struct {
	client *resty.Client
	from   string
	logger *zap.Logger
}

func NewResendMailer(cfg ResendConfig, logger *zap.Logger) (*ResendMailer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("resend api key is required")
	}
	if cfg.From == "" {
		return nil, errors.New("resend sender address is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultResendURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(base).
		SetAuthToken(cfg.APIKey).
		SetTimeout(timeout).
		SetRetryCount(0)

	return &ResendMailer{client: client, from: cfg.From, logger: logger}, nil
}

func (m *ResendMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return &SendError{Transport: "resend", Permanent: true, Cause: err}
	}

	var out resendResponse
	var apiErr resendError
	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(resendRequest{From: m.from, To: []string{msg.To}, Subject: msg.Subject, Text: msg.Body}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/emails")
	if err != nil {
		return &SendError{Transport: "resend", Cause: fmt.Errorf("request failed: %w", err)}
	}

	status := resp.StatusCode()
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		m.logger.Info("email sent via resend",
			zap.String("to", msg.To),
			zap.String("message_id", out.ID),
		)
		return nil
	}

	cause := fmt.Errorf("status %d", status)
	if apiErr.Message != "" {
		cause = fmt.Errorf("status %d: %s: %s", status, apiErr.Name, apiErr.Message)
	}
	return &SendError{Transport: "resend", Permanent: !isTransientStatus(status), Cause: cause}
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
