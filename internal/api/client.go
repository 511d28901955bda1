package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/rideline/internal/delivery"
	"github.com/dukerupert/rideline/internal/model"
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries uint64
	RetryDelay time.Duration
}

// HTTPError is a non-2xx response that is not an action rejection.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s: http %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// Client talks to the delivery backend. It implements delivery.ActionClient.
type Client struct {
	mu         sync.RWMutex
	baseURL    string
	token      string
	maxRetries uint64
	retryDelay time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Accept(ctx context.Context, id string) (model.Delivery, error) {
	return c.action(ctx, id, delivery.ActionAccept, "accept", nil)
}

func (c *Client) PickUp(ctx context.Context, id string) (model.Delivery, error) {
	return c.action(ctx, id, delivery.ActionPickUp, "pickup", nil)
}

func (c *Client) Start(ctx context.Context, id string) (model.Delivery, error) {
	return c.action(ctx, id, delivery.ActionStart, "start", nil)
}

func (c *Client) Complete(ctx context.Context, id string, proof model.Proof) (model.Delivery, error) {
	return c.action(ctx, id, delivery.ActionComplete, "complete", proof)
}

func (c *Client) ReportIssue(ctx context.Context, id string, issue model.Issue) (model.Delivery, error) {
	return c.action(ctx, id, delivery.ActionReportIssue, "issues", issue)
}

// DashboardStats fetches the full stats block. 5xx and 429 responses are
// retried since the request is idempotent.
func (c *Client) DashboardStats(ctx context.Context) (model.DashboardStats, error) {
	var stats model.DashboardStats
	b := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.doJSON(ctx, http.MethodGet, "/dashboard/stats", nil, &stats)
		var he *HTTPError
		if errors.As(err, &he) && (he.StatusCode >= 500 || he.StatusCode == http.StatusTooManyRequests) {
			c.logger.Debug("retrying stats request", "status", he.StatusCode)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return model.DashboardStats{}, fmt.Errorf("fetch dashboard stats: %w", err)
	}
	return stats, nil
}

// action posts a delivery action. Client-side refusals from the server map
// to *delivery.ActionRejectedError; actions are never retried.
func (c *Client) action(ctx context.Context, id string, a delivery.Action, verb string, body any) (model.Delivery, error) {
	path := fmt.Sprintf("/deliveries/%s/%s", url.PathEscape(id), verb)

	var d model.Delivery
	err := c.doJSON(ctx, http.MethodPost, path, body, &d)
	if err == nil {
		return d, nil
	}

	var he *HTTPError
	if errors.As(err, &he) && rejection(he.StatusCode) {
		return model.Delivery{}, &delivery.ActionRejectedError{
			DeliveryID: id,
			Action:     a,
			StatusCode: he.StatusCode,
			Message:    he.Message,
		}
	}
	return model.Delivery{}, err
}

func rejection(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	cid := correlationID()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", cid)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("read response: %w", readErr)
	}

	c.logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode, "correlation_id", cid)

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	msg := errPayload.Message
	if msg == "" {
		msg = errPayload.Error
	}
	return &HTTPError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    msg,
	}
}

func correlationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
