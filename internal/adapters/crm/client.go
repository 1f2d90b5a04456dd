package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"hermes/internal/adapters/config"
	"hermes/internal/domain/order"
	"hermes/internal/metrics"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

const maxResponseBytes = 1 << 20

// Client talks to the case-management backend over HTTP. Every request
// carries a uuid correlation id; 5xx responses are retried once.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a case-management API client
func NewClient(cfg config.CRMConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log.With("component", "crm_client"),
	}
}

// GetOrderByNumber fetches an order by its order number
func (c *Client) GetOrderByNumber(ctx context.Context, number string) (*order.Order, error) {
	var out order.Order
	if err := c.get(ctx, "orders/"+url.PathEscape(number), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrderBySerial fetches the order containing a device serial number
func (c *Client) GetOrderBySerial(ctx context.Context, serial string) (*order.Order, error) {
	var out order.Order
	if err := c.get(ctx, "orders/by-serial/"+url.PathEscape(serial), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrdersByNationalID fetches all orders of a customer
func (c *Client) GetOrdersByNationalID(ctx context.Context, nationalID string) ([]order.Order, error) {
	var out []order.Order
	if err := c.get(ctx, "customers/"+url.PathEscape(nationalID)+"/orders", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUserByNationalID resolves a customer identity
func (c *Client) GetUserByNationalID(ctx context.Context, nationalID string) (*order.User, error) {
	var out order.User
	if err := c.get(ctx, "customers/"+url.PathEscape(nationalID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitComplaint files a complaint and returns the created ticket
func (c *Client) SubmitComplaint(ctx context.Context, complaint order.Complaint) (*order.Ticket, error) {
	var out order.Ticket
	if err := c.post(ctx, "complaints", complaint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitRepairRequest files a repair ticket for a device
func (c *Client) SubmitRepairRequest(ctx context.Context, req order.RepairRequest) (*order.Ticket, error) {
	var out order.Ticket
	if err := c.post(ctx, "repairs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, dest interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, dest)
}

func (c *Client) post(ctx context.Context, endpoint string, body, dest interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request body")
	}
	return c.do(ctx, http.MethodPost, endpoint, payload, dest)
}

// do issues the request with one retry on 5xx or transport failure.
// 4xx responses are terminal.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, dest interface{}) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "crm request cancelled")
			case <-time.After(time.Second):
			}
		}

		retryable, err := c.doOnce(ctx, method, endpoint, body, dest)
		if err == nil {
			metrics.CRMRequests.WithLabelValues(endpoint, "success").Inc()
			return nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.log.Warnw("CRM request failed, retrying", "endpoint", endpoint, "error", err)
	}

	metrics.CRMRequests.WithLabelValues(endpoint, "error").Inc()
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body []byte, dest interface{}) (retryable bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/%s", c.baseURL, endpoint), reader)
	if err != nil {
		return false, errors.Wrap(err, "failed to build crm request")
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, errors.Wrap(err, "crm request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return true, errors.Wrap(err, "failed to read crm response")
	}

	c.log.Debugw("CRM request completed",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, errors.Wrapf(errors.ErrNotFound, "crm: %s not found", endpoint)
	case resp.StatusCode >= 500:
		return true, errors.Wrapf(errors.ErrUpstreamUnavailable, "crm: %s returned %d", endpoint, resp.StatusCode)
	case resp.StatusCode >= 400:
		return false, errors.Wrapf(errors.ErrUpstreamRejected, "crm: %s returned %d", endpoint, resp.StatusCode)
	}

	if dest == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, errors.Wrap(err, "failed to decode crm response")
	}
	return false, nil
}
