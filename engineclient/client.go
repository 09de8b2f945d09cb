// Package engineclient talks to the engine HTTP service
package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/liamcoop/rulesflow/dispatcher"
)

// maxBody caps how much of a response is decoded
const maxBody = 8 << 20

// APIError is returned when the engine answers with a body that is not an
// Outcome, typically a 500.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine responded %d: %s", e.StatusCode, e.Message)
}

// Client is a typed client for the engine API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client for the engine at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Trigger asks the engine to process id. Transaction-level results, including
// NOT_FOUND and FAILURE, come back as an Outcome with a nil error.
func (c *Client) Trigger(ctx context.Context, id string) (dispatcher.Outcome, error) {
	var out dispatcher.Outcome
	err := c.do(ctx, http.MethodPost, "/process_folder", map[string]string{"folder_name": id}, &out)
	return out, err
}

// Status reports where id currently stands
func (c *Client) Status(ctx context.Context, id string) (dispatcher.Outcome, error) {
	var out dispatcher.Outcome
	err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// SubmitResponse is returned by the submission endpoint
type SubmitResponse struct {
	TransactionID string `json:"transaction_id"`
	Location      string `json:"location"`
}

// Submit uploads a submission document and returns the generated id
func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (SubmitResponse, error) {
	var resp SubmitResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/transactions", payload, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling engine: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("reading engine response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return apiError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apiError(resp.StatusCode, data)
	}
	// 4xx answers without an outcome body are plain API errors
	if resp.StatusCode >= http.StatusBadRequest {
		if o, ok := out.(*dispatcher.Outcome); !ok || o.Status == "" {
			return apiError(resp.StatusCode, data)
		}
	}
	return nil
}

func apiError(code int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: code, Message: msg}
}
