// Copyright 2025 James Ross
package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls add-memory retry behavior. Retries apply only to
// network errors and 5xx responses; 4xx responses return immediately.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 0,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     0.25,
	}
}

func (r RetryPolicy) delay(attempt int) time.Duration {
	d := float64(r.BaseDelay) * pow2(attempt)
	if d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	span := d * r.Jitter
	d += (rand.Float64()*2 - 1) * span
	if d < float64(100*time.Millisecond) {
		d = float64(100 * time.Millisecond)
	}
	return time.Duration(d)
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

// APIError wraps a non-2xx HTTP response from the memory service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("memory service returned status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) retryable() bool {
	return e.StatusCode >= 500
}

// HTTPMemoryClient implements MemoryClient against the semantic memory
// service's HTTP API: POST /memory/add, POST /memory/search, GET /health.
type HTTPMemoryClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      RetryPolicy
	log        *zap.Logger
}

func NewHTTPMemoryClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *HTTPMemoryClient {
	return &HTTPMemoryClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultRetryPolicy(),
		log:        log,
	}
}

type addMemoryRequest struct {
	Content  string                 `json:"content"`
	UserID   *string                `json:"user_id,omitempty"`
	Tags     []string               `json:"tags"`
	Metadata map[string]interface{} `json:"metadata"`
}

type addMemoryResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type addMemoryData struct {
	ID string `json:"id"`
}

// Add stores payloadMD under targetSpace and returns the assigned memory ID.
func (c *HTTPMemoryClient) Add(ctx context.Context, targetSpace, payloadMD string) (string, error) {
	req := addMemoryRequest{
		Content: payloadMD,
		Tags:    []string{},
		Metadata: map[string]interface{}{
			"target_space": targetSpace,
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("governance: marshal add-memory request: %w", err)
	}

	resp, err := c.postWithRetry(ctx, "/memory/add", body)
	if err != nil {
		return "", err
	}

	var parsed addMemoryResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return "", fmt.Errorf("governance: decode add-memory response: %w", err)
	}
	var data addMemoryData
	if len(parsed.Data) > 0 {
		_ = json.Unmarshal(parsed.Data, &data)
	}
	return data.ID, nil
}

type searchRequest struct {
	Query   string                 `json:"query"`
	UserID  *string                `json:"user_id,omitempty"`
	Limit   int                    `json:"limit"`
	Filters map[string]interface{} `json:"filters"`
}

type searchResponse struct {
	Results []map[string]interface{} `json:"results"`
}

// Search queries the memory service. Unlike Add, a failed search degrades to
// an empty result rather than propagating the error to the caller.
func (c *HTTPMemoryClient) Search(ctx context.Context, query string, limit int) ([]map[string]interface{}, error) {
	req := searchRequest{Query: query, Limit: limit, Filters: map[string]interface{}{}}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("governance: marshal search request: %w", err)
	}
	resp, err := c.postWithRetry(ctx, "/memory/search", body)
	if err != nil {
		c.log.Warn("memory search failed", zap.Error(err))
		return nil, nil
	}
	var parsed searchResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("governance: decode search response: %w", err)
	}
	return parsed.Results, nil
}

// Health reports whether the memory service answers its health endpoint.
func (c *HTTPMemoryClient) Health(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	c.setHeaders(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok"
}

func (c *HTTPMemoryClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *HTTPMemoryClient) postWithRetry(ctx context.Context, path string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		respBody, apiErr, err := c.doPost(ctx, path, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		retryable := apiErr == nil || apiErr.retryable()
		if !retryable || attempt == c.retry.MaxRetries {
			break
		}
		c.log.Warn("memory service request failed, retrying",
			zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retry.delay(attempt)):
		}
	}
	return nil, lastErr
}

func (c *HTTPMemoryClient) doPost(ctx context.Context, path string, body []byte) ([]byte, *APIError, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("governance: build request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("governance: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("governance: read response %s: %w", path, err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		return nil, apiErr, apiErr
	}
	return respBody, nil, nil
}
