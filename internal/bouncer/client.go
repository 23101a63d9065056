// Package bouncer is a typed client for the Bouncer email verification API.
// It issues create/status/download calls with bounded retry on transient
// HTTP classes; rate limiting and circuit breaking happen at the caller.
package bouncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/list-verifier/internal/config"
	"github.com/ignite/list-verifier/internal/pkg/httpretry"
	"github.com/ignite/list-verifier/internal/pkg/logger"
	"github.com/ignite/list-verifier/internal/verify"
)

// Client is a Bouncer API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a Bouncer client from config. Each call retries up to
// cfg.MaxRetries times on 429/5xx before surfacing the final response.
func NewClient(cfg config.BouncerConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, cfg.MaxRetries, httpretry.WithBaseDelay(cfg.RetryBaseDelay())),
	}
}

// CreateBatch submits emails for verification and returns the provider's
// batch id plus the duplicate count it detected.
func (c *Client) CreateBatch(ctx context.Context, emails []string) (*CreateBatchResponse, error) {
	reqBody := createBatchRequest{Emails: make([]batchEmail, len(emails))}
	for i, email := range emails {
		reqBody.Emails[i] = batchEmail{Email: email}
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/batch", reqBody)
	if err != nil {
		return nil, err
	}

	var resp CreateBatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing create batch response: %w", err)
	}
	if resp.BatchID == "" {
		return nil, fmt.Errorf("create batch response missing batch_id")
	}
	return &resp, nil
}

// GetStatus polls the provider for batch progress.
func (c *Client) GetStatus(ctx context.Context, batchID string) (*StatusResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/batch/"+batchID, nil)
	if err != nil {
		return nil, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing status response: %w", err)
	}
	return &resp, nil
}

// DownloadResults fetches the per-email outcomes of a completed batch.
func (c *Client) DownloadResults(ctx context.Context, batchID string) ([]EmailResult, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/batch/"+batchID+"/download", nil)
	if err != nil {
		return nil, err
	}

	var results []EmailResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("parsing download response: %w", err)
	}
	return results, nil
}

// doRequest issues one API call. Non-2xx responses come back as
// *verify.APIFailure so the error classifier can work from the status code.
func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if raw != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(raw)), nil
		}
	}

	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := logger.RedactEmails(string(body))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		logger.Warn("bouncer API call failed",
			"method", method, "path", path, "status", resp.StatusCode)
		return nil, &verify.APIFailure{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("bouncer API error (status %d): %s", resp.StatusCode, msg),
		}
	}

	return body, nil
}
