package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/digivault/escrowd/internal/escrow"
	"github.com/digivault/escrowd/internal/settlement"
)

// Config holds the configuration for reaching an escrowd API.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8080"
	CronSecret string // Presented to the internal settlement routes
	AdminToken string // ADMIN bearer token for transaction reads
}

// Client is a plain HTTP client for the escrowd operator endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do sends one request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SettlementStatus returns the current release backlog.
func (c *Client) SettlementStatus(ctx context.Context) (*settlement.Status, error) {
	var st settlement.Status
	if err := c.do(ctx, http.MethodGet, "/v1/internal/settlement/status", c.cfg.CronSecret, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RunSettlement triggers one settlement invocation and returns its summary.
func (c *Client) RunSettlement(ctx context.Context) (*settlement.Result, error) {
	var body struct {
		Success bool               `json:"success"`
		Result  *settlement.Result `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/internal/settlement/run", c.cfg.CronSecret, nil, &body); err != nil {
		return nil, err
	}
	if body.Result == nil {
		return nil, fmt.Errorf("settlement run returned no result")
	}
	return body.Result, nil
}

// GetTransaction fetches one transaction with the admin token.
func (c *Client) GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error) {
	var body struct {
		Transaction *escrow.Transaction `json:"transaction"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), c.cfg.AdminToken, nil, &body); err != nil {
		return nil, err
	}
	if body.Transaction == nil {
		return nil, fmt.Errorf("transaction %s not in response", id)
	}
	return body.Transaction, nil
}
