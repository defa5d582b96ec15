package ghl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ignite/clientsync/internal/config"
	"github.com/ignite/clientsync/internal/pkg/httpretry"
)

// Client is the GoHighLevel API client. Contact listing is page-number
// based; the response's meta.nextPage is 0 on the last page.
type Client struct {
	baseURL    string
	apiKey     string
	locationID string
	pageSize   int
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new GoHighLevel API client
func NewClient(cfg config.GoHighLevelConfig) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		locationID: cfg.LocationID,
		pageSize:   cfg.PageSize,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// ListContacts retrieves one page of contacts (1-based page numbers).
func (c *Client) ListContacts(ctx context.Context, page int) (*ContactListResponse, error) {
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(c.pageSize))
	if c.locationID != "" {
		params.Set("locationId", c.locationID)
	}

	reqURL := c.baseURL + "/v1/contacts/?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out ContactListResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}
