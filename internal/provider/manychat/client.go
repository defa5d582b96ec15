package manychat

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

// Client is the ManyChat API client. ManyChat exposes no "list all
// subscribers" endpoint, so enumeration goes through tags.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new ManyChat API client
func NewClient(cfg config.ManyChatConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

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

	return respBody, nil
}

// GetTags retrieves all tags defined on the page.
func (c *Client) GetTags(ctx context.Context) ([]Tag, error) {
	body, err := c.doRequest(ctx, "/fb/page/getTags", nil)
	if err != nil {
		return nil, err
	}

	var out tagListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("API returned status %q", out.Status)
	}
	return out.Data, nil
}

// GetSubscribersByTag retrieves every subscriber carrying the given tag.
func (c *Client) GetSubscribersByTag(ctx context.Context, tagID int64) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("tag_id", strconv.FormatInt(tagID, 10))

	body, err := c.doRequest(ctx, "/fb/page/getSubscribersByTag", params)
	if err != nil {
		return nil, err
	}

	var out subscriberListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("API returned status %q", out.Status)
	}
	return out.Data, nil
}
