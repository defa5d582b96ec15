package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ignite/clientsync/internal/config"
	"github.com/ignite/clientsync/internal/pkg/httpretry"
)

// Client is a minimal Stripe REST client covering the list endpoints the
// sync pipeline reads. Pagination is Stripe-native: opaque object IDs via
// starting_after plus a has_more flag.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new Stripe API client
func NewClient(cfg config.StripeConfig) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// doRequest performs an authenticated GET against the Stripe API
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
	req.Header.Set("Stripe-Version", "2024-06-20")

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

func (c *Client) listParams(startingAfter string, createdSince *time.Time) url.Values {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageSize))
	if startingAfter != "" {
		params.Set("starting_after", startingAfter)
	}
	if createdSince != nil {
		params.Set("created[gte]", strconv.FormatInt(createdSince.Unix(), 10))
	}
	return params
}

// ListCharges retrieves one page of charges, oldest-window filter optional.
func (c *Client) ListCharges(ctx context.Context, startingAfter string, createdSince *time.Time) ([]Charge, bool, error) {
	body, err := c.doRequest(ctx, "/v1/charges", c.listParams(startingAfter, createdSince))
	if err != nil {
		return nil, false, err
	}

	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("failed to parse response: %w", err)
	}
	var charges []Charge
	if err := json.Unmarshal(env.Data, &charges); err != nil {
		return nil, false, fmt.Errorf("failed to parse charge list: %w", err)
	}
	return charges, env.HasMore, nil
}

// ListSubscriptions retrieves one page of subscriptions with the customer
// object expanded so payer identity fields come along.
func (c *Client) ListSubscriptions(ctx context.Context, startingAfter string) ([]Subscription, bool, error) {
	params := c.listParams(startingAfter, nil)
	params.Set("status", "all")
	params.Add("expand[]", "data.customer")

	body, err := c.doRequest(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, false, err
	}

	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("failed to parse response: %w", err)
	}
	var subs []Subscription
	if err := json.Unmarshal(env.Data, &subs); err != nil {
		return nil, false, fmt.Errorf("failed to parse subscription list: %w", err)
	}
	return subs, env.HasMore, nil
}

// ListInvoices retrieves one page of invoices.
func (c *Client) ListInvoices(ctx context.Context, startingAfter string, createdSince *time.Time) ([]Invoice, bool, error) {
	body, err := c.doRequest(ctx, "/v1/invoices", c.listParams(startingAfter, createdSince))
	if err != nil {
		return nil, false, err
	}

	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("failed to parse response: %w", err)
	}
	var invoices []Invoice
	if err := json.Unmarshal(env.Data, &invoices); err != nil {
		return nil, false, fmt.Errorf("failed to parse invoice list: %w", err)
	}
	return invoices, env.HasMore, nil
}
