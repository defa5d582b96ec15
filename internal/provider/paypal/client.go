package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/clientsync/internal/config"
	"github.com/ignite/clientsync/internal/pkg/httpretry"
)

// Client is a PayPal REST client for the transaction search report.
// Auth is OAuth client-credentials; the oauth2 transport refreshes the
// bearer token transparently and httpretry wraps it for 429/5xx backoff.
type Client struct {
	baseURL    string
	pageSize   int
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new PayPal API client
func NewClient(cfg config.PayPalConfig) *Client {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
	}
	base := cc.Client(context.Background())
	base.Timeout = cfg.Timeout()

	return &Client{
		baseURL:    cfg.BaseURL,
		pageSize:   cfg.PageSize,
		httpClient: httpretry.NewRetryClient(base, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// SearchTransactions fetches one page of the transaction report for the
// given window. Pages are 1-based; the response reports total_pages.
func (c *Client) SearchTransactions(ctx context.Context, start, end time.Time, page int) (*TransactionSearchResponse, error) {
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("start_date", start.UTC().Format("2006-01-02T15:04:05-0700"))
	params.Set("end_date", end.UTC().Format("2006-01-02T15:04:05-0700"))
	params.Set("fields", "transaction_info,payer_info")
	params.Set("page_size", strconv.Itoa(c.pageSize))
	params.Set("page", strconv.Itoa(page))

	reqURL := c.baseURL + "/v1/reporting/transactions?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
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

	var out TransactionSearchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// parseAmountCents converts PayPal's decimal string ("12.34") to cents
// without going through floating point. Negative amounts (refunds) keep
// their sign.
func parseAmountCents(value string) (int64, error) {
	neg := strings.HasPrefix(value, "-")
	v := strings.TrimPrefix(value, "-")

	whole, frac := v, "0"
	if i := strings.Index(v, "."); i >= 0 {
		whole, frac = v[:i], v[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	// Normalize fraction to exactly two digits
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", value, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", value, err)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}
