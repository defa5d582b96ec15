package paypal

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/provider"
)

// Adapter pulls the PayPal transaction report page by page.
// Checkpoint.Page is the 1-based page last completed; zero means start.
type Adapter struct {
	client *Client
	// Start/End bound the report window. Zero values default to the
	// trailing 30 days, PayPal's maximum single-request span.
	Start time.Time
	End   time.Time
}

// NewAdapter creates a PayPal transactions adapter.
func NewAdapter(c *Client) *Adapter { return &Adapter{client: c} }

func (a *Adapter) Source() domain.Source { return domain.SourcePayPal }

func (a *Adapter) window() (time.Time, time.Time) {
	start, end := a.Start, a.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}
	return start, end
}

func (a *Adapter) FetchPage(ctx context.Context, cp domain.Checkpoint) (provider.Page, error) {
	start, end := a.window()
	pageNum := cp.Page + 1

	resp, err := a.client.SearchTransactions(ctx, start, end, pageNum)
	if err != nil {
		return provider.Page{}, err
	}

	page := provider.Page{HasMore: pageNum < resp.TotalPages}
	for _, td := range resp.TransactionDetails {
		info := td.TransactionInfo
		cents, err := parseAmountCents(info.TransactionAmount.Value)
		if err != nil {
			// Malformed row: skip it, the rest of the page is fine.
			log.Printf("[PayPal] skipping transaction %s: %v", info.TransactionID, err)
			continue
		}

		occurred, _ := time.Parse(time.RFC3339, info.TransactionInitiationDate)
		page.Transactions = append(page.Transactions, provider.RawTransaction{
			PaymentKey:  info.TransactionID,
			Email:       td.PayerInfo.EmailAddress,
			FullName:    payerFullName(td.PayerInfo),
			AmountCents: cents,
			Currency:    strings.ToLower(info.TransactionAmount.CurrencyCode),
			Status:      info.TransactionStatus,
			OccurredAt:  occurred.UTC(),
		})

		if td.PayerInfo.EmailAddress == "" {
			continue
		}
		contact := provider.RawContact{
			ExternalID:    info.TransactionID,
			Email:         td.PayerInfo.EmailAddress,
			FullName:      payerFullName(td.PayerInfo),
			PaymentStatus: info.TransactionStatus,
		}
		// "S" is PayPal's settled/success status code. The amount is
		// credited by the transaction record alone; the contact carries
		// only the lifecycle hint.
		if info.TransactionStatus == "S" && cents > 0 {
			contact.Stage = domain.StageCustomer
		}
		page.Contacts = append(page.Contacts, contact)
	}

	if page.HasMore {
		page.Next = domain.Checkpoint{Page: pageNum}
	}
	return page, nil
}

func payerFullName(p PayerInfo) string {
	return strings.TrimSpace(strings.TrimSpace(p.PayerName.GivenName) + " " + strings.TrimSpace(p.PayerName.Surname))
}
