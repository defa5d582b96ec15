package stripe

import (
	"context"
	"time"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/provider"
)

// Kind selects which Stripe object stream an adapter pulls.
type Kind string

const (
	KindCharges       Kind = "charges"
	KindSubscriptions Kind = "subscriptions"
	KindInvoices      Kind = "invoices"
)

// Adapter exposes one Stripe object stream through the uniform provider
// contract. Checkpoint.Cursor carries the starting_after object ID.
type Adapter struct {
	client *Client
	kind   Kind
	// Since bounds the fetch window for charges/invoices; nil means all.
	Since *time.Time
}

// NewChargesAdapter adapts the charges stream.
func NewChargesAdapter(c *Client) *Adapter { return &Adapter{client: c, kind: KindCharges} }

// NewSubscriptionsAdapter adapts the subscriptions stream.
func NewSubscriptionsAdapter(c *Client) *Adapter {
	return &Adapter{client: c, kind: KindSubscriptions}
}

// NewInvoicesAdapter adapts the invoices stream.
func NewInvoicesAdapter(c *Client) *Adapter { return &Adapter{client: c, kind: KindInvoices} }

func (a *Adapter) Source() domain.Source {
	switch a.kind {
	case KindSubscriptions:
		return domain.SourceStripeSubscriptions
	case KindInvoices:
		return domain.SourceStripeInvoices
	default:
		return domain.SourceStripeCharges
	}
}

func (a *Adapter) FetchPage(ctx context.Context, cp domain.Checkpoint) (provider.Page, error) {
	switch a.kind {
	case KindSubscriptions:
		return a.fetchSubscriptions(ctx, cp)
	case KindInvoices:
		return a.fetchInvoices(ctx, cp)
	default:
		return a.fetchCharges(ctx, cp)
	}
}

func (a *Adapter) fetchCharges(ctx context.Context, cp domain.Checkpoint) (provider.Page, error) {
	charges, hasMore, err := a.client.ListCharges(ctx, cp.Cursor, a.Since)
	if err != nil {
		return provider.Page{}, err
	}

	page := provider.Page{HasMore: hasMore}
	for _, ch := range charges {
		occurred := time.Unix(ch.Created, 0).UTC()
		page.Transactions = append(page.Transactions, provider.RawTransaction{
			PaymentKey:  ch.ID,
			Email:       ch.BillingDetails.Email,
			FullName:    ch.BillingDetails.Name,
			AmountCents: ch.Amount,
			Currency:    ch.Currency,
			Status:      ch.Status,
			OccurredAt:  occurred,
		})
		// A successful charge also feeds the identity graph: the payer is
		// a paying customer as of this record. The amount itself flows
		// only through the transaction above; crediting it here as well
		// would count it twice.
		if ch.BillingDetails.Email == "" && ch.BillingDetails.Phone == "" {
			continue
		}
		contact := provider.RawContact{
			ExternalID:    ch.ID,
			Email:         ch.BillingDetails.Email,
			Phone:         ch.BillingDetails.Phone,
			FullName:      ch.BillingDetails.Name,
			PaymentStatus: ch.Status,
		}
		if ch.Paid && ch.Status == "succeeded" {
			contact.Stage = domain.StageCustomer
		}
		page.Contacts = append(page.Contacts, contact)
	}

	if hasMore && len(charges) > 0 {
		page.Next = domain.Checkpoint{Cursor: charges[len(charges)-1].ID}
	}
	return page, nil
}

func (a *Adapter) fetchSubscriptions(ctx context.Context, cp domain.Checkpoint) (provider.Page, error) {
	subs, hasMore, err := a.client.ListSubscriptions(ctx, cp.Cursor)
	if err != nil {
		return provider.Page{}, err
	}

	page := provider.Page{HasMore: hasMore}
	for _, sub := range subs {
		if sub.Customer.Email == "" && sub.Customer.Phone == "" {
			continue
		}
		contact := provider.RawContact{
			ExternalID:    sub.ID,
			Email:         sub.Customer.Email,
			Phone:         sub.Customer.Phone,
			FullName:      sub.Customer.Name,
			PaymentStatus: sub.Status,
		}
		switch sub.Status {
		case "trialing":
			contact.Stage = domain.StageTrial
		case "active", "past_due":
			contact.Stage = domain.StageCustomer
		case "canceled", "unpaid":
			contact.Stage = domain.StageChurn
		}
		page.Contacts = append(page.Contacts, contact)
	}

	if hasMore && len(subs) > 0 {
		page.Next = domain.Checkpoint{Cursor: subs[len(subs)-1].ID}
	}
	return page, nil
}

func (a *Adapter) fetchInvoices(ctx context.Context, cp domain.Checkpoint) (provider.Page, error) {
	invoices, hasMore, err := a.client.ListInvoices(ctx, cp.Cursor, a.Since)
	if err != nil {
		return provider.Page{}, err
	}

	page := provider.Page{HasMore: hasMore}
	for _, inv := range invoices {
		if inv.Status == "paid" {
			page.Transactions = append(page.Transactions, provider.RawTransaction{
				PaymentKey:  inv.ID,
				Email:       inv.CustomerEmail,
				FullName:    inv.CustomerName,
				AmountCents: inv.AmountPaid,
				Currency:    inv.Currency,
				Status:      inv.Status,
				OccurredAt:  time.Unix(inv.Created, 0).UTC(),
			})
		}
		if inv.CustomerEmail == "" && inv.CustomerPhone == "" {
			continue
		}
		contact := provider.RawContact{
			ExternalID:    inv.ID,
			Email:         inv.CustomerEmail,
			Phone:         inv.CustomerPhone,
			FullName:      inv.CustomerName,
			PaymentStatus: inv.Status,
		}
		if inv.Status == "paid" {
			contact.Stage = domain.StageCustomer
		}
		page.Contacts = append(page.Contacts, contact)
	}

	if hasMore && len(invoices) > 0 {
		page.Next = domain.Checkpoint{Cursor: invoices[len(invoices)-1].ID}
	}
	return page, nil
}
