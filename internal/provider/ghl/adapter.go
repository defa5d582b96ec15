package ghl

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/provider"
)

// Adapter pulls GoHighLevel contacts page by page. Checkpoint.Page is
// the last page completed; zero means start from page 1.
type Adapter struct {
	client *Client
}

// NewAdapter creates a GoHighLevel contacts adapter.
func NewAdapter(c *Client) *Adapter { return &Adapter{client: c} }

func (a *Adapter) Source() domain.Source { return domain.SourceGHL }

func (a *Adapter) FetchPage(ctx context.Context, cp domain.Checkpoint) (provider.Page, error) {
	pageNum := cp.Page + 1

	resp, err := a.client.ListContacts(ctx, pageNum)
	if err != nil {
		return provider.Page{}, err
	}

	page := provider.Page{HasMore: resp.Meta.NextPage > 0}
	for _, raw := range resp.Contacts {
		var contact Contact
		if err := json.Unmarshal(raw, &contact); err != nil {
			log.Printf("[GHL] skipping malformed contact record: %v", err)
			continue
		}
		if contact.ID == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = map[string]any{}
		}

		page.Contacts = append(page.Contacts, provider.RawContact{
			ExternalID: contact.ID,
			Email:      contact.Email,
			Phone:      contact.Phone,
			FullName:   fullName(contact),
			Tags:       contact.Tags,
			// GHL's DND flag suppresses outbound messaging globally.
			OptIns: domain.OptIns{
				SMS:   !contact.DND,
				Email: !contact.DND,
			},
			Payload: payload,
		})
	}

	if page.HasMore {
		page.Next = domain.Checkpoint{Page: pageNum}
	}
	return page, nil
}

func fullName(c Contact) string {
	if c.ContactName != "" {
		return c.ContactName
	}
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}
