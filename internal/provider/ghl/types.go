package ghl

import "encoding/json"

// Contact is a GoHighLevel contact record (the fields we read).
type Contact struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Phone       string   `json:"phone"`
	ContactName string   `json:"contactName"`
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	Tags        []string `json:"tags"`
	Source      string   `json:"source"`
	// DND suppresses all outbound channels for this contact.
	DND bool `json:"dnd"`
}

// listMeta is the pagination block of a contact list response.
type listMeta struct {
	Total       int `json:"total"`
	CurrentPage int `json:"currentPage"`
	NextPage    int `json:"nextPage"`
}

// ContactListResponse is the /v1/contacts envelope. Contacts are kept
// raw so the adapter can stage the provider-native payload verbatim.
type ContactListResponse struct {
	Contacts []json.RawMessage `json:"contacts"`
	Meta     listMeta          `json:"meta"`
}
