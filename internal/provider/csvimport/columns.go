package csvimport

import (
	"strings"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/provider"
)

// columnMap holds the detected index of each canonical field in the CSV
// header, -1 when absent.
type columnMap struct {
	email     int
	phone     int
	fullName  int
	firstName int
	lastName  int
	tags      int
	optEmail  int
	optSMS    int
	optWA     int
}

// mapColumns detects canonical fields from common header spellings.
// Matching is case-insensitive and ignores spaces/underscores.
func mapColumns(header []string) columnMap {
	cols := columnMap{email: -1, phone: -1, fullName: -1, firstName: -1, lastName: -1, tags: -1, optEmail: -1, optSMS: -1, optWA: -1}
	for i, h := range header {
		switch normalizeHeader(h) {
		case "email", "emailaddress", "mail":
			cols.email = i
		case "phone", "phonenumber", "mobile", "tel", "whatsapp":
			cols.phone = i
		case "name", "fullname", "contactname":
			cols.fullName = i
		case "firstname", "givenname":
			cols.firstName = i
		case "lastname", "surname", "familyname":
			cols.lastName = i
		case "tags", "labels":
			cols.tags = i
		case "emailoptin", "optinemail":
			cols.optEmail = i
		case "smsoptin", "optinsms":
			cols.optSMS = i
		case "whatsappoptin", "optinwhatsapp":
			cols.optWA = i
		}
	}
	return cols
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "")
	h = strings.ReplaceAll(h, "_", "")
	h = strings.ReplaceAll(h, "-", "")
	return h
}

func (cols columnMap) extract(row []string) provider.RawContact {
	get := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	c := provider.RawContact{
		Email:    strings.ToLower(get(cols.email)),
		Phone:    get(cols.phone),
		FullName: get(cols.fullName),
	}
	if c.FullName == "" {
		c.FullName = strings.TrimSpace(get(cols.firstName) + " " + get(cols.lastName))
	}
	if raw := get(cols.tags); raw != "" {
		for _, t := range strings.Split(raw, ";") {
			if t = strings.TrimSpace(t); t != "" {
				c.Tags = append(c.Tags, t)
			}
		}
	}
	c.OptIns = domain.OptIns{
		Email:    truthy(get(cols.optEmail)),
		SMS:      truthy(get(cols.optSMS)),
		WhatsApp: truthy(get(cols.optWA)),
	}
	return c
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}
