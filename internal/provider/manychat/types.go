package manychat

import "encoding/json"

// Tag is a ManyChat audience tag.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// tagListResponse is the getTags envelope.
type tagListResponse struct {
	Status string `json:"status"`
	Data   []Tag  `json:"data"`
}

// Subscriber is a ManyChat subscriber record (the fields we read).
type Subscriber struct {
	ID            string `json:"id"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	WhatsAppPhone string `json:"whatsapp_phone"`
	OptInEmail    bool   `json:"opt_in_email"`
	OptInSMS      bool   `json:"opt_in_sms"`
	OptInWhatsApp bool   `json:"opt_in_whatsapp"`
}

// subscriberListResponse is the getSubscribersByTag envelope. Rows are
// kept raw so the adapter can stage the native payload verbatim.
type subscriberListResponse struct {
	Status string            `json:"status"`
	Data   []json.RawMessage `json:"data"`
}
