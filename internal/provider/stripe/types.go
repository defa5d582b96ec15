package stripe

import "encoding/json"

// listEnvelope is the common shape of Stripe list responses.
type listEnvelope struct {
	Object  string          `json:"object"`
	HasMore bool            `json:"has_more"`
	Data    json.RawMessage `json:"data"`
}

// BillingDetails carries the payer identity attached to a charge.
type BillingDetails struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Charge is a Stripe charge object (the fields we read).
type Charge struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Status         string         `json:"status"`
	Paid           bool           `json:"paid"`
	Created        int64          `json:"created"`
	Customer       string         `json:"customer"`
	BillingDetails BillingDetails `json:"billing_details"`
}

// CustomerRef is a Stripe customer reference that arrives either as a
// bare ID string or, when expanded, as an object. We always request
// expansion on subscriptions so email/name are available.
type CustomerRef struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// UnmarshalJSON accepts both the string and object encodings.
func (c *CustomerRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.ID)
	}
	type alias CustomerRef
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = CustomerRef(a)
	return nil
}

// Subscription is a Stripe subscription object (the fields we read).
type Subscription struct {
	ID       string      `json:"id"`
	Status   string      `json:"status"`
	Created  int64       `json:"created"`
	Customer CustomerRef `json:"customer"`
	TrialEnd int64       `json:"trial_end"`
}

// Invoice is a Stripe invoice object (the fields we read).
type Invoice struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	Created       int64  `json:"created"`
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
}
