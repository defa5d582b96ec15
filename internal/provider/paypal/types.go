package paypal

// Money is PayPal's decimal-string money shape.
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// TransactionInfo is the payment portion of a transaction detail row.
type TransactionInfo struct {
	TransactionID             string `json:"transaction_id"`
	TransactionStatus         string `json:"transaction_status"`
	TransactionInitiationDate string `json:"transaction_initiation_date"`
	TransactionAmount         Money  `json:"transaction_amount"`
}

// PayerName is the payer's name split the way PayPal reports it.
type PayerName struct {
	GivenName string `json:"given_name"`
	Surname   string `json:"surname"`
}

// PayerInfo is the payer portion of a transaction detail row.
type PayerInfo struct {
	EmailAddress string    `json:"email_address"`
	PayerName    PayerName `json:"payer_name"`
}

// TransactionDetail is one row of the transaction search report.
type TransactionDetail struct {
	TransactionInfo TransactionInfo `json:"transaction_info"`
	PayerInfo       PayerInfo       `json:"payer_info"`
}

// TransactionSearchResponse is the /v1/reporting/transactions envelope.
type TransactionSearchResponse struct {
	TransactionDetails []TransactionDetail `json:"transaction_details"`
	Page               int                 `json:"page"`
	TotalPages         int                 `json:"total_pages"`
	TotalItems         int                 `json:"total_items"`
}
