package rest

type salePayloadJSON struct {
	Intent       string            `json:"intent"`
	Transactions []saleTransaction `json:"transactions"`
	Payer        payer             `json:"payer"`
}

type saleTransaction struct {
	Amount      amount `json:"amount"`
	Description string `json:"description"`
}

type amount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type payer struct {
	PaymentMethod      string              `json:"payment_method"`
	FundingInstruments []fundingInstrument `json:"funding_instruments,omitempty"`
}

type fundingInstrument struct {
	CreditCard creditCard `json:"credit_card"`
}

type creditCard struct {
	Number         string         `json:"number"`
	Type           string         `json:"type"`
	ExpireMonth    string         `json:"expire_month"`
	ExpireYear     string         `json:"expire_year"`
	CVV2           string         `json:"cvv2,omitempty"`
	FirstName      string         `json:"first_name,omitempty"`
	LastName       string         `json:"last_name,omitempty"`
	BillingAddress billingAddress `json:"billing_address"`
}

type billingAddress struct {
	Line1       string `json:"line1,omitempty"`
	City        string `json:"city,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
}

func salePayload(s Sale) salePayloadJSON {
	out := salePayloadJSON{
		Intent: "sale",
		Transactions: []saleTransaction{{
			Amount:      amount{Total: s.Amount.StringFixed(2), Currency: s.Currency},
			Description: s.Reference,
		}},
		Payer: payer{PaymentMethod: "moneris"},
	}
	if s.Card == nil {
		return out
	}
	out.Payer = payer{
		PaymentMethod: "credit_card",
		FundingInstruments: []fundingInstrument{{CreditCard: creditCard{
			Number:      s.Card.Number,
			Type:        s.Card.Brand,
			ExpireMonth: s.Card.ExpiryMonth,
			ExpireYear:  s.Card.ExpiryYear,
			CVV2:        s.Card.CVC,
			FirstName:   s.Partner.FirstName,
			LastName:    s.Partner.LastName,
			BillingAddress: billingAddress{
				Line1:       s.Partner.Address,
				City:        s.Partner.City,
				CountryCode: s.Partner.Country,
				PostalCode:  s.Partner.Zip,
			},
		}}},
	}
	return out
}
