package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateDraft     State = "draft"
	StatePending   State = "pending"
	StateDone      State = "done"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

func (s State) Valid() bool {
	switch s {
	case StateDraft, StatePending, StateDone, StateError, StateCancelled:
		return true
	}
	return false
}

// Partner holds the billing details sent to the hosted payment page.
type Partner struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	Zip       string `json:"zip,omitempty"`
	Country   string `json:"country,omitempty"`
	State     string `json:"state,omitempty"`
}

type Transaction struct {
	ID          string          `json:"id"`
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	State       State           `json:"state"`
	Environment Environment     `json:"environment"`
	Partner     Partner         `json:"partner"`
	// ReturnURL is where the browser goes after a successful DPN.
	ReturnURL string `json:"return_url,omitempty"`

	GatewayTxnID      string     `json:"gateway_txn_id,omitempty"`
	TxnType           string     `json:"txn_type,omitempty"`
	OrderID           string     `json:"order_id,omitempty"`
	TransactionKey    string     `json:"transaction_key,omitempty"`
	ResponseCode      string     `json:"response_code,omitempty"`
	ISOCode           string     `json:"iso_code,omitempty"`
	ECI               string     `json:"eci,omitempty"`
	CardType          string     `json:"card_type,omitempty"`
	CardF4L4          string     `json:"card_f4l4,omitempty"`
	BankTxnID         string     `json:"bank_txn_id,omitempty"`
	BankApprovalCode  string     `json:"bank_approval_code,omitempty"`
	PartnerReference  string     `json:"partner_reference,omitempty"`
	AcquirerReference string     `json:"acquirer_reference,omitempty"`
	StateMessage      string     `json:"state_message,omitempty"`
	ValidatedAt       *time.Time `json:"validated_at,omitempty"`
}

// Update is the set of acquirer fields written together with a state change.
// Empty strings leave the stored value untouched.
type Update struct {
	State             State
	StateMessage      string
	GatewayTxnID      string
	TxnType           string
	OrderID           string
	TransactionKey    string
	ResponseCode      string
	ISOCode           string
	ECI               string
	CardType          string
	CardF4L4          string
	BankTxnID         string
	BankApprovalCode  string
	PartnerReference  string
	AcquirerReference string
	ValidatedAt       *time.Time
}

// Apply copies the update onto t. It does not check the state machine.
func (u Update) Apply(t *Transaction) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&t.GatewayTxnID, u.GatewayTxnID)
	set(&t.TxnType, u.TxnType)
	set(&t.OrderID, u.OrderID)
	set(&t.TransactionKey, u.TransactionKey)
	set(&t.ResponseCode, u.ResponseCode)
	set(&t.ISOCode, u.ISOCode)
	set(&t.ECI, u.ECI)
	set(&t.CardType, u.CardType)
	set(&t.CardF4L4, u.CardF4L4)
	set(&t.BankTxnID, u.BankTxnID)
	set(&t.BankApprovalCode, u.BankApprovalCode)
	set(&t.PartnerReference, u.PartnerReference)
	set(&t.AcquirerReference, u.AcquirerReference)
	if u.State != "" {
		t.State = u.State
	}
	t.StateMessage = u.StateMessage
	if u.ValidatedAt != nil {
		ts := *u.ValidatedAt
		t.ValidatedAt = &ts
	}
}

// FeedbackUpdate maps a verified hosted-page notification onto a done update.
func FeedbackUpdate(p Payload, validatedAt time.Time) Update {
	return Update{
		State:             StateDone,
		GatewayTxnID:      p.Get(FieldTxnNumber),
		TxnType:           p.Get(FieldTransName),
		OrderID:           p.Get(FieldResponseOrderID),
		TransactionKey:    p.Get(FieldTransactionKey),
		ResponseCode:      p.Get(FieldResponseCode),
		ISOCode:           p.Get(FieldISOCode),
		ECI:               p.Get(FieldECI),
		CardType:          p.Get(FieldCard),
		CardF4L4:          p.Get(FieldF4L4),
		BankTxnID:         p.Get(FieldBankTransactionID),
		BankApprovalCode:  p.Get(FieldBankApprovalCode),
		PartnerReference:  p.Get(FieldCardholder),
		AcquirerReference: p.Get(FieldResponseOrderID),
		ValidatedAt:       &validatedAt,
	}
}

// AmountString formats the amount the way the gateway echoes it back.
func (t *Transaction) AmountString() string {
	return t.Amount.StringFixed(2)
}

func (t *Transaction) String() string {
	return fmt.Sprintf("%s (%s %s, %s)", t.Reference, t.AmountString(), t.Currency, t.State)
}
