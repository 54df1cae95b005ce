package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NullValue is what Moneris writes for a field it has no value for.
const NullValue = "null"

// Fields is an immutable string-keyed mapping received from (or returned by) the
// gateway. The zero value is an empty mapping.
type Fields struct {
	m map[string]string
}

func NewFields(m map[string]string) Fields {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return Fields{m: c}
}

// Lookup returns the raw value and whether the key was sent at all.
func (f Fields) Lookup(key string) (string, bool) {
	v, ok := f.m[key]
	return v, ok
}

// Get returns the raw value, or "" when absent.
func (f Fields) Get(key string) string {
	return f.m[key]
}

// Present reports whether the key was sent and is not the literal null marker.
func (f Fields) Present(key string) bool {
	v, ok := f.m[key]
	return ok && v != NullValue
}

func (f Fields) Int(key string) (int, error) {
	v, ok := f.m[key]
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, ErrFieldAbsent)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func (f Fields) Float(key string) (float64, error) {
	v, ok := f.m[key]
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, ErrFieldAbsent)
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, v)
	}
	return n, nil
}

func (f Fields) Len() int {
	return len(f.m)
}

// Keys returns the sorted field names, handy for logging.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f.m))
	for k := range f.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var ErrFieldAbsent = fmt.Errorf("field absent")

// Payload is a notification posted by the gateway to the IPN, DPN or cancel endpoint.
type Payload struct {
	Fields
}

func NewPayload(m map[string]string) Payload {
	return Payload{Fields: NewFields(m)}
}

func (p Payload) Reference() string      { return p.Get(FieldReference) }
func (p Payload) TransactionKey() string { return p.Get(FieldTransactionKey) }
func (p Payload) OrderID() string        { return p.Get(FieldResponseOrderID) }
func (p Payload) TxnNumber() string      { return p.Get(FieldTxnNumber) }

// Verification is the parsed reply of the echo-verification call.
type Verification struct {
	Fields
}

func NewVerification(m map[string]string) Verification {
	return Verification{Fields: NewFields(m)}
}

func (v Verification) Status() string  { return v.Get(VerifyStatus) }
func (v Verification) OrderID() string { return v.Get(VerifyOrderID) }

// Field names posted by the hosted payment page.
const (
	FieldReference         = "rvaroid"
	FieldCustom            = "rvarret"
	FieldReturnURL         = "return_url"
	FieldResponseCode      = "response_code"
	FieldResult            = "result"
	FieldTransactionKey    = "transactionKey"
	FieldChargeTotal       = "charge_total"
	FieldResponseOrderID   = "response_order_id"
	FieldTxnNumber         = "txn_num"
	FieldTransName         = "trans_name"
	FieldISOCode           = "iso_code"
	FieldECI               = "Eci"
	FieldCard              = "Card"
	FieldF4L4              = "f4l4"
	FieldBankTransactionID = "bank_transaction_id"
	FieldBankApprovalCode  = "bank_approval_code"
	FieldCardholder        = "cardholder"
	FieldDateStamp         = "date_stamp"
	FieldTimeStamp         = "time_stamp"
)

// Field names returned by verifyTxn.php.
const (
	VerifyResponseCode   = "response_code"
	VerifyStatus         = "status"
	VerifyAmount         = "amount"
	VerifyTransactionKey = "transactionKey"
	VerifyOrderID        = "order_id"
)

// StatusValidApproved is the only verification status accepted as a payment.
const StatusValidApproved = "Valid-Approved"
