package reconcile

import (
	"fmt"
	"strings"

	"github.com/simplifysolutions/payment-moneris/acquirer/models"
)

// ApprovedBelow is the exclusive upper bound of approved Moneris response codes.
const ApprovedBelow = 50

// Decision is the outcome of comparing a notification with its verification reply.
type Decision struct {
	Valid bool
	// Reasons lists every failed condition, in evaluation order.
	Reasons []string
}

func (d Decision) String() string {
	if d.Valid {
		return "VALID"
	}
	return "INVALID: " + strings.Join(d.Reasons, "; ")
}

// Reconcile decides whether the notification is a genuine approved payment. Every
// condition is evaluated so the log shows all mismatches, not just the first.
func Reconcile(p models.Payload, v models.Verification) Decision {
	var reasons []string
	fail := func(format string, args ...any) {
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	if code, err := p.Int(models.FieldResponseCode); err != nil {
		fail("payload response code: %v", err)
	} else if code >= ApprovedBelow {
		fail("payload response code %d not approved", code)
	}
	if r := p.Get(models.FieldResult); r != "1" {
		fail("payload result %q, want \"1\"", r)
	}

	if !v.Present(models.VerifyResponseCode) {
		fail("verification response code missing")
	} else if code, err := v.Int(models.VerifyResponseCode); err != nil {
		fail("verification response code: %v", err)
	} else if code >= ApprovedBelow {
		fail("verification response code %d not approved", code)
	}

	if s := v.Status(); s != models.StatusValidApproved {
		fail("verification status %q", s)
	}

	if !v.Present(models.VerifyAmount) {
		fail("verification amount missing")
	} else if amount, err := v.Float(models.VerifyAmount); err != nil {
		fail("verification amount: %v", err)
	} else if total, err := p.Float(models.FieldChargeTotal); err != nil {
		fail("payload charge total: %v", err)
	} else if amount != total {
		fail("amount %v does not match charge total %v", amount, total)
	}

	if vk, pk := v.Get(models.VerifyTransactionKey), p.Get(models.FieldTransactionKey); vk != pk {
		fail("transaction key %q does not match %q", vk, pk)
	}
	if vo, po := v.OrderID(), p.OrderID(); vo != po {
		fail("order id %q does not match %q", vo, po)
	}

	return Decision{Valid: len(reasons) == 0, Reasons: reasons}
}
