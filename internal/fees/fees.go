package fees

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/simplifysolutions/payment-moneris/acquirer/models"
)

var hundred = decimal.NewFromInt(100)

// Compute returns the handling fee to add so that, after Moneris takes its cut, the
// merchant receives amount. customerCountry is compared with the acquirer's company
// country to pick the domestic or international rate.
func Compute(acq models.Acquirer, amount decimal.Decimal, customerCountry string) decimal.Decimal {
	if !acq.Fees.Active {
		return decimal.Zero
	}

	percent, fixed := acq.Fees.InternationalPercent, acq.Fees.InternationalFixed
	if customerCountry != "" && strings.EqualFold(customerCountry, acq.CompanyCountry) {
		percent, fixed = acq.Fees.DomesticPercent, acq.Fees.DomesticFixed
	}

	rate := percent.Div(hundred)
	denom := decimal.NewFromInt(1).Sub(rate)
	if !denom.IsPositive() {
		return decimal.Zero
	}
	return rate.Mul(amount).Add(fixed).Div(denom)
}
