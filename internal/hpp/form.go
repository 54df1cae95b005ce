// Package hpp builds the hosted payment page redirect form.
package hpp

import (
	"fmt"
	"html/template"
	"io"
	"net/url"
	"sort"

	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"github.com/simplifysolutions/payment-moneris/internal/fees"
	"github.com/simplifysolutions/payment-moneris/internal/gateway"
	"github.com/simplifysolutions/payment-moneris/internal/redirect"
)

// Callback paths served by this service, joined to the public base URL.
const (
	NotifyPath = "/payment/moneris/ipn/"
	ReturnPath = "/payment/moneris/dpn/"
	CancelPath = "/payment/moneris/cancel/"
)

type Field struct {
	Name  string
	Value string
}

// Form is a ready-to-post hosted page request.
type Form struct {
	Action string
	Fields []Field
}

type Request struct {
	Acquirer    models.Acquirer
	Transaction models.Transaction
	// BaseURL is the public address of this service.
	BaseURL string
	// ReturnURL, when set, travels through the gateway in rvarret.
	ReturnURL string
}

func Build(urls gateway.URLSet, req Request) (Form, error) {
	base, err := url.Parse(req.BaseURL)
	if err != nil {
		return Form{}, fmt.Errorf("parsing base url: %w", err)
	}
	join := func(p string) string {
		return base.ResolveReference(&url.URL{Path: p}).String()
	}

	tx, acq, partner := req.Transaction, req.Acquirer, req.Transaction.Partner
	v := map[string]string{
		"ps_store_id":   acq.StoreID,
		"hpp_key":       acq.HPPKey,
		"charge_total":  tx.AmountString(),
		"order_id":      tx.Reference,
		"rvaroid":       tx.Reference,
		"cust_id":       partner.Email,
		"email":         partner.Email,
		"lang":          "en-ca",
		"notify_url":    join(NotifyPath),
		"return":        join(ReturnPath),
		"cancel_return": join(CancelPath),

		"bill_first_name":        partner.FirstName,
		"bill_last_name":         partner.LastName,
		"bill_address_one":       partner.Address,
		"bill_city":              partner.City,
		"bill_state_or_province": partner.State,
		"bill_postal_code":       partner.Zip,
		"bill_country":           partner.Country,
	}
	if acq.Fees.Active {
		v["handling"] = fees.Compute(acq, tx.Amount, partner.Country).StringFixed(2)
	}
	if req.ReturnURL != "" {
		custom, err := redirect.EncodeCustom(req.ReturnURL)
		if err != nil {
			return Form{}, fmt.Errorf("encoding return url: %w", err)
		}
		v[models.FieldCustom] = custom
	}

	f := Form{Action: urls.For(tx.Environment).Form}
	for name, value := range v {
		if value == "" {
			continue
		}
		f.Fields = append(f.Fields, Field{Name: name, Value: value})
	}
	sort.Slice(f.Fields, func(i, j int) bool { return f.Fields[i].Name < f.Fields[j].Name })
	return f, nil
}

// Value returns the named field, or "" when the form does not carry it.
func (f Form) Value(name string) string {
	for _, fl := range f.Fields {
		if fl.Name == name {
			return fl.Value
		}
	}
	return ""
}

var page = template.Must(template.New("hpp").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Redirecting to Moneris</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
<noscript><button type="submit">Continue to payment</button></noscript>
</form>
</body>
</html>
`))

// Render writes an auto-submitting HTML page for f.
func Render(w io.Writer, f Form) error {
	return page.Execute(w, f)
}
