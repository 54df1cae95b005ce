package redirect

import (
	"encoding/json"
	"strings"

	"github.com/simplifysolutions/payment-moneris/acquirer/models"
)

// DefaultValidateURL is used when neither return_url nor the custom field name a target.
const DefaultValidateURL = "/payment/shop/validate"

// maxDepth bounds how many encoding levels Unescape will peel off.
const maxDepth = 8

// unescapeOnce decodes one level of the entities the hosted page emits.
// &amp; must stay last or an encoded entity would be decoded twice in one pass.
func unescapeOnce(s string) string {
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// Unescape decodes s one level at a time until it stops changing. The custom field
// comes back entity-encoded once per hop through the hosted page.
func Unescape(s string) string {
	for i := 0; i < maxDepth; i++ {
		next := unescapeOnce(s)
		if next == s {
			return s
		}
		s = next
	}
	return s
}

// Escape is the inverse of a single unescape pass.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// Custom is the JSON document carried in the rvarret field.
type Custom struct {
	ReturnURL string `json:"return_url"`
}

// EncodeCustom renders the custom field for the hosted page form.
func EncodeCustom(returnURL string) (string, error) {
	b, err := json.Marshal(Custom{ReturnURL: returnURL})
	if err != nil {
		return "", err
	}
	return Escape(string(b)), nil
}

// DecodeCustom unescapes and parses the custom field.
func DecodeCustom(raw string) (Custom, error) {
	var c Custom
	if strings.TrimSpace(raw) == "" {
		return c, nil
	}
	err := json.Unmarshal([]byte(Unescape(raw)), &c)
	return c, err
}

// ReturnURL resolves where the browser goes after a verified DPN: an explicit
// return_url, then the custom field, then def (DefaultValidateURL when empty).
func ReturnURL(p models.Payload, def string) string {
	if def == "" {
		def = DefaultValidateURL
	}
	if u := strings.TrimSpace(p.Get(models.FieldReturnURL)); u != "" {
		return u
	}
	raw, ok := p.Lookup(models.FieldCustom)
	if !ok {
		return def
	}
	c, err := DecodeCustom(raw)
	if err != nil || c.ReturnURL == "" {
		return def
	}
	return c.ReturnURL
}
