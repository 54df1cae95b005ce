package gateway

import "github.com/simplifysolutions/payment-moneris/acquirer/models"

// URLs are the hosted payment page endpoints of one Moneris environment.
type URLs struct {
	Form   string `yaml:"form"`
	Verify string `yaml:"verify"`
}

var defaultURLs = map[models.Environment]URLs{
	models.EnvironmentProd: {
		Form:   "https://www3.moneris.com/HPPDP/index.php",
		Verify: "https://www3.moneris.com/HPPDP/verifyTxn.php",
	},
	models.EnvironmentTest: {
		Form:   "https://esqa.moneris.com/HPPDP/index.php",
		Verify: "https://esqa.moneris.com/HPPDP/verifyTxn.php",
	},
}

// URLSet resolves environment URLs, falling back to the public Moneris hosts.
type URLSet map[models.Environment]URLs

func (s URLSet) For(env models.Environment) URLs {
	def := defaultURLs[env]
	if def.Form == "" {
		// anything that is not prod is the sandbox
		def = defaultURLs[models.EnvironmentTest]
	}
	u, ok := s[env]
	if !ok {
		return def
	}
	if u.Form == "" {
		u.Form = def.Form
	}
	if u.Verify == "" {
		u.Verify = def.Verify
	}
	return u
}
