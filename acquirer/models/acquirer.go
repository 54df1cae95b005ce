package models

import (
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Environment string

const (
	EnvironmentProd Environment = "prod"
	EnvironmentTest Environment = "test"
)

// Acquirer is the per-merchant Moneris configuration. It is managed outside this
// service and only read here.
type Acquirer struct {
	Name        string      `yaml:"name" validate:"required"`
	Environment Environment `yaml:"environment" validate:"required,oneof=prod test"`
	// StoreID is the hosted page ps_store_id.
	StoreID string `yaml:"store-id" validate:"required"`
	// HPPKey is the hosted page hpp_key.
	HPPKey string `yaml:"hpp-key" validate:"required"`
	UseIPN bool   `yaml:"use-ipn"`

	APIEnabled  bool   `yaml:"api-enabled"`
	APIUsername string `yaml:"api-username" validate:"required_if=APIEnabled true"`
	APIPassword string `yaml:"api-password" validate:"required_if=APIEnabled true"`

	Fees FeeSchedule `yaml:"fees"`
	// CompanyCountry decides whether a customer is domestic for fee purposes.
	CompanyCountry string `yaml:"company-country"`
}

type FeeSchedule struct {
	Active               bool            `yaml:"active"`
	DomesticFixed        decimal.Decimal `yaml:"domestic-fixed"`
	DomesticPercent      decimal.Decimal `yaml:"domestic-percent"`
	InternationalFixed   decimal.Decimal `yaml:"international-fixed"`
	InternationalPercent decimal.Decimal `yaml:"international-percent"`
}

// DefaultFeeSchedule mirrors the defaults Moneris merchants usually start with.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		DomesticFixed:        decimal.RequireFromString("0.35"),
		DomesticPercent:      decimal.RequireFromString("3.4"),
		InternationalFixed:   decimal.RequireFromString("0.35"),
		InternationalPercent: decimal.RequireFromString("3.9"),
	}
}

// DefaultAcquirer returns the settings an acquirer entry starts from: IPN on and
// the standard fee rates, fees inactive.
func DefaultAcquirer() Acquirer {
	return Acquirer{
		UseIPN: true,
		Fees:   DefaultFeeSchedule(),
	}
}

// UnmarshalYAML decodes an acquirer entry over DefaultAcquirer, so keys left out
// of the file keep their defaults.
func (a *Acquirer) UnmarshalYAML(value *yaml.Node) error {
	type plain Acquirer
	p := plain(DefaultAcquirer())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*a = Acquirer(p)
	return nil
}
