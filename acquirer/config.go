package acquirer

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"github.com/simplifysolutions/payment-moneris/internal/gateway"
	"github.com/simplifysolutions/payment-moneris/internal/redirect"
	"github.com/simplifysolutions/payment-moneris/internal/rest"
	"gopkg.in/yaml.v3"
)

// Config is a configuration for the Moneris acquirer service
type Config struct {
	HTTPAddr string `yaml:"http-addr"`
	// BaseURL is the public address the gateway calls back on.
	BaseURL  string `yaml:"base-url"`
	LogLevel string `yaml:"log-level" validate:"omitempty,oneof=debug info warn error"`

	// VerifyTimeout bounds one echo-verification round trip.
	VerifyTimeout time.Duration `yaml:"verify-timeout"`
	// LockTimeout bounds the wait for another worker updating the same reference.
	LockTimeout time.Duration `yaml:"lock-timeout"`

	// CancelURL is where the browser goes after a DPN that did not verify.
	CancelURL string `yaml:"cancel-url"`
	// CartURL is where the cancel endpoint sends the browser.
	CartURL string `yaml:"cart-url"`
	// ValidateURL is the DPN target when the notification names no return URL.
	ValidateURL string `yaml:"validate-url"`
	// StampTZ is the IANA zone of the gateway's date_stamp/time_stamp.
	StampTZ string `yaml:"stamp-tz"`

	Gateway gateway.URLSet `yaml:"gateway"`
	REST    rest.Config    `yaml:"rest"`
	Redis   RedisConfig    `yaml:"redis"`

	// PollInterval is how often pending REST payments are re-checked. Zero disables polling.
	PollInterval time.Duration `yaml:"poll-interval"`

	Acquirers []models.Acquirer `yaml:"acquirers" validate:"dive"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:      "localhost:8069",
		BaseURL:       "http://localhost:8069",
		LogLevel:      "info",
		VerifyTimeout: 5 * time.Second,
		LockTimeout:   10 * time.Second,
		CancelURL:     "/payment/moneris/cancel/",
		CartURL:       "/shop/cart",
		ValidateURL:   redirect.DefaultValidateURL,
		StampTZ:       "America/Toronto",
	}
}

// LoadConfig reads a YAML file over the defaults and applies environment overrides.
// An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.BaseURL = getenv("BASE_URL", cfg.BaseURL)
	cfg.Redis.Addr = getenv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and that each environment has at most one acquirer.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[models.Environment]string{}
	for _, a := range c.Acquirers {
		if prev, ok := seen[a.Environment]; ok {
			return fmt.Errorf("invalid config: acquirers %q and %q share environment %s", prev, a.Name, a.Environment)
		}
		seen[a.Environment] = a.Name
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
