// Package rest talks to the Moneris payments REST API (server-to-server).
//
// The integration is experimental: only the sandbox host is built in and the
// production host must come from configuration.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"golang.org/x/exp/slog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	SandboxBaseURL = "https://api.sandbox.moneris.com"
	DefaultTries   = 3

	internalServiceError = "INTERNAL_SERVICE_ERROR"
)

var (
	// ErrTransient marks a gateway answer worth retrying.
	ErrTransient = errors.New("transient gateway error")
	// ErrGiveUp is returned once every attempt failed transiently.
	ErrGiveUp = errors.New("gateway unavailable")
)

type Config struct {
	BaseURL  string `yaml:"base-url"`
	TokenURL string `yaml:"token-url"`
	Tries    int    `yaml:"tries"`
}

type Credentials struct {
	Username string
	Password string
}

type Client struct {
	baseURL  string
	tokenURL string
	tries    int
	http     *http.Client
	logger   *slog.Logger
}

func New(logger *slog.Logger, cfg Config, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = SandboxBaseURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = base + "/v1/oauth2/token"
	}
	tries := cfg.Tries
	if tries <= 0 {
		tries = DefaultTries
	}
	return &Client{
		baseURL:  base,
		tokenURL: tokenURL,
		tries:    tries,
		http:     hc,
		logger:   logger.With(slog.String("component", "rest")),
	}
}

// Card is the funding instrument of a direct card sale.
type Card struct {
	Number      string
	Brand       string
	ExpiryMonth string
	ExpiryYear  string
	CVC         string
}

type Sale struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Partner   models.Partner
	// Card is nil for a redirect (wallet) sale.
	Card *Card
}

// Payment is the subset of the payments resource this service reads.
type Payment struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	CreateTime string `json:"create_time,omitempty"`
	UpdateTime string `json:"update_time,omitempty"`
}

// MapState translates a REST payment state into a transaction state.
func MapState(state string) models.State {
	switch state {
	case "approved":
		return models.StateDone
	case "pending", "expired":
		return models.StatePending
	default:
		return models.StateError
	}
}

// AccessToken exchanges the merchant REST credentials for a bearer token.
func (c *Client) AccessToken(ctx context.Context, creds Credentials) (string, error) {
	cc := clientcredentials.Config{
		ClientID:     creds.Username,
		ClientSecret: creds.Password,
		TokenURL:     c.tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	hc := &http.Client{
		Timeout:   c.http.Timeout,
		Transport: headerTransport{base: c.http.Transport},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)

	var token string
	err := c.try(ctx, "token", func() error {
		tok, err := cc.Token(ctx)
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) && isInternalServiceError(re.Body) {
				return fmt.Errorf("%w: %v", ErrTransient, err)
			}
			return fmt.Errorf("requesting access token: %w", err)
		}
		token = tok.AccessToken
		return nil
	})
	return token, err
}

// CreateSale charges the transaction amount in one step.
func (c *Client) CreateSale(ctx context.Context, creds Credentials, sale Sale) (Payment, error) {
	token, err := c.AccessToken(ctx, creds)
	if err != nil {
		return Payment{}, err
	}
	body, err := json.Marshal(salePayload(sale))
	if err != nil {
		return Payment{}, fmt.Errorf("encoding sale: %w", err)
	}
	var p Payment
	err = c.try(ctx, "sale", func() error {
		return c.do(ctx, http.MethodPost, c.baseURL+"/v1/payments/payment", token, body, &p)
	})
	return p, err
}

// GetPayment reads the current state of a payment created by CreateSale.
func (c *Client) GetPayment(ctx context.Context, creds Credentials, id string) (Payment, error) {
	if id == "" {
		return Payment{}, fmt.Errorf("payment id is required")
	}
	token, err := c.AccessToken(ctx, creds)
	if err != nil {
		return Payment{}, err
	}
	var p Payment
	err = c.try(ctx, "status", func() error {
		return c.do(ctx, http.MethodGet, c.baseURL+"/v1/payments/payment/"+id, token, nil, &p)
	})
	return p, err
}

// try runs fn up to c.tries times, retrying only transient failures. Attempts are
// not interrupted once started; ctx only bounds each HTTP call.
func (c *Client) try(ctx context.Context, call string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.tries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return err
		}
		c.logger.Warn("failed contacting Moneris, retrying",
			slog.String("call", call),
			slog.Int("remaining", c.tries-attempt),
			slog.Any("err", err))
	}
	return fmt.Errorf("%s: %w after %d attempts: %v", call, ErrGiveUp, c.tries, err)
}

func (c *Client) do(ctx context.Context, method, target, token string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		if isInternalServiceError(b) {
			return fmt.Errorf("%w: status=%d", ErrTransient, resp.StatusCode)
		}
		return fmt.Errorf("%s %s status=%d body=%s", method, target, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func isInternalServiceError(body []byte) bool {
	var e struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	return e.Name == internalServiceError
}

type headerTransport struct {
	base http.RoundTripper
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	r = r.Clone(r.Context())
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Accept-Language", "en_US")
	return base.RoundTrip(r)
}
