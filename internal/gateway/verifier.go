package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"github.com/sony/gobreaker"
	"golang.org/x/exp/slog"
)

var (
	ErrVerification        = errors.New("verification failed")
	ErrMalformedResponse   = errors.New("malformed verification response")
	ErrEnvironmentMismatch = errors.New("acquirer environment mismatch")
)

const (
	lineBreak = "<br>"
	separator = " = "
	// maxBody caps how much of the reply is read; verifyTxn.php answers with a few hundred bytes.
	maxBody = 64 << 10
)

// Verifier performs the echo-verification round trip against verifyTxn.php.
// Each environment trips its own circuit breaker.
type Verifier struct {
	urls     URLSet
	http     *http.Client
	breakers map[models.Environment]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func NewVerifier(logger *slog.Logger, urls URLSet, hc *http.Client) *Verifier {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	logger = logger.With(slog.String("component", "verifier"))
	breakers := make(map[models.Environment]*gobreaker.CircuitBreaker)
	for _, env := range []models.Environment{models.EnvironmentProd, models.EnvironmentTest} {
		breakers[env] = newBreaker(logger, "moneris-verify-"+string(env))
	}
	return &Verifier{
		urls:     urls,
		http:     hc,
		breakers: breakers,
		logger:   logger,
	}
}

func newBreaker(logger *slog.Logger, name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
}

// Verify asks the gateway to confirm transactionKey with the merchant's credentials.
// env is the environment of the transaction being verified and must match acq.
func (v *Verifier) Verify(ctx context.Context, acq models.Acquirer, env models.Environment, transactionKey string) (models.Verification, error) {
	if acq.Environment != env {
		return models.Verification{}, fmt.Errorf("%w: acquirer %q is %s, transaction is %s", ErrEnvironmentMismatch, acq.Name, acq.Environment, env)
	}

	form := url.Values{}
	form.Set("ps_store_id", acq.StoreID)
	form.Set("hpp_key", acq.HPPKey)
	form.Set("transactionKey", transactionKey)

	breaker, ok := v.breakers[env]
	if !ok {
		return models.Verification{}, fmt.Errorf("%w: unknown environment %q", ErrVerification, env)
	}
	target := v.urls.For(env).Verify
	res, err := breaker.Execute(func() (interface{}, error) {
		return v.post(ctx, target, form)
	})
	if err != nil {
		return models.Verification{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	body := res.([]byte)
	v.logger.Debug("verification reply", slog.String("body", string(body)))

	fields, err := ParseResponse(string(body))
	if err != nil {
		return models.Verification{}, err
	}
	return models.NewVerification(fields), nil
}

func (v *Verifier) post(ctx context.Context, target string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("verify status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// ParseResponse splits a verifyTxn.php reply into fields. Any line without the
// " = " separator fails the whole reply.
func ParseResponse(body string) (map[string]string, error) {
	out := make(map[string]string)
	for _, line := range strings.Split(body, lineBreak) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, separator)
		if !ok {
			return nil, fmt.Errorf("%w: line %q", ErrMalformedResponse, line)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}
	return out, nil
}
