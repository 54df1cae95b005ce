package acquirer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"github.com/simplifysolutions/payment-moneris/internal/gateway"
	"github.com/simplifysolutions/payment-moneris/internal/lock"
	"github.com/simplifysolutions/payment-moneris/internal/reconcile"
	"github.com/simplifysolutions/payment-moneris/internal/redirect"
	"github.com/simplifysolutions/payment-moneris/internal/rest"
	"github.com/simplifysolutions/payment-moneris/internal/stamp"
	"golang.org/x/exp/slog"
)

var (
	// ErrLookup wraps every failure to resolve a notification to one transaction.
	ErrLookup = errors.New("transaction lookup failed")
	// ErrMismatch means the verification reply did not confirm the notification.
	ErrMismatch = errors.New("notification does not match verification")
	// ErrInvalidParameters means the notification contradicts the stored transaction.
	ErrInvalidParameters = errors.New("invalid notification parameters")
	ErrIPNDisabled       = errors.New("ipn disabled for acquirer")
	ErrRESTDisabled      = errors.New("rest api disabled")
	// ErrSaleFailed means the REST API refused or never completed a sale; the
	// transaction has been moved to error.
	ErrSaleFailed = errors.New("s2s sale failed")
)

type TransactionStore interface {
	FindByReference(ctx context.Context, ref string) (models.Transaction, error)
	ApplyUpdate(ctx context.Context, ref string, u models.Update) (models.Transaction, error)
	SetState(ctx context.Context, ref string, state models.State, message string) error
	ListByState(ctx context.Context, state models.State, limit int) ([]models.Transaction, error)
}

type AcquirerStore interface {
	GetByEnvironment(env models.Environment) (models.Acquirer, error)
}

type Verifier interface {
	Verify(ctx context.Context, acq models.Acquirer, env models.Environment, transactionKey string) (models.Verification, error)
}

type RESTClient interface {
	CreateSale(ctx context.Context, creds rest.Credentials, sale rest.Sale) (rest.Payment, error)
	GetPayment(ctx context.Context, creds rest.Credentials, id string) (rest.Payment, error)
}

type Dependencies struct {
	Transactions TransactionStore
	Acquirers    AcquirerStore
	Verifier     Verifier
	Locker       lock.Locker
	// REST is optional; without it the server-to-server path is disabled.
	REST RESTClient
}

type Service struct {
	repo      TransactionStore
	acquirers AcquirerStore
	verifier  Verifier
	locker    lock.Locker
	rest      RESTClient
	cfg       *Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(logger *slog.Logger, cfg *Config, deps Dependencies) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewMem()
	}
	return &Service{
		repo:      deps.Transactions,
		acquirers: deps.Acquirers,
		verifier:  deps.Verifier,
		locker:    locker,
		rest:      deps.REST,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "service")),
		now:       time.Now,
	}
}

// Result describes how a notification was handled.
type Result struct {
	Transaction models.Transaction
	Decision    reconcile.Decision
	// Duplicate is set when the transaction was already done with the same key.
	Duplicate bool
}

type source string

const (
	sourceIPN source = "ipn"
	sourceDPN source = "dpn"
	sourceAPI source = "api"
)

// HandleIPN processes an asynchronous notification. The caller always answers the
// gateway with an empty 200; the error is for logging and tests.
func (s *Service) HandleIPN(ctx context.Context, p models.Payload) (Result, error) {
	return s.validate(ctx, p, sourceIPN)
}

// HandleDPN processes the browser return and reports where to send the browser next.
func (s *Service) HandleDPN(ctx context.Context, p models.Payload) (string, Result, error) {
	res, err := s.validate(ctx, p, sourceDPN)
	if err != nil {
		return s.cfg.CancelURL, res, err
	}
	return redirect.ReturnURL(p, s.cfg.ValidateURL), res, nil
}

// ValidateNotification runs the full lookup, verify, reconcile and update sequence
// regardless of the acquirer's IPN setting.
func (s *Service) ValidateNotification(ctx context.Context, p models.Payload) (Result, error) {
	return s.validate(ctx, p, sourceAPI)
}

// Cancel handles the browser coming back from a cancelled payment. It only logs;
// the transaction is left as it is.
func (s *Service) Cancel(ctx context.Context, p models.Payload) string {
	ref := p.Reference()
	if ref == "" {
		s.logger.Info("payment cancelled without reference")
		return s.cfg.CartURL
	}
	tx, err := s.repo.FindByReference(ctx, ref)
	if err != nil {
		s.logger.Info("payment cancelled for unknown transaction", slog.String("reference", ref), slog.Any("err", err))
		return s.cfg.CartURL
	}
	s.logger.Info("payment cancelled", slog.String("reference", ref), slog.String("state", string(tx.State)))
	return s.cfg.CartURL
}

func (s *Service) validate(ctx context.Context, p models.Payload, src source) (Result, error) {
	logger := s.logger.With(slog.String("source", string(src)))
	logger.Debug("notification received", slog.Any("fields", p.Keys()))

	ref := p.Reference()
	if ref == "" {
		err := fmt.Errorf("%w: missing %s", ErrLookup, models.FieldReference)
		logger.Warn("notification rejected", slog.Any("err", err))
		return Result{}, err
	}
	logger = logger.With(slog.String("reference", ref))

	tx, err := s.repo.FindByReference(ctx, ref)
	if err != nil {
		err = fmt.Errorf("%w: reference %s: %w", ErrLookup, ref, err)
		logger.Warn("notification rejected", slog.Any("err", err))
		return Result{}, err
	}
	res := Result{Transaction: tx}

	acq, err := s.acquirers.GetByEnvironment(tx.Environment)
	if err != nil {
		logger.Error("finding acquirer", "err", err)
		return res, fmt.Errorf("finding acquirer: %w", err)
	}
	if src == sourceIPN && !acq.UseIPN {
		logger.Info("ipn ignored, acquirer does not use ipn", slog.String("acquirer", acq.Name))
		return res, ErrIPNDisabled
	}

	key := p.TransactionKey()
	if key == "" {
		err := fmt.Errorf("%w: missing %s", gateway.ErrVerification, models.FieldTransactionKey)
		logger.Warn("notification rejected", slog.Any("err", err))
		return res, err
	}
	if tx.State == models.StateDone && tx.TransactionKey == key {
		logger.Info("duplicate notification for done transaction")
		res.Decision = reconcile.Decision{Valid: true}
		res.Duplicate = true
		return res, nil
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	v, err := s.verifier.Verify(vctx, acq, tx.Environment, key)
	cancel()
	if err != nil {
		logger.Warn("verification failed", slog.Any("err", err))
		return res, err
	}

	res.Decision = reconcile.Reconcile(p, v)
	if !res.Decision.Valid {
		logger.Warn("notification invalid",
			slog.String("status", v.Status()),
			slog.String("order_id", v.OrderID()),
			slog.Any("reasons", res.Decision.Reasons))
		return res, fmt.Errorf("%w: %s", ErrMismatch, res.Decision)
	}

	updated, dup, err := s.applyFeedback(ctx, tx.Reference, p)
	if err != nil {
		logger.Warn("feedback not applied", slog.Any("err", err))
		return res, err
	}
	res.Transaction = updated
	res.Duplicate = dup
	if !dup {
		logger.Info("validated Moneris payment, set as done", slog.String("order_id", updated.OrderID))
	}
	return res, nil
}

// applyFeedback writes a verified notification under the per-reference lock.
func (s *Service) applyFeedback(ctx context.Context, ref string, p models.Payload) (models.Transaction, bool, error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()
	unlock, err := s.locker.Lock(lctx, ref)
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("locking %s: %w", ref, err)
	}
	defer unlock()

	cur, err := s.repo.FindByReference(ctx, ref)
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("%w: reference %s: %w", ErrLookup, ref, err)
	}
	if cur.State == models.StateDone {
		return doneOutcome(cur, p)
	}
	if reasons := invalidParameters(cur, p); len(reasons) > 0 {
		return cur, false, fmt.Errorf("%w: %v", ErrInvalidParameters, reasons)
	}

	validatedAt := stamp.ValidatedAt(p.Get(models.FieldDateStamp), p.Get(models.FieldTimeStamp), s.now())
	updated, err := s.repo.ApplyUpdate(ctx, ref, models.FeedbackUpdate(p, validatedAt))
	if errors.Is(err, ErrAlreadyDone) {
		// another instance finished first without sharing our lock
		return doneOutcome(updated, p)
	}
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("applying update: %w", err)
	}
	return updated, false, nil
}

func doneOutcome(cur models.Transaction, p models.Payload) (models.Transaction, bool, error) {
	if cur.TransactionKey == p.TransactionKey() {
		return cur, true, nil
	}
	return cur, false, fmt.Errorf("%w: transaction already done with another transaction key", ErrInvalidParameters)
}

// invalidParameters lists contradictions between the notification and what is stored.
func invalidParameters(tx models.Transaction, p models.Payload) []string {
	var out []string
	if txn := p.TxnNumber(); tx.GatewayTxnID != "" && txn != "" && txn != tx.GatewayTxnID {
		out = append(out, fmt.Sprintf("txn_num: received %q, expected %q", txn, tx.GatewayTxnID))
	}
	if oid := p.OrderID(); tx.AcquirerReference != "" && oid != tx.AcquirerReference {
		out = append(out, fmt.Sprintf("response_order_id: received %q, expected %q", oid, tx.AcquirerReference))
	}
	total, err := decimal.NewFromString(p.Get(models.FieldChargeTotal))
	if err != nil {
		out = append(out, fmt.Sprintf("charge_total: %q is not an amount", p.Get(models.FieldChargeTotal)))
	} else if !total.Round(2).Equal(tx.Amount.Round(2)) {
		out = append(out, fmt.Sprintf("charge_total: received %s, expected %s", total.StringFixed(2), tx.AmountString()))
	}
	return out
}
