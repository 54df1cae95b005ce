package acquirer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"github.com/simplifysolutions/payment-moneris/internal/gateway"
	"github.com/simplifysolutions/payment-moneris/internal/stamp"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var fixedNow = time.Date(2024, time.March, 10, 15, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

type fakeVerifier struct {
	mu    sync.Mutex
	calls int
	reply map[string]string
	err   error
	delay time.Duration
}

func (f *fakeVerifier) Verify(ctx context.Context, acq models.Acquirer, env models.Environment, key string) (models.Verification, error) {
	f.mu.Lock()
	f.calls++
	reply, err, delay := f.reply, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.Verification{}, ctx.Err()
		}
	}
	if err != nil {
		return models.Verification{}, err
	}
	return models.NewVerification(reply), nil
}

func (f *fakeVerifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func scenarioPayload(overrides map[string]string, drop ...string) models.Payload {
	m := map[string]string{
		"response_code":     "25",
		"result":            "1",
		"rvaroid":           "SO042",
		"transactionKey":    "abc",
		"charge_total":      "100.00",
		"response_order_id": "ORD1",
	}
	for k, v := range overrides {
		m[k] = v
	}
	for _, k := range drop {
		delete(m, k)
	}
	return models.NewPayload(m)
}

func scenarioReply(overrides map[string]string) map[string]string {
	m := map[string]string{
		"response_code":  "25",
		"status":         "Valid-Approved",
		"amount":         "100.00",
		"transactionKey": "abc",
		"order_id":       "ORD1",
	}
	for k, v := range overrides {
		m[k] = v
	}
	return m
}

func testAcquirer() models.Acquirer {
	return models.Acquirer{
		Name:           "moneris-test",
		Environment:    models.EnvironmentTest,
		StoreID:        "store5",
		HPPKey:         "hpKEY",
		UseIPN:         true,
		Fees:           models.DefaultFeeSchedule(),
		CompanyCountry: "CA",
	}
}

func seedTransaction(t *testing.T, repo *Repository, ref string, amount string) {
	t.Helper()
	err := repo.CreateTransaction(context.Background(), &models.Transaction{
		ID:          "id-" + ref,
		Reference:   ref,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "CAD",
		State:       models.StateDraft,
		Environment: models.EnvironmentTest,
	})
	require.NoError(t, err)
}

func newTestService(t *testing.T, v *fakeVerifier, acqs ...models.Acquirer) (*Service, *Repository) {
	t.Helper()
	if len(acqs) == 0 {
		acqs = []models.Acquirer{testAcquirer()}
	}
	repo := NewRepository()
	seedTransaction(t, repo, "SO042", "100")

	svc := NewService(testLogger(), DefaultConfig(), Dependencies{
		Transactions: repo,
		Acquirers:    NewConfigAcquirers(acqs),
		Verifier:     v,
	})
	svc.now = func() time.Time { return fixedNow }
	return svc, repo
}

func state(t *testing.T, repo *Repository, ref string) models.Transaction {
	t.Helper()
	tx, err := repo.FindByReference(context.Background(), ref)
	require.NoError(t, err)
	return tx
}

func TestScenarioA_ValidNotificationMarksDone(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, repo := newTestService(t, v)

	res, err := svc.HandleIPN(context.Background(), scenarioPayload(map[string]string{
		"txn_num":             "660110910011136190-0",
		"trans_name":          "purchase",
		"iso_code":            "01",
		"Eci":                 "7",
		"Card":                "V",
		"f4l4":                "4242***4242",
		"bank_transaction_id": "BT1",
		"bank_approval_code":  "AP1",
		"cardholder":          "Ada Lovelace",
	}))
	require.NoError(t, err)
	require.True(t, res.Decision.Valid)
	require.False(t, res.Duplicate)

	tx := state(t, repo, "SO042")
	require.Equal(t, models.StateDone, tx.State)
	require.Equal(t, "660110910011136190-0", tx.GatewayTxnID)
	require.Equal(t, "purchase", tx.TxnType)
	require.Equal(t, "ORD1", tx.OrderID)
	require.Equal(t, "ORD1", tx.AcquirerReference)
	require.Equal(t, "abc", tx.TransactionKey)
	require.Equal(t, "25", tx.ResponseCode)
	require.Equal(t, "01", tx.ISOCode)
	require.Equal(t, "7", tx.ECI)
	require.Equal(t, "V", tx.CardType)
	require.Equal(t, "4242***4242", tx.CardF4L4)
	require.Equal(t, "BT1", tx.BankTxnID)
	require.Equal(t, "AP1", tx.BankApprovalCode)
	require.Equal(t, "Ada Lovelace", tx.PartnerReference)
	require.NotNil(t, tx.ValidatedAt)
	require.True(t, tx.ValidatedAt.Equal(fixedNow))
	require.Equal(t, 1, v.Calls())
}

func TestScenarioB_DeclinedLeavesStateUnchanged(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(map[string]string{"status": "Declined"})}
	svc, repo := newTestService(t, v)

	res, err := svc.HandleIPN(context.Background(), scenarioPayload(nil))
	require.ErrorIs(t, err, ErrMismatch)
	require.False(t, res.Decision.Valid)

	tx := state(t, repo, "SO042")
	require.Equal(t, models.StateDraft, tx.State)
	require.Empty(t, tx.TransactionKey)
	require.Nil(t, tx.ValidatedAt)
}

func TestScenarioC_UnknownReferenceMakesNoGatewayCall(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, _ := newTestService(t, v)

	_, err := svc.HandleIPN(context.Background(), scenarioPayload(map[string]string{"rvaroid": "SO999"}))
	require.ErrorIs(t, err, ErrLookup)
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, v.Calls())
}

func TestScenarioD_AmountMismatch(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(map[string]string{"amount": "99.99"})}
	svc, repo := newTestService(t, v)

	res, err := svc.HandleIPN(context.Background(), scenarioPayload(nil))
	require.ErrorIs(t, err, ErrMismatch)
	require.Len(t, res.Decision.Reasons, 1)
	require.Equal(t, models.StateDraft, state(t, repo, "SO042").State)
}

func TestMissingReferenceOrKeyMakesNoGatewayCall(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, repo := newTestService(t, v)

	_, err := svc.HandleIPN(context.Background(), scenarioPayload(nil, "rvaroid"))
	require.ErrorIs(t, err, ErrLookup)

	_, err = svc.HandleIPN(context.Background(), scenarioPayload(nil, "transactionKey"))
	require.ErrorIs(t, err, gateway.ErrVerification)

	require.Zero(t, v.Calls())
	require.Equal(t, models.StateDraft, state(t, repo, "SO042").State)
}

func TestAmbiguousReference(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, repo := newTestService(t, v)
	// legacy data can carry the same reference twice; creation refuses it
	repo.transactions = append(repo.transactions, &models.Transaction{ID: "dup", Reference: "SO042", State: models.StateDraft})

	_, err := svc.HandleIPN(context.Background(), scenarioPayload(nil))
	require.ErrorIs(t, err, ErrLookup)
	require.ErrorIs(t, err, ErrAmbiguous)
	require.Zero(t, v.Calls())
}

func TestVerificationFailureLeavesStateUnchanged(t *testing.T) {
	v := &fakeVerifier{err: gateway.ErrVerification}
	svc, repo := newTestService(t, v)

	target, _, err := svc.HandleDPN(context.Background(), scenarioPayload(nil))
	require.ErrorIs(t, err, gateway.ErrVerification)
	require.Equal(t, DefaultConfig().CancelURL, target)
	require.Equal(t, models.StateDraft, state(t, repo, "SO042").State)
}

func TestVerifyIsBoundedByTimeout(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil), delay: time.Second}
	svc, repo := newTestService(t, v)
	svc.cfg.VerifyTimeout = 20 * time.Millisecond

	_, err := svc.HandleIPN(context.Background(), scenarioPayload(nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, models.StateDraft, state(t, repo, "SO042").State)
}

func TestDuplicateNotificationIsNoop(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, repo := newTestService(t, v)

	_, err := svc.HandleIPN(context.Background(), scenarioPayload(nil))
	require.NoError(t, err)
	first := state(t, repo, "SO042")

	res, err := svc.HandleIPN(context.Background(), scenarioPayload(map[string]string{"date_stamp": "2030-01-01"}))
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.True(t, res.Decision.Valid)
	require.Equal(t, 1, v.Calls())
	require.Equal(t, first, state(t, repo, "SO042"))
}

func TestLateConflictingNotificationIsRejected(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, repo := newTestService(t, v)

	_, err := svc.HandleIPN(context.Background(), scenarioPayload(nil))
	require.NoError(t, err)

	v.mu.Lock()
	v.reply = scenarioReply(map[string]string{"transactionKey": "xyz"})
	v.mu.Unlock()

	_, err = svc.HandleIPN(context.Background(), scenarioPayload(map[string]string{"transactionKey": "xyz"}))
	require.ErrorIs(t, err, ErrInvalidParameters)

	tx := state(t, repo, "SO042")
	require.Equal(t, models.StateDone, tx.State)
	require.Equal(t, "abc", tx.TransactionKey)
}

func TestConcurrentDuplicatesTransitionOnce(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil), delay: 10 * time.Millisecond}
	svc, repo := newTestService(t, v)

	const n = 16
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
		failures    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.HandleIPN(context.Background(), scenarioPayload(nil))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			if !res.Duplicate {
				transitions++
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failures)
	require.Equal(t, 1, transitions)
	require.Equal(t, models.StateDone, state(t, repo, "SO042").State)
}

func TestStoredAmountMismatchIsInvalidParameters(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, repo := newTestService(t, v)
	seedTransaction(t, repo, "SO043", "90")

	_, err := svc.HandleIPN(context.Background(), scenarioPayload(map[string]string{"rvaroid": "SO043"}))
	require.ErrorIs(t, err, ErrInvalidParameters)
	require.Equal(t, models.StateDraft, state(t, repo, "SO043").State)
}

func TestGatewayStampIsValidationTime(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, repo := newTestService(t, v)

	_, err := svc.HandleIPN(context.Background(), scenarioPayload(map[string]string{
		"date_stamp": "2024-03-09",
		"time_stamp": "23:59:01",
	}))
	require.NoError(t, err)

	want, err := stamp.Parse("2024-03-09", "23:59:01", nil)
	require.NoError(t, err)
	tx := state(t, repo, "SO042")
	require.True(t, tx.ValidatedAt.Equal(want), "got %v want %v", tx.ValidatedAt, want)
}

func TestIPNIgnoredWhenAcquirerDoesNotUseIPN(t *testing.T) {
	acq := testAcquirer()
	acq.UseIPN = false
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, repo := newTestService(t, v, acq)

	_, err := svc.HandleIPN(context.Background(), scenarioPayload(nil))
	require.ErrorIs(t, err, ErrIPNDisabled)
	require.Zero(t, v.Calls())
	require.Equal(t, models.StateDraft, state(t, repo, "SO042").State)

	// the browser return still confirms the payment
	target, _, err := svc.HandleDPN(context.Background(), scenarioPayload(nil))
	require.NoError(t, err)
	require.Equal(t, "/payment/shop/validate", target)
	require.Equal(t, models.StateDone, state(t, repo, "SO042").State)
}

func TestMissingAcquirerForEnvironment(t *testing.T) {
	acq := testAcquirer()
	acq.Environment = models.EnvironmentProd
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, _ := newTestService(t, v, acq)

	_, err := svc.ValidateNotification(context.Background(), scenarioPayload(nil))
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, v.Calls())
}

func TestHandleDPN_ReturnURL(t *testing.T) {
	cases := []struct {
		name  string
		extra map[string]string
		want  string
	}{
		{"explicit return url", map[string]string{"return_url": "/shop/confirmation"}, "/shop/confirmation"},
		{"custom field", map[string]string{"rvarret": "{&quot;return_url&quot;: &quot;/shop/thanks&quot;}"}, "/shop/thanks"},
		{"default", nil, "/payment/shop/validate"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := &fakeVerifier{reply: scenarioReply(nil)}
			svc, _ := newTestService(t, v)

			target, res, err := svc.HandleDPN(context.Background(), scenarioPayload(c.extra))
			require.NoError(t, err)
			require.True(t, res.Decision.Valid)
			require.Equal(t, c.want, target)
		})
	}
}

func TestCancelDoesNotTouchTransaction(t *testing.T) {
	v := &fakeVerifier{reply: scenarioReply(nil)}
	svc, repo := newTestService(t, v)

	require.Equal(t, "/shop/cart", svc.Cancel(context.Background(), scenarioPayload(nil)))
	require.Equal(t, "/shop/cart", svc.Cancel(context.Background(), scenarioPayload(nil, "rvaroid")))
	require.Equal(t, "/shop/cart", svc.Cancel(context.Background(), scenarioPayload(map[string]string{"rvaroid": "SO999"})))
	require.Equal(t, models.StateDraft, state(t, repo, "SO042").State)
	require.Zero(t, v.Calls())
}

func TestCreateTransaction(t *testing.T) {
	svc, _ := newTestService(t, &fakeVerifier{})

	tx, err := svc.CreateTransaction(context.Background(), CreateTransaction{
		Reference:   "SO100",
		Amount:      decimal.RequireFromString("12.345"),
		Currency:    "cad",
		Environment: models.EnvironmentTest,
	})
	require.NoError(t, err)
	require.NotEmpty(t, tx.ID)
	require.Equal(t, "CAD", tx.Currency)
	require.Equal(t, "12.35", tx.AmountString())
	require.Equal(t, models.StateDraft, tx.State)

	_, err = svc.CreateTransaction(context.Background(), CreateTransaction{
		Reference: "SO100", Amount: decimal.NewFromInt(1), Currency: "CAD", Environment: models.EnvironmentTest,
	})
	require.ErrorIs(t, err, ErrConflict)

	_, err = svc.CreateTransaction(context.Background(), CreateTransaction{
		Reference: "SO101", Amount: decimal.NewFromInt(1), Currency: "CAD", Environment: "staging",
	})
	require.True(t, errors.Is(err, ErrInvalidParameters))

	_, err = svc.CreateTransaction(context.Background(), CreateTransaction{
		Reference: "SO102", Amount: decimal.Zero, Currency: "CAD", Environment: models.EnvironmentTest,
	})
	require.ErrorIs(t, err, ErrInvalidParameters)
}
