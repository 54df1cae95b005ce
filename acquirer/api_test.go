package acquirer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/simplifysolutions/payment-moneris/acquirer"
	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"github.com/simplifysolutions/payment-moneris/internal/gateway"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type verifyServer struct {
	srv    *httptest.Server
	calls  atomic.Int32
	status atomic.Value
}

// newVerifyServer answers verifyTxn.php the way Moneris does, echoing the posted key.
func newVerifyServer(t *testing.T) *verifyServer {
	t.Helper()
	vs := &verifyServer{}
	vs.status.Store("Valid-Approved")
	vs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vs.calls.Add(1)
		_ = r.ParseForm()
		lines := []string{
			"response_code = 25",
			"status = " + vs.status.Load().(string),
			"amount = 100.00",
			"transactionKey = " + r.PostForm.Get("transactionKey"),
			"order_id = ORD1",
		}
		w.Write([]byte(strings.Join(lines, "<br>") + "<br>"))
	}))
	t.Cleanup(vs.srv.Close)
	return vs
}

func setup(t *testing.T, useIPN bool) (chi.Router, *acquirer.Repository, *verifyServer) {
	t.Helper()
	vs := newVerifyServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard))

	cfg := acquirer.DefaultConfig()
	cfg.Gateway = gateway.URLSet{models.EnvironmentTest: {Verify: vs.srv.URL}}
	cfg.Acquirers = []models.Acquirer{{
		Name:        "moneris-test",
		Environment: models.EnvironmentTest,
		StoreID:     "store5",
		HPPKey:      "hpKEY",
		UseIPN:      useIPN,
	}}

	repo := acquirer.NewRepository()
	err := repo.CreateTransaction(context.Background(), &models.Transaction{
		ID:          "tx-1",
		Reference:   "SO042",
		Amount:      decimal.RequireFromString("100"),
		Currency:    "CAD",
		State:       models.StateDraft,
		Environment: models.EnvironmentTest,
	})
	require.NoError(t, err)

	svc := acquirer.NewService(logger, cfg, acquirer.Dependencies{
		Transactions: repo,
		Acquirers:    acquirer.NewConfigAcquirers(cfg.Acquirers),
		Verifier:     gateway.NewVerifier(logger, cfg.Gateway, vs.srv.Client()),
	})

	router := chi.NewRouter()
	acquirer.NewAPI(logger, svc).AppendRoutes(router)
	return router, repo, vs
}

func notification(overrides map[string]string) url.Values {
	form := url.Values{
		"response_code":     {"25"},
		"result":            {"1"},
		"rvaroid":           {"SO042"},
		"transactionKey":    {"abc"},
		"charge_total":      {"100.00"},
		"response_order_id": {"ORD1"},
	}
	for k, v := range overrides {
		form.Set(k, v)
	}
	return form
}

func post(router http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func stateOf(t *testing.T, repo *acquirer.Repository) models.State {
	t.Helper()
	tx, err := repo.FindByReference(context.Background(), "SO042")
	require.NoError(t, err)
	return tx.State
}

func TestIPN(t *testing.T) {
	t.Run("valid notification marks transaction done", func(t *testing.T) {
		router, repo, vs := setup(t, true)

		w := post(router, "/payment/moneris/ipn/", notification(nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Body.String())
		require.Equal(t, models.StateDone, stateOf(t, repo))
		require.EqualValues(t, 1, vs.calls.Load())

		// redelivery is answered the same way and changes nothing
		w = post(router, "/payment/moneris/ipn", notification(nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Body.String())
		require.EqualValues(t, 1, vs.calls.Load())
	})

	t.Run("declined verification answers empty 200", func(t *testing.T) {
		router, repo, vs := setup(t, true)
		vs.status.Store("Declined")

		w := post(router, "/payment/moneris/ipn/", notification(nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Body.String())
		require.Equal(t, models.StateDraft, stateOf(t, repo))
	})

	t.Run("unknown reference answers empty 200 without verifying", func(t *testing.T) {
		router, _, vs := setup(t, true)

		w := post(router, "/payment/moneris/ipn/", notification(map[string]string{"rvaroid": "SO999"}))
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Body.String())
		require.Zero(t, vs.calls.Load())
	})

	t.Run("malformed body answers empty 200", func(t *testing.T) {
		router, repo, _ := setup(t, true)

		req := httptest.NewRequest(http.MethodPost, "/payment/moneris/ipn/", strings.NewReader("%zz=%%"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Body.String())
		require.Equal(t, models.StateDraft, stateOf(t, repo))
	})

	t.Run("ignored when acquirer does not use ipn", func(t *testing.T) {
		router, repo, vs := setup(t, false)

		w := post(router, "/payment/moneris/ipn/", notification(nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Zero(t, vs.calls.Load())
		require.Equal(t, models.StateDraft, stateOf(t, repo))
	})
}

func TestDPN(t *testing.T) {
	t.Run("verified payment redirects to return url", func(t *testing.T) {
		router, repo, _ := setup(t, false)

		w := post(router, "/payment/moneris/dpn", notification(map[string]string{"return_url": "/shop/confirmation"}))
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "/shop/confirmation", w.Header().Get("Location"))
		require.Equal(t, models.StateDone, stateOf(t, repo))
	})

	t.Run("custom field return url", func(t *testing.T) {
		router, _, _ := setup(t, false)

		w := post(router, "/payment/moneris/dpn/", notification(map[string]string{
			"rvarret": `{&quot;return_url&quot;: &quot;/shop/thanks&quot;}`,
		}))
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "/shop/thanks", w.Header().Get("Location"))
	})

	t.Run("failed verification redirects to cancel url", func(t *testing.T) {
		router, repo, vs := setup(t, false)
		vs.status.Store("Declined")

		w := post(router, "/payment/moneris/dpn", notification(nil))
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "/payment/moneris/cancel/", w.Header().Get("Location"))
		require.Equal(t, models.StateDraft, stateOf(t, repo))
	})
}

func TestCancel(t *testing.T) {
	router, repo, vs := setup(t, true)

	req := httptest.NewRequest(http.MethodGet, "/payment/moneris/cancel/?rvaroid=SO042", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/shop/cart", w.Header().Get("Location"))
	require.Equal(t, models.StateDraft, stateOf(t, repo))
	require.Zero(t, vs.calls.Load())
}

func TestPaymentForm(t *testing.T) {
	router, _, _ := setup(t, true)

	req := httptest.NewRequest(http.MethodGet, "/payment/moneris/form/SO042?return_url=/shop/thanks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Contains(t, body, `name="ps_store_id" value="store5"`)
	require.Contains(t, body, `name="charge_total" value="100.00"`)
	require.Contains(t, body, `name="rvarret"`)

	req = httptest.NewRequest(http.MethodGet, "/payment/moneris/form/SO999", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTransactions(t *testing.T) {
	router, _, _ := setup(t, true)

	create := acquirer.CreateTransaction{
		Reference:   "SO100",
		Amount:      decimal.RequireFromString("25.50"),
		Currency:    "CAD",
		Environment: models.EnvironmentTest,
	}
	jsonReq, _ := json.Marshal(create)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/payment/moneris/transactions", bytes.NewBuffer(jsonReq))
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	tx := models.Transaction{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tx))
	require.NotEmpty(t, tx.ID)
	require.Equal(t, models.StateDraft, tx.State)
	require.Equal(t, "25.5", tx.Amount.String())

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/payment/moneris/transactions", bytes.NewBuffer(jsonReq))
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/payment/moneris/transactions/SO100", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/payment/moneris/transactions/SO999", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestS2S_DisabledWithoutRESTClient(t *testing.T) {
	router, _, _ := setup(t, true)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/payment/moneris/s2s/SO042", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotImplemented, w.Code)
}
