package acquirer

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"github.com/simplifysolutions/payment-moneris/internal/hpp"
	"github.com/simplifysolutions/payment-moneris/internal/rest"
	"golang.org/x/exp/slog"
)

// API is a HTTP API for the Moneris callbacks
type API struct {
	svc    *Service
	logger *slog.Logger
}

func NewAPI(logger *slog.Logger, svc *Service) *API {
	return &API{
		svc:    svc,
		logger: logger.With(slog.String("component", "api")),
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/payment/moneris", func(r chi.Router) {
		r.Post("/ipn", a.ipn)
		r.Post("/ipn/", a.ipn)
		r.Post("/dpn", a.dpn)
		r.Post("/dpn/", a.dpn)
		r.Get("/cancel", a.cancel)
		r.Get("/cancel/", a.cancel)
		r.Get("/form/{reference}", a.form)
		r.Post("/s2s/{reference}", a.s2s)
		r.Post("/transactions", a.createTransaction)
		r.Get("/transactions/{reference}", a.getTransaction)
	})
}

func (a *API) createTransaction(w http.ResponseWriter, r *http.Request) {
	create := CreateTransaction{}
	err := json.NewDecoder(r.Body).Decode(&create)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tx, err := a.svc.CreateTransaction(r.Context(), create)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidParameters):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tx)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.svc.GetTransaction(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(tx)
}

// payload flattens the posted form. A body that fails to parse is logged and the
// fields parsed so far are used.
func (a *API) payload(r *http.Request) models.Payload {
	if err := r.ParseForm(); err != nil {
		a.logger.Warn("parsing notification form", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
	m := make(map[string]string, len(r.Form))
	for k, v := range r.Form {
		if len(v) > 0 {
			m[k] = v[0]
		}
	}
	return models.NewPayload(m)
}

func (a *API) ipn(w http.ResponseWriter, r *http.Request) {
	_, _ = a.svc.HandleIPN(r.Context(), a.payload(r))
	w.WriteHeader(http.StatusOK)
}

func (a *API) dpn(w http.ResponseWriter, r *http.Request) {
	target, _, _ := a.svc.HandleDPN(r.Context(), a.payload(r))
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.svc.Cancel(r.Context(), a.payload(r)), http.StatusFound)
}

func (a *API) form(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")

	f, err := a.svc.PaymentForm(r.Context(), ref, r.URL.Query().Get(models.FieldReturnURL))
	if err != nil {
		if errors.Is(err, ErrLookup) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusConflict)
		}
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := hpp.Render(w, f); err != nil {
		a.logger.Error("rendering payment form", "err", err)
	}
}

type s2sRequest struct {
	Card *struct {
		Number      string `json:"number"`
		Brand       string `json:"brand"`
		ExpiryMonth string `json:"expiry_mm"`
		ExpiryYear  string `json:"expiry_yy"`
		CVC         string `json:"cvc"`
	} `json:"card"`
}

type s2sResponse struct {
	Reference    string       `json:"reference"`
	State        models.State `json:"state"`
	GatewayTxnID string       `json:"gateway_txn_id,omitempty"`
	Message      string       `json:"message,omitempty"`
}

func (a *API) s2s(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")

	var req s2sRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	var card *rest.Card
	if req.Card != nil {
		card = &rest.Card{
			Number:      req.Card.Number,
			Brand:       req.Card.Brand,
			ExpiryMonth: req.Card.ExpiryMonth,
			ExpiryYear:  req.Card.ExpiryYear,
			CVC:         req.Card.CVC,
		}
	}

	tx, err := a.svc.S2SSale(r.Context(), ref, card)
	switch {
	case errors.Is(err, ErrLookup):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrRESTDisabled):
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	case errors.Is(err, ErrAlreadyDone):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	status := http.StatusOK
	resp := s2sResponse{Reference: ref, State: tx.State, GatewayTxnID: tx.GatewayTxnID}
	if err != nil {
		status = http.StatusInternalServerError
		if errors.Is(err, ErrSaleFailed) {
			status = http.StatusBadGateway
		}
		// report what is stored, the sale may have failed before any write
		if cur, ferr := a.svc.GetTransaction(r.Context(), ref); ferr == nil {
			resp.State = cur.State
			resp.GatewayTxnID = cur.GatewayTxnID
		}
		resp.Message = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
