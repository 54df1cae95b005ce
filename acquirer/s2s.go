package acquirer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"github.com/simplifysolutions/payment-moneris/internal/rest"
	"golang.org/x/exp/slog"
)

// pollBatch caps how many pending transactions one poll looks at.
const pollBatch = 100

func (s *Service) restAcquirer(env models.Environment) (models.Acquirer, error) {
	if s.rest == nil {
		return models.Acquirer{}, ErrRESTDisabled
	}
	acq, err := s.acquirers.GetByEnvironment(env)
	if err != nil {
		return models.Acquirer{}, fmt.Errorf("finding acquirer: %w", err)
	}
	if !acq.APIEnabled {
		return models.Acquirer{}, fmt.Errorf("acquirer %s: %w", acq.Name, ErrRESTDisabled)
	}
	return acq, nil
}

func credentials(acq models.Acquirer) rest.Credentials {
	return rest.Credentials{Username: acq.APIUsername, Password: acq.APIPassword}
}

// S2SSale charges the transaction through the REST API. card may be nil for a
// wallet payment. A sale that cannot be completed leaves the transaction in error.
func (s *Service) S2SSale(ctx context.Context, ref string, card *rest.Card) (models.Transaction, error) {
	logger := s.logger.With(slog.String("source", "s2s"), slog.String("reference", ref))

	tx, err := s.repo.FindByReference(ctx, ref)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("%w: reference %s: %w", ErrLookup, ref, err)
	}
	acq, err := s.restAcquirer(tx.Environment)
	if err != nil {
		return tx, err
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()
	unlock, err := s.locker.Lock(lctx, ref)
	if err != nil {
		return tx, fmt.Errorf("locking %s: %w", ref, err)
	}
	defer unlock()

	if tx, err = s.repo.FindByReference(ctx, ref); err != nil {
		return models.Transaction{}, fmt.Errorf("%w: reference %s: %w", ErrLookup, ref, err)
	}
	if tx.State == models.StateDone {
		return tx, ErrAlreadyDone
	}

	payment, err := s.rest.CreateSale(ctx, credentials(acq), rest.Sale{
		Reference: tx.Reference,
		Amount:    tx.Amount,
		Currency:  tx.Currency,
		Partner:   tx.Partner,
		Card:      card,
	})
	if err != nil {
		logger.Warn("s2s sale failed", slog.Any("err", err))
		if serr := s.repo.SetState(ctx, ref, models.StateError, err.Error()); serr != nil {
			logger.Error("recording s2s failure", "err", serr)
		}
		return tx, fmt.Errorf("%w: %w", ErrSaleFailed, err)
	}

	updated, err := s.repo.ApplyUpdate(ctx, ref, s.paymentUpdate(payment))
	if err != nil {
		return tx, fmt.Errorf("applying s2s result: %w", err)
	}
	logger.Info("s2s sale processed", slog.String("payment_id", payment.ID), slog.String("state", string(updated.State)))
	if updated.State == models.StateError {
		return updated, fmt.Errorf("%w: %s", ErrSaleFailed, updated.StateMessage)
	}
	return updated, nil
}

// PollPending re-reads the REST status of pending transactions and applies any
// change. It returns how many transactions moved.
func (s *Service) PollPending(ctx context.Context) (int, error) {
	if s.rest == nil {
		return 0, ErrRESTDisabled
	}
	pending, err := s.repo.ListByState(ctx, models.StatePending, pollBatch)
	if err != nil {
		return 0, fmt.Errorf("listing pending transactions: %w", err)
	}

	moved := 0
	for _, tx := range pending {
		if tx.GatewayTxnID == "" {
			continue
		}
		ok, err := s.refreshStatus(ctx, tx)
		if err != nil {
			if errors.Is(err, ErrRESTDisabled) {
				continue
			}
			s.logger.Warn("polling payment status", slog.String("reference", tx.Reference), slog.Any("err", err))
			continue
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func (s *Service) refreshStatus(ctx context.Context, tx models.Transaction) (bool, error) {
	acq, err := s.restAcquirer(tx.Environment)
	if err != nil {
		return false, err
	}
	payment, err := s.rest.GetPayment(ctx, credentials(acq), tx.GatewayTxnID)
	if err != nil {
		return false, err
	}
	u := s.paymentUpdate(payment)
	if u.State == models.StatePending {
		return false, nil
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()
	unlock, err := s.locker.Lock(lctx, tx.Reference)
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, err := s.repo.ApplyUpdate(ctx, tx.Reference, u); err != nil {
		if errors.Is(err, ErrAlreadyDone) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) paymentUpdate(p rest.Payment) models.Update {
	u := models.Update{
		State:        rest.MapState(p.State),
		GatewayTxnID: p.ID,
	}
	switch u.State {
	case models.StateDone:
		at := s.now()
		if t, err := time.Parse(time.RFC3339, p.UpdateTime); err == nil {
			at = t
		}
		u.ValidatedAt = &at
	case models.StateError:
		u.StateMessage = fmt.Sprintf("unrecognized Moneris payment status %q", p.State)
	}
	return u
}
