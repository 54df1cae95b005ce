package acquirer

import (
	"context"
	"fmt"

	"github.com/simplifysolutions/payment-moneris/acquirer/models"
	"github.com/simplifysolutions/payment-moneris/internal/hpp"
)

// PaymentForm builds the hosted page form for a transaction that still awaits payment.
func (s *Service) PaymentForm(ctx context.Context, ref, returnURL string) (hpp.Form, error) {
	tx, err := s.repo.FindByReference(ctx, ref)
	if err != nil {
		return hpp.Form{}, fmt.Errorf("%w: reference %s: %w", ErrLookup, ref, err)
	}
	if tx.State != models.StateDraft && tx.State != models.StatePending {
		return hpp.Form{}, fmt.Errorf("transaction %s is %s", ref, tx.State)
	}
	acq, err := s.acquirers.GetByEnvironment(tx.Environment)
	if err != nil {
		return hpp.Form{}, fmt.Errorf("finding acquirer: %w", err)
	}
	if returnURL == "" {
		returnURL = tx.ReturnURL
	}
	return hpp.Build(s.cfg.Gateway, hpp.Request{
		Acquirer:    acq,
		Transaction: tx,
		BaseURL:     s.cfg.BaseURL,
		ReturnURL:   returnURL,
	})
}
