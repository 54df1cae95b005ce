package acquirer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simplifysolutions/payment-moneris/acquirer/models"
)

// CreateTransaction is the request the order system sends to open a payment.
type CreateTransaction struct {
	Reference   string             `json:"reference" validate:"required,max=64"`
	Amount      decimal.Decimal    `json:"amount"`
	Currency    string             `json:"currency" validate:"required,len=3"`
	Environment models.Environment `json:"environment" validate:"required,oneof=prod test"`
	Partner     models.Partner     `json:"partner"`
	ReturnURL   string             `json:"return_url,omitempty"`
}

// Creator is implemented by stores that accept new transactions.
type Creator interface {
	CreateTransaction(ctx context.Context, t *models.Transaction) error
}

func (s *Service) CreateTransaction(ctx context.Context, req CreateTransaction) (*models.Transaction, error) {
	creator, ok := s.repo.(Creator)
	if !ok {
		return nil, fmt.Errorf("transaction store is read-only")
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParameters)
	}

	tx := &models.Transaction{
		ID:          uuid.New().String(),
		Reference:   req.Reference,
		Amount:      req.Amount.Round(2),
		Currency:    strings.ToUpper(req.Currency),
		State:       models.StateDraft,
		Environment: req.Environment,
		Partner:     req.Partner,
		ReturnURL:   req.ReturnURL,
	}
	if err := creator.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("creating transaction: %w", err)
	}
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, ref string) (models.Transaction, error) {
	tx, err := s.repo.FindByReference(ctx, ref)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("%w: reference %s: %w", ErrLookup, ref, err)
	}
	return tx, nil
}
