package acquirer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/simplifysolutions/payment-moneris/acquirer/models"
)

var (
	ErrNotFound  = fmt.Errorf("not found")
	ErrAmbiguous = fmt.Errorf("ambiguous reference")
	ErrConflict  = fmt.Errorf("conflict")
	// ErrAlreadyDone is returned by writes that would move a done transaction.
	ErrAlreadyDone = fmt.Errorf("transaction already done")
)

// Repository stores transactions in memory or, when built with NewPGRepository, in postgres.
type Repository struct {
	mu           sync.RWMutex
	transactions []*models.Transaction

	db *sql.DB
}

func NewRepository() *Repository {
	return &Repository{
		transactions: make([]*models.Transaction, 0),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const txColumns = `id, reference, amount, currency, state, environment,
	partner_first_name, partner_last_name, partner_email, partner_address, partner_city,
	partner_zip, partner_country, partner_state, return_url,
	gateway_txn_id, txn_type, order_id, transaction_key, response_code, iso_code, eci,
	card_type, card_f4l4, bank_txn_id, bank_approval_code, partner_reference,
	acquirer_reference, state_message, validated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (models.Transaction, error) {
	var t models.Transaction
	var state, env string
	err := row.Scan(&t.ID, &t.Reference, &t.Amount, &t.Currency, &state, &env,
		&t.Partner.FirstName, &t.Partner.LastName, &t.Partner.Email, &t.Partner.Address, &t.Partner.City,
		&t.Partner.Zip, &t.Partner.Country, &t.Partner.State, &t.ReturnURL,
		&t.GatewayTxnID, &t.TxnType, &t.OrderID, &t.TransactionKey, &t.ResponseCode, &t.ISOCode, &t.ECI,
		&t.CardType, &t.CardF4L4, &t.BankTxnID, &t.BankApprovalCode, &t.PartnerReference,
		&t.AcquirerReference, &t.StateMessage, &t.ValidatedAt)
	t.State = models.State(state)
	t.Environment = models.Environment(env)
	return t, err
}

func (r *Repository) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, existing := range r.transactions {
			if existing.Reference == t.Reference {
				return fmt.Errorf("reference %s exists: %w", t.Reference, ErrConflict)
			}
		}
		cp := *t
		r.transactions = append(r.transactions, &cp)
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment.transactions(`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)
	`, t.ID, t.Reference, t.Amount, t.Currency, string(t.State), string(t.Environment),
		t.Partner.FirstName, t.Partner.LastName, t.Partner.Email, t.Partner.Address, t.Partner.City,
		t.Partner.Zip, t.Partner.Country, t.Partner.State, t.ReturnURL,
		t.GatewayTxnID, t.TxnType, t.OrderID, t.TransactionKey, t.ResponseCode, t.ISOCode, t.ECI,
		t.CardType, t.CardF4L4, t.BankTxnID, t.BankApprovalCode, t.PartnerReference,
		t.AcquirerReference, t.StateMessage, t.ValidatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("reference %s exists: %w", t.Reference, ErrConflict)
	}
	return err
}

// FindByReference returns a copy of the single transaction carrying ref.
func (r *Repository) FindByReference(ctx context.Context, ref string) (models.Transaction, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		t, err := r.findLocked(ref)
		if err != nil {
			return models.Transaction{}, err
		}
		return *t, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+txColumns+` FROM payment.transactions WHERE reference=$1 LIMIT 2`, ref)
	if err != nil {
		return models.Transaction{}, err
	}
	defer rows.Close()
	var found []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return models.Transaction{}, err
		}
		found = append(found, t)
	}
	if err := rows.Err(); err != nil {
		return models.Transaction{}, err
	}
	switch len(found) {
	case 0:
		return models.Transaction{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return models.Transaction{}, ErrAmbiguous
	}
}

func (r *Repository) findLocked(ref string) (*models.Transaction, error) {
	var match *models.Transaction
	for _, t := range r.transactions {
		if t.Reference != ref {
			continue
		}
		if match != nil {
			return nil, ErrAmbiguous
		}
		match = t
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

// ApplyUpdate writes u onto the transaction in one step. A done transaction is never
// modified: ErrAlreadyDone is returned instead.
func (r *Repository) ApplyUpdate(ctx context.Context, ref string, u models.Update) (models.Transaction, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		t, err := r.findLocked(ref)
		if err != nil {
			return models.Transaction{}, err
		}
		if t.State == models.StateDone {
			return *t, ErrAlreadyDone
		}
		u.Apply(t)
		return *t, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Transaction{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return models.Transaction{}, err
	}

	cur, err := scanTransaction(tx.QueryRowContext(ctx, `SELECT `+txColumns+` FROM payment.transactions WHERE reference=$1 FOR UPDATE`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, ErrNotFound
	}
	if err != nil {
		return models.Transaction{}, err
	}
	if cur.State == models.StateDone {
		return cur, ErrAlreadyDone
	}
	u.Apply(&cur)

	res, err := tx.ExecContext(ctx, `
		UPDATE payment.transactions
		   SET state=$2, state_message=$3, gateway_txn_id=$4, txn_type=$5, order_id=$6,
		       transaction_key=$7, response_code=$8, iso_code=$9, eci=$10, card_type=$11,
		       card_f4l4=$12, bank_txn_id=$13, bank_approval_code=$14, partner_reference=$15,
		       acquirer_reference=$16, validated_at=$17, updated_at=now()
		 WHERE id=$1 AND state <> 'done'
	`, cur.ID, string(cur.State), cur.StateMessage, cur.GatewayTxnID, cur.TxnType, cur.OrderID,
		cur.TransactionKey, cur.ResponseCode, cur.ISOCode, cur.ECI, cur.CardType,
		cur.CardF4L4, cur.BankTxnID, cur.BankApprovalCode, cur.PartnerReference,
		cur.AcquirerReference, cur.ValidatedAt)
	if err != nil {
		return models.Transaction{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Transaction{}, ErrAlreadyDone
	}
	if err := tx.Commit(); err != nil {
		return models.Transaction{}, err
	}
	return cur, nil
}

// SetState moves a transaction that is not done to state, recording message.
func (r *Repository) SetState(ctx context.Context, ref string, state models.State, message string) error {
	if !state.Valid() {
		return fmt.Errorf("invalid state %q", state)
	}
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		t, err := r.findLocked(ref)
		if err != nil {
			return err
		}
		if t.State == models.StateDone {
			return ErrAlreadyDone
		}
		t.State = state
		t.StateMessage = message
		return nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE payment.transactions SET state=$2, state_message=$3, updated_at=now()
		 WHERE reference=$1 AND state <> 'done'
	`, ref, string(state), message)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.FindByReference(ctx, ref); err != nil {
			return err
		}
		return ErrAlreadyDone
	}
	return nil
}

// ListByState returns up to limit transactions in state, oldest reference first.
func (r *Repository) ListByState(ctx context.Context, state models.State, limit int) ([]models.Transaction, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var out []models.Transaction
		for _, t := range r.transactions {
			if t.State == state {
				out = append(out, *t)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+txColumns+` FROM payment.transactions WHERE state=$1 ORDER BY created_at ASC LIMIT NULLIF($2::int, 0)`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ping returns DB readiness
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
