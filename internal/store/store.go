package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gateway-reconciler/internal/ledger"
	"gateway-reconciler/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateOrder      = errors.New("order already exists")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrLedgerEntryExists   = errors.New("ledger entry already applied")
)

const uniqueViolation = "23505"

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetMerchant retrieves a merchant by ID
func (s *Store) GetMerchant(ctx context.Context, merchantID string) (*models.Merchant, error) {
	var m models.Merchant
	err := s.db.GetContext(ctx, &m, "SELECT * FROM merchants WHERE merchant_id = $1", merchantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("merchant %s: %w", merchantID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetBalance retrieves a merchant's ledger balance
func (s *Store) GetBalance(ctx context.Context, merchantID string) (*models.Balance, error) {
	var b models.Balance
	err := s.db.GetContext(ctx, &b, "SELECT * FROM merchant_balances WHERE merchant_id = $1", merchantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("balance for merchant %s: %w", merchantID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// applyDelta adjusts a merchant balance relative to its current value and
// journals the entry. The non-negativity guard lives in the UPDATE so two
// concurrent deltas for one merchant cannot lose an update. The journal's
// unique (order_id, entry_type) key rejects a second application.
func applyDelta(ctx context.Context, tx *sqlx.Tx, merchantID, orderID string, d ledger.Delta) error {
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO merchant_balances (merchant_id) VALUES ($1) ON CONFLICT (merchant_id) DO NOTHING",
		merchantID); err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE merchant_balances
		SET available_balance = available_balance + $2,
			frozen_balance = frozen_balance + $3,
			updated_at = NOW()
		WHERE merchant_id = $1
			AND available_balance + $2 >= 0
			AND frozen_balance + $3 >= 0`,
		merchantID, d.Available, d.Frozen)
	if err != nil {
		return fmt.Errorf("failed to apply ledger delta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: merchant=%s %s", ledger.ErrNegativeBalance, merchantID, d)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (order_id, merchant_id, entry_type, available_delta, frozen_delta)
		VALUES ($1, $2, $3, $4, $5)`,
		orderID, merchantID, d.EntryType, d.Available, d.Frozen)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order=%s type=%s", ErrLedgerEntryExists, orderID, d.EntryType)
	}
	if err != nil {
		return fmt.Errorf("failed to journal ledger entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
