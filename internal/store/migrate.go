package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gateway-reconciler/internal/models"

	"github.com/shopspring/decimal"
)

// Migrate applies every *.sql file in fsys that is not yet recorded in
// schema_migrations, in lexical order. It returns the names it applied.
func (s *Store) Migrate(ctx context.Context, fsys fs.FS) ([]string, error) {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("failed to ensure schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var applied []string
	for _, file := range files {
		var done bool
		if err := s.db.GetContext(ctx, &done,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1)", file); err != nil {
			return applied, fmt.Errorf("failed to check migration %s: %w", file, err)
		}
		if done {
			continue
		}

		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, err
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return applied, err
		}
		if strings.TrimSpace(string(data)) != "" {
			if _, err := tx.ExecContext(ctx, string(data)); err != nil {
				tx.Rollback()
				return applied, fmt.Errorf("failed to apply migration %s: %w", file, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", file); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}
		applied = append(applied, file)
	}
	return applied, nil
}

// SeedMerchant inserts or updates a merchant. A new merchant gets a balance
// row holding openingBalance; an existing balance is left untouched.
func (s *Store) SeedMerchant(ctx context.Context, m *models.Merchant, openingBalance decimal.Decimal) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO merchants (merchant_id, name, secret_key, payin_fee_rate, payout_fee_rate,
			payout_fee_fixed, payin_gateway, payout_gateway, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (merchant_id) DO UPDATE
		SET name = EXCLUDED.name, secret_key = EXCLUDED.secret_key,
			payin_fee_rate = EXCLUDED.payin_fee_rate, payout_fee_rate = EXCLUDED.payout_fee_rate,
			payout_fee_fixed = EXCLUDED.payout_fee_fixed, payin_gateway = EXCLUDED.payin_gateway,
			payout_gateway = EXCLUDED.payout_gateway, enabled = EXCLUDED.enabled`,
		m.MerchantID, m.Name, m.SecretKey, m.PayInFeeRate, m.PayOutFeeRate,
		m.PayOutFeeFixed, m.PayInGateway, m.PayOutGateway, m.Enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert merchant: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO merchant_balances (merchant_id, available_balance)
		VALUES ($1, $2)
		ON CONFLICT (merchant_id) DO NOTHING`,
		m.MerchantID, openingBalance)
	if err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}
	return tx.Commit()
}
