package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gateway-reconciler/internal/ledger"
	"gateway-reconciler/internal/models"

	"github.com/jmoiron/sqlx/types"
)

// FinalizeParams describes a terminal transition of a pending order
type FinalizeParams struct {
	OrderID        string
	Status         models.OrderStatus
	Payload        []byte
	Source         string
	GatewayTradeNo string
}

// CreateOrder inserts a pending order. A pay-out reserves amount + fee from
// the merchant's available balance in the same transaction.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (
			order_id, merchant_order_id, merchant_id, direction, amount, fee, net_amount,
			status, gateway_code, notify_url, account_name, account_number, bank_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		order.OrderID, order.MerchantOrderID, order.MerchantID, order.Direction,
		order.Amount, order.Fee, order.NetAmount, order.Status, order.GatewayCode,
		order.NotifyURL, order.AccountName, order.AccountNumber, order.BankCode,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: merchant=%s merchant_order_id=%s", ErrDuplicateOrder, order.MerchantID, order.MerchantOrderID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if order.Direction == models.DirectionPayOut {
		if err := applyDelta(ctx, tx, order.MerchantID, order.OrderID, ledger.ReserveDelta(order)); err != nil {
			if errors.Is(err, ledger.ErrNegativeBalance) {
				return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
			}
			return err
		}
	}

	return tx.Commit()
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByMerchantOrderID retrieves an order by the merchant's own order number
func (s *Store) GetOrderByMerchantOrderID(ctx context.Context, merchantID, merchantOrderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE merchant_id = $1 AND merchant_order_id = $2",
		merchantID, merchantOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s/%s: %w", merchantID, merchantOrderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByGatewayTradeNo retrieves an order by the gateway's tracking id
func (s *Store) GetOrderByGatewayTradeNo(ctx context.Context, gatewayCode, tradeNo string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE gateway_code = $1 AND gateway_trade_no = $2 AND gateway_trade_no <> ''",
		gatewayCode, tradeNo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s/%s: %w", gatewayCode, tradeNo, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkSubmitted stores the gateway's reference after a successful submission.
// It does not look at status: a fast callback may already have finalized the order.
func (s *Store) MarkSubmitted(ctx context.Context, orderID, tradeNo, paymentURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET gateway_trade_no = COALESCE(NULLIF($2, ''), gateway_trade_no),
			payment_url = $3, submit_error = '', updated_at = NOW()
		WHERE order_id = $1`,
		orderID, tradeNo, paymentURL)
	return err
}

// MarkSubmitFailed records why submission failed; the order stays pending
func (s *Store) MarkSubmitFailed(ctx context.Context, orderID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET submit_error = $2, updated_at = NOW() WHERE order_id = $1",
		orderID, reason)
	return err
}

// FinalizeOrder moves a pending order to a terminal status and applies its
// ledger effect in one transaction. The conditional UPDATE row-locks the
// order, so of two concurrent finalizations only one sees status = 'pending'.
// When the order was already terminal the current row is returned with
// applied = false.
func (s *Store) FinalizeOrder(ctx context.Context, p FinalizeParams) (*models.Order, bool, error) {
	if !p.Status.Terminal() {
		return nil, false, fmt.Errorf("cannot finalize order %s to %q", p.OrderID, p.Status)
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, `
		UPDATE orders
		SET status = $2,
			finalized_at = NOW(),
			updated_at = NOW(),
			callback_payload = $3,
			finalize_source = $4,
			gateway_trade_no = COALESCE(NULLIF($5, ''), gateway_trade_no)
		WHERE order_id = $1 AND status = 'pending'
		RETURNING *`,
		p.OrderID, p.Status, types.JSONText(payload), p.Source, p.GatewayTradeNo)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		current, err := s.GetOrder(ctx, p.OrderID)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to update order status: %w", err)
	}

	if delta, ok := ledger.FinalizeDelta(&order, p.Status); ok {
		if err := applyDelta(ctx, tx, order.MerchantID, order.OrderID, delta); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit finalization: %w", err)
	}
	return &order, true, nil
}

// ListStalePending returns pending orders created before olderThan. Orders
// never queried come first by age, then the ones queried longest ago, so a
// backlog that cannot settle does not hide newer orders.
func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE status = 'pending' AND created_at < $1
		ORDER BY COALESCE(last_queried_at, created_at), created_at
		LIMIT $2`,
		olderThan, limit)
	return orders, err
}

// MarkQueried records a status query attempt for a pending order
func (s *Store) MarkQueried(ctx context.Context, orderID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET last_queried_at = $2
		WHERE order_id = $1 AND status = 'pending'`,
		orderID, at)
	if err != nil {
		return fmt.Errorf("failed to mark order %s queried: %w", orderID, err)
	}
	return nil
}

// RecordAudit stores a reconciliation anomaly
func (s *Store) RecordAudit(ctx context.Context, rec *models.AuditRecord) error {
	return s.db.GetContext(ctx, rec, `
		INSERT INTO callback_audit (gateway_code, order_id, kind, detail, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		rec.GatewayCode, rec.OrderID, rec.Kind, rec.Detail, rec.Payload)
}

// ListAudit returns the most recent anomalies, optionally filtered by kind
func (s *Store) ListAudit(ctx context.Context, kind string, limit int) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	err := s.db.SelectContext(ctx, &records, `
		SELECT * FROM callback_audit
		WHERE ($1 = '' OR kind = $1)
		ORDER BY id DESC
		LIMIT $2`,
		kind, limit)
	return records, err
}

// RecordDelivery stores the outcome of a merchant webhook delivery
func (s *Store) RecordDelivery(ctx context.Context, d *models.NotificationDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_deliveries (job_id, order_id, url, attempts, last_status_code, outcome, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE
		SET attempts = notification_deliveries.attempts + EXCLUDED.attempts,
			last_status_code = EXCLUDED.last_status_code,
			outcome = EXCLUDED.outcome,
			last_error = EXCLUDED.last_error`,
		d.JobID, d.OrderID, d.URL, d.Attempts, d.LastStatusCode, d.Outcome, d.LastError)
	return err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
