package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Direction tells which way money moves for an order
type Direction string

const (
	DirectionPayIn  Direction = "payin"
	DirectionPayOut Direction = "payout"
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == DirectionPayIn || d == DirectionPayOut
}

// OrderIDPrefix returns the order id prefix for the direction
func (d Direction) OrderIDPrefix() string {
	if d == DirectionPayOut {
		return "PO"
	}
	return "PI"
}

// OrderStatus is the reconciliation state of an order
type OrderStatus string

// Order statuses. success and failed are terminal.
const (
	StatusPending OrderStatus = "pending"
	StatusSuccess OrderStatus = "success"
	StatusFailed  OrderStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s
func (s OrderStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Finalize sources
const (
	SourceCallback = "callback"
	SourceQuery    = "query"
)

// Merchant is a payment gateway customer
type Merchant struct {
	MerchantID     string          `db:"merchant_id" json:"merchant_id"`
	Name           string          `db:"name" json:"name"`
	SecretKey      string          `db:"secret_key" json:"-"`
	PayInFeeRate   decimal.Decimal `db:"payin_fee_rate" json:"payin_fee_rate"`
	PayOutFeeRate  decimal.Decimal `db:"payout_fee_rate" json:"payout_fee_rate"`
	PayOutFeeFixed decimal.Decimal `db:"payout_fee_fixed" json:"payout_fee_fixed"`
	PayInGateway   string          `db:"payin_gateway" json:"payin_gateway"`
	PayOutGateway  string          `db:"payout_gateway" json:"payout_gateway"`
	Enabled        bool            `db:"enabled" json:"enabled"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// GatewayFor returns the gateway code configured for a direction
func (m *Merchant) GatewayFor(d Direction) string {
	if d == DirectionPayOut {
		return m.PayOutGateway
	}
	return m.PayInGateway
}

// Fee computes the fee charged for an order of amount in direction d.
// Pay-in uses the rate only, pay-out adds the fixed part.
func (m *Merchant) Fee(d Direction, amount decimal.Decimal) decimal.Decimal {
	if d == DirectionPayOut {
		return amount.Mul(m.PayOutFeeRate).Add(m.PayOutFeeFixed).Round(2)
	}
	return amount.Mul(m.PayInFeeRate).Round(2)
}

// Balance is a merchant's ledger position
type Balance struct {
	MerchantID       string          `db:"merchant_id" json:"merchant_id"`
	AvailableBalance decimal.Decimal `db:"available_balance" json:"available_balance"`
	FrozenBalance    decimal.Decimal `db:"frozen_balance" json:"frozen_balance"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Order is the transaction record
type Order struct {
	OrderID         string          `db:"order_id" json:"order_id"`
	MerchantOrderID string          `db:"merchant_order_id" json:"merchant_order_id"`
	MerchantID      string          `db:"merchant_id" json:"merchant_id"`
	Direction       Direction       `db:"direction" json:"direction"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Fee             decimal.Decimal `db:"fee" json:"fee"`
	NetAmount       decimal.Decimal `db:"net_amount" json:"net_amount"`
	Status          OrderStatus     `db:"status" json:"status"`
	GatewayCode     string          `db:"gateway_code" json:"gateway_code"`
	GatewayTradeNo  string          `db:"gateway_trade_no" json:"gateway_trade_no,omitempty"`
	PaymentURL      string          `db:"payment_url" json:"payment_url,omitempty"`
	NotifyURL       string          `db:"notify_url" json:"notify_url"`
	AccountName     string          `db:"account_name" json:"account_name,omitempty"`
	AccountNumber   string          `db:"account_number" json:"account_number,omitempty"`
	BankCode        string          `db:"bank_code" json:"bank_code,omitempty"`
	CallbackPayload types.JSONText  `db:"callback_payload" json:"-"`
	FinalizeSource  string          `db:"finalize_source" json:"finalize_source,omitempty"`
	SubmitError     string          `db:"submit_error" json:"submit_error,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	FinalizedAt     *time.Time      `db:"finalized_at" json:"finalized_at,omitempty"`
	LastQueriedAt   *time.Time      `db:"last_queried_at" json:"last_queried_at,omitempty"`
}

// Reserve is the amount frozen for a pay-out while it is pending
func (o *Order) Reserve() decimal.Decimal {
	return o.Amount.Add(o.Fee)
}

// Audit kinds for reconciliation anomalies
const (
	AuditUnknownOrder      = "unknown_order"
	AuditDuplicate         = "duplicate"
	AuditSignatureMismatch = "signature_mismatch"
	AuditAmbiguousStatus   = "ambiguous_status"
	AuditAmountMismatch    = "amount_mismatch"
	AuditMalformed         = "malformed"
)

// AuditRecord is a reconciliation anomaly kept for manual review
type AuditRecord struct {
	ID          int64     `db:"id" json:"id"`
	GatewayCode string    `db:"gateway_code" json:"gateway_code"`
	OrderID     string    `db:"order_id" json:"order_id,omitempty"`
	Kind        string    `db:"kind" json:"kind"`
	Detail      string    `db:"detail" json:"detail"`
	Payload     string    `db:"payload" json:"payload"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Delivery outcomes
const (
	DeliveryDelivered = "delivered"
	DeliveryRejected  = "rejected"
	DeliveryExhausted = "exhausted"
)

// NotificationDelivery records the result of pushing one job to a merchant webhook
type NotificationDelivery struct {
	JobID          string    `db:"job_id" json:"job_id"`
	OrderID        string    `db:"order_id" json:"order_id"`
	URL            string    `db:"url" json:"url"`
	Attempts       int       `db:"attempts" json:"attempts"`
	LastStatusCode int       `db:"last_status_code" json:"last_status_code"`
	Outcome        string    `db:"outcome" json:"outcome"`
	LastError      string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
