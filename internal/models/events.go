package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypeOrderFinalized   = "ORDER_FINALIZED"
	EventTypeMerchantNotify   = "MERCHANT_NOTIFY"
	EventTypeNotifyDelivered  = "NOTIFY_DELIVERED"
	EventTypeNotifyDeadLetter = "NOTIFY_DEAD_LETTER"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is accepted
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	MerchantID  string          `json:"merchant_id"`
	Direction   Direction       `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	GatewayCode string          `json:"gateway_code"`
}

// OrderFinalizedEvent published once an order reaches a terminal status
type OrderFinalizedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	MerchantID  string          `json:"merchant_id"`
	Direction   Direction       `json:"direction"`
	Status      OrderStatus     `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"`
	GatewayCode string          `json:"gateway_code"`
}

// MerchantNotification is the body POSTed to a merchant webhook
type MerchantNotification struct {
	OrderID         string          `json:"order_id"`
	MerchantOrderID string          `json:"merchant_order_id"`
	MerchantID      string          `json:"merchant_id"`
	Direction       Direction       `json:"direction"`
	Status          OrderStatus     `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	FinalizedAt     time.Time       `json:"finalized_at"`
	Timestamp       int64           `json:"timestamp"`
	Sign            string          `json:"sign"`
}

// NotificationJob carries one merchant webhook delivery through the queue
type NotificationJob struct {
	BaseEvent
	OrderID string               `json:"order_id"`
	URL     string               `json:"url"`
	Payload MerchantNotification `json:"payload"`
}
