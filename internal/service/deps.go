package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gateway-reconciler/internal/gateway"
	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/store"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)

// ValidationError describes a rejected request field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Store is the persistence the services need. *store.Store implements it.
type Store interface {
	GetMerchant(ctx context.Context, merchantID string) (*models.Merchant, error)
	GetBalance(ctx context.Context, merchantID string) (*models.Balance, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByMerchantOrderID(ctx context.Context, merchantID, merchantOrderID string) (*models.Order, error)
	GetOrderByGatewayTradeNo(ctx context.Context, gatewayCode, tradeNo string) (*models.Order, error)
	MarkSubmitted(ctx context.Context, orderID, tradeNo, paymentURL string) error
	MarkSubmitFailed(ctx context.Context, orderID, reason string) error
	FinalizeOrder(ctx context.Context, p store.FinalizeParams) (*models.Order, bool, error)
	MarkQueried(ctx context.Context, orderID string, at time.Time) error
	RecordAudit(ctx context.Context, rec *models.AuditRecord) error
}

// Adapters resolves gateway adapters by code. *gateway.Registry implements it.
type Adapters interface {
	Get(code string) (gateway.Adapter, error)
}

// StatusCache remembers orders known to be final. *redisclient.Client implements it.
type StatusCache interface {
	CacheTerminalStatus(ctx context.Context, gatewayCode, orderID, status string, ttl time.Duration) (string, error)
	TerminalStatus(ctx context.Context, gatewayCode, orderID string) (string, error)
}

// IdempotencyCache maps merchant order numbers to order ids. *redisclient.Client implements it.
type IdempotencyCache interface {
	RememberOrder(ctx context.Context, merchantID, merchantOrderID, orderID string, ttl time.Duration) error
	LookupOrder(ctx context.Context, merchantID, merchantOrderID string) (string, error)
}

// NotificationQueue accepts merchant webhook jobs for asynchronous delivery
type NotificationQueue interface {
	Enqueue(ctx context.Context, job *models.NotificationJob) error
}

// LifecycleEvents receives order lifecycle events. *broker.EventPublisher implements it.
type LifecycleEvents interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderFinalized(ctx context.Context, event *models.OrderFinalizedEvent) error
}

// Settings are the admin switches read once per request
type Settings struct {
	RejectUnsignedCallbacks bool
	VerifyAmounts           bool
	NotifyEnabled           bool
}

// SettingsSource supplies the current settings
type SettingsSource interface {
	Settings(ctx context.Context) Settings
}

// StaticSettings is a SettingsSource that never changes
type StaticSettings Settings

func (s StaticSettings) Settings(context.Context) Settings {
	return Settings(s)
}
