package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gateway-reconciler/internal/gateway"
	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/store"
	"gateway-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome is what reconciliation did with one callback or query
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeUnknownOrder      Outcome = "unknown_order"
	OutcomeAmbiguous         Outcome = "ambiguous"
	OutcomeAmountMismatch    Outcome = "amount_mismatch"
	OutcomeMalformed         Outcome = "malformed"
	OutcomeSignatureRejected Outcome = "signature_rejected"
)

// CallbackResult reports the reconciliation outcome. Ack is what the gateway
// expects back; it is empty when the callback must not be acknowledged.
type CallbackResult struct {
	Outcome        Outcome
	OrderID        string
	Status         models.OrderStatus
	SignatureValid bool
	Ack            gateway.Ack
}

// Acknowledge reports whether the gateway should be told the callback was received
func (r *CallbackResult) Acknowledge() bool {
	return r.Outcome != OutcomeSignatureRejected
}

// ReconciliationEngine applies gateway-reported final statuses to orders and
// the merchant ledger exactly once
type ReconciliationEngine struct {
	store    Store
	adapters Adapters
	queue    NotificationQueue
	settings SettingsSource
	cache    StatusCache
	cacheTTL time.Duration
	events   LifecycleEvents
	now      func() time.Time
	logger   *zap.Logger
}

// NewReconciliationEngine creates a new reconciliation engine
func NewReconciliationEngine(
	store Store,
	adapters Adapters,
	queue NotificationQueue,
	settings SettingsSource,
) *ReconciliationEngine {
	return &ReconciliationEngine{
		store:    store,
		adapters: adapters,
		queue:    queue,
		settings: settings,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// SetStatusCache enables the terminal-status fast path
func (e *ReconciliationEngine) SetStatusCache(cache StatusCache, ttl time.Duration) {
	e.cache = cache
	e.cacheTTL = ttl
}

// SetLifecycleEvents enables ORDER_FINALIZED events
func (e *ReconciliationEngine) SetLifecycleEvents(events LifecycleEvents) {
	e.events = events
}

// HandleCallback reconciles one gateway callback. An error means nothing was
// decided and the gateway should retry; every decided outcome, including
// anomalies, comes back as a result.
func (e *ReconciliationEngine) HandleCallback(ctx context.Context, gatewayCode, contentType string, body []byte) (*CallbackResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.HandleCallback")
	defer span.End()

	adapter, err := e.adapters.Get(gatewayCode)
	if err != nil {
		return nil, err
	}
	settings := e.settings.Settings(ctx)
	result := &CallbackResult{Ack: adapter.Ack()}

	raw, err := adapter.ParseCallback(contentType, body)
	if err != nil {
		return e.anomaly(ctx, result, OutcomeMalformed, gatewayCode, "", models.AuditMalformed, err.Error(), body)
	}
	nc, err := adapter.NormalizeCallback(raw)
	if err != nil {
		return e.anomaly(ctx, result, OutcomeMalformed, gatewayCode, "", models.AuditMalformed, err.Error(), body)
	}
	result.OrderID = nc.OrderRef

	// keyed by gateway so another gateway's callback still reaches the ownership check
	if status := e.cachedStatus(ctx, gatewayCode, nc.OrderRef); status != "" {
		result.Status = status
		return e.anomaly(ctx, result, OutcomeDuplicate, gatewayCode, nc.OrderRef, models.AuditDuplicate,
			fmt.Sprintf("order already %s, reported %s", status, nc.FinalStatus), body)
	}

	order, err := e.lookupOrder(ctx, gatewayCode, nc)
	if errors.Is(err, store.ErrNotFound) {
		return e.anomaly(ctx, result, OutcomeUnknownOrder, gatewayCode, nc.OrderRef, models.AuditUnknownOrder,
			fmt.Sprintf("no order for ref=%s trade_no=%s", nc.OrderRef, nc.GatewayTradeNo), body)
	}
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to look up order: %w", err)
	}
	result.OrderID = order.OrderID
	result.Status = order.Status

	if order.Status.Terminal() {
		return e.anomaly(ctx, result, OutcomeDuplicate, gatewayCode, order.OrderID, models.AuditDuplicate,
			fmt.Sprintf("order already %s, reported %s", order.Status, nc.FinalStatus), body)
	}

	result.SignatureValid = adapter.VerifyCallback(raw)
	if !result.SignatureValid {
		util.AuditRecordsTotal.WithLabelValues(models.AuditSignatureMismatch).Inc()
		e.audit(ctx, gatewayCode, order.OrderID, models.AuditSignatureMismatch, "callback signature did not verify", body)
		if settings.RejectUnsignedCallbacks {
			result.Outcome = OutcomeSignatureRejected
			result.Ack = gateway.Ack{}
			util.CallbacksReceivedTotal.WithLabelValues(gatewayCode, string(result.Outcome)).Inc()
			return result, nil
		}
		e.logger.Warn("Accepting callback with unverified signature",
			zap.String("gateway", gatewayCode),
			zap.String("order_id", order.OrderID),
		)
	}

	if nc.FinalStatus == models.StatusPending {
		return e.anomaly(ctx, result, OutcomeAmbiguous, gatewayCode, order.OrderID, models.AuditAmbiguousStatus,
			fmt.Sprintf("status not terminal: %s", nc.GatewayMessage), body)
	}

	if settings.VerifyAmounts && nc.FinalStatus == models.StatusSuccess && nc.HasAmount && !nc.RawAmount.Equal(order.Amount) {
		return e.anomaly(ctx, result, OutcomeAmountMismatch, gatewayCode, order.OrderID, models.AuditAmountMismatch,
			fmt.Sprintf("reported %s, expected %s", nc.RawAmount.StringFixed(2), order.Amount.StringFixed(2)), body)
	}

	if err := e.finalize(ctx, result, order, nc, models.SourceCallback, settings); err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	util.CallbacksReceivedTotal.WithLabelValues(gatewayCode, string(result.Outcome)).Inc()
	return result, nil
}

// ReconcileByQuery asks the order's gateway for its status and applies a
// terminal answer through the same path as callbacks
func (e *ReconciliationEngine) ReconcileByQuery(ctx context.Context, orderID string) (*CallbackResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.ReconcileByQuery")
	defer span.End()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	result := &CallbackResult{OrderID: order.OrderID, Status: order.Status, SignatureValid: true}
	if order.Status.Terminal() {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	adapter, err := e.adapters.Get(order.GatewayCode)
	if err != nil {
		return nil, err
	}
	settings := e.settings.Settings(ctx)

	// moves the order to the back of the sweep queue whatever the answer
	if err := e.store.MarkQueried(ctx, order.OrderID, e.now()); err != nil {
		e.logger.Warn("Failed to record query attempt", zap.String("order_id", order.OrderID), zap.Error(err))
	}

	nc, err := adapter.Query(ctx, order)
	if err != nil {
		util.ReconcileSweepsTotal.WithLabelValues("query_error").Inc()
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to query gateway %s: %w", order.GatewayCode, err)
	}

	// still processing at the gateway is the normal case here, not an anomaly
	if nc.FinalStatus == models.StatusPending {
		result.Outcome = OutcomeAmbiguous
		util.ReconcileSweepsTotal.WithLabelValues(string(result.Outcome)).Inc()
		return result, nil
	}

	if settings.VerifyAmounts && nc.FinalStatus == models.StatusSuccess && nc.HasAmount && !nc.RawAmount.Equal(order.Amount) {
		result.Outcome = OutcomeAmountMismatch
		util.ReconcileSweepsTotal.WithLabelValues(string(result.Outcome)).Inc()
		e.audit(ctx, order.GatewayCode, order.OrderID, models.AuditAmountMismatch,
			fmt.Sprintf("query reported %s, expected %s", nc.RawAmount.StringFixed(2), order.Amount.StringFixed(2)), nc.Raw)
		return result, nil
	}

	if err := e.finalize(ctx, result, order, nc, models.SourceQuery, settings); err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	util.ReconcileSweepsTotal.WithLabelValues(string(result.Outcome)).Inc()
	return result, nil
}

// finalize commits the transition. Losing a race to another delivery is a duplicate.
func (e *ReconciliationEngine) finalize(ctx context.Context, result *CallbackResult, order *models.Order, nc *gateway.NormalizedCallback, source string, settings Settings) error {
	final, applied, err := e.store.FinalizeOrder(ctx, store.FinalizeParams{
		OrderID:        order.OrderID,
		Status:         nc.FinalStatus,
		Payload:        nc.Raw,
		Source:         source,
		GatewayTradeNo: nc.GatewayTradeNo,
	})
	if err != nil {
		return fmt.Errorf("failed to finalize order %s: %w", order.OrderID, err)
	}
	result.Status = final.Status

	if !applied {
		result.Outcome = OutcomeDuplicate
		util.AuditRecordsTotal.WithLabelValues(models.AuditDuplicate).Inc()
		e.audit(ctx, order.GatewayCode, order.OrderID, models.AuditDuplicate,
			fmt.Sprintf("lost race: order already %s via %s", final.Status, final.FinalizeSource), nc.Raw)
		return nil
	}

	result.Outcome = OutcomeApplied
	util.OrdersFinalizedTotal.WithLabelValues(string(final.Direction), string(final.Status), source).Inc()
	e.logger.Info("Order finalized",
		zap.String("order_id", final.OrderID),
		zap.String("status", string(final.Status)),
		zap.String("source", source),
	)

	e.afterCommit(ctx, final, source, settings)
	return nil
}

// afterCommit runs the side effects of a committed transition. None of them
// can undo it; failures are logged.
func (e *ReconciliationEngine) afterCommit(ctx context.Context, order *models.Order, source string, settings Settings) {
	if e.cache != nil {
		if _, err := e.cache.CacheTerminalStatus(ctx, order.GatewayCode, order.OrderID, string(order.Status), e.cacheTTL); err != nil {
			e.logger.Warn("Failed to cache terminal status", zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}

	if e.events != nil {
		event := &models.OrderFinalizedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderFinalized,
				Timestamp: e.now(),
			},
			OrderID:     order.OrderID,
			MerchantID:  order.MerchantID,
			Direction:   order.Direction,
			Status:      order.Status,
			Amount:      order.Amount,
			Source:      source,
			GatewayCode: order.GatewayCode,
		}
		if err := e.events.PublishOrderFinalized(ctx, event); err != nil {
			e.logger.Error("Failed to publish OrderFinalized event", zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}

	if !settings.NotifyEnabled || order.NotifyURL == "" || e.queue == nil {
		return
	}
	merchant, err := e.store.GetMerchant(ctx, order.MerchantID)
	if err != nil {
		e.logger.Error("Failed to load merchant for notification", zap.String("order_id", order.OrderID), zap.Error(err))
		util.NotificationsTotal.WithLabelValues("enqueue_failed").Inc()
		return
	}
	job := NewNotificationJob(order, merchant.SecretKey, e.now())
	if err := e.queue.Enqueue(ctx, job); err != nil {
		e.logger.Error("Failed to enqueue merchant notification",
			zap.String("order_id", order.OrderID),
			zap.String("job_id", job.EventID),
			zap.Error(err),
		)
		util.NotificationsTotal.WithLabelValues("enqueue_failed").Inc()
	}
}

func (e *ReconciliationEngine) lookupOrder(ctx context.Context, gatewayCode string, nc *gateway.NormalizedCallback) (*models.Order, error) {
	var order *models.Order
	err := store.ErrNotFound
	if nc.OrderRef != "" {
		order, err = e.store.GetOrder(ctx, nc.OrderRef)
	}
	if errors.Is(err, store.ErrNotFound) && nc.GatewayTradeNo != "" {
		order, err = e.store.GetOrderByGatewayTradeNo(ctx, gatewayCode, nc.GatewayTradeNo)
	}
	if err != nil {
		return nil, err
	}
	// a callback on one gateway's URL cannot settle another gateway's order
	if order.GatewayCode != gatewayCode {
		return nil, fmt.Errorf("order %s belongs to gateway %s: %w", order.OrderID, order.GatewayCode, store.ErrNotFound)
	}
	return order, nil
}

func (e *ReconciliationEngine) cachedStatus(ctx context.Context, gatewayCode, orderID string) models.OrderStatus {
	if e.cache == nil || orderID == "" {
		return ""
	}
	status, err := e.cache.TerminalStatus(ctx, gatewayCode, orderID)
	if err != nil {
		e.logger.Warn("Status cache lookup failed", zap.String("order_id", orderID), zap.Error(err))
		return ""
	}
	return models.OrderStatus(status)
}

func (e *ReconciliationEngine) anomaly(ctx context.Context, result *CallbackResult, outcome Outcome, gatewayCode, orderID, kind, detail string, payload []byte) (*CallbackResult, error) {
	result.Outcome = outcome
	util.AuditRecordsTotal.WithLabelValues(kind).Inc()
	util.CallbacksReceivedTotal.WithLabelValues(gatewayCode, string(outcome)).Inc()
	e.audit(ctx, gatewayCode, orderID, kind, detail, payload)
	return result, nil
}

// audit writes an anomaly record. A failed write is logged, never returned:
// the callback decision has already been made.
func (e *ReconciliationEngine) audit(ctx context.Context, gatewayCode, orderID, kind, detail string, payload []byte) {
	rec := &models.AuditRecord{
		GatewayCode: gatewayCode,
		OrderID:     orderID,
		Kind:        kind,
		Detail:      detail,
		Payload:     string(payload),
	}
	if err := e.store.RecordAudit(ctx, rec); err != nil {
		e.logger.Error("Failed to record callback audit",
			zap.String("gateway", gatewayCode),
			zap.String("order_id", orderID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return
	}
	e.logger.Warn("Callback anomaly",
		zap.String("gateway", gatewayCode),
		zap.String("order_id", orderID),
		zap.String("kind", kind),
		zap.String("detail", detail),
	)
}
