package worker

import (
	"context"
	"time"

	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/service"
	"gateway-reconciler/internal/util"

	"go.uber.org/zap"
)

// PendingLister finds orders still waiting for a final status
type PendingLister interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error)
}

// Querier reconciles one order by asking its gateway. *service.ReconciliationEngine implements it.
type Querier interface {
	ReconcileByQuery(ctx context.Context, orderID string) (*service.CallbackResult, error)
}

// Locker hands out short-lived distributed locks. *redisclient.Client implements it.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// SweepStats summarises one sweep
type SweepStats struct {
	Scanned int
	Applied int
	Pending int
	Skipped int
	Failed  int
}

// ReconcileWorker periodically queries gateways for orders whose callback
// never arrived
type ReconcileWorker struct {
	store        PendingLister
	engine       Querier
	locker       Locker
	interval     time.Duration
	pendingAfter time.Duration
	batchSize    int
	lockTTL      time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewReconcileWorker creates a sweep worker. locker may be nil for a single instance.
func NewReconcileWorker(store PendingLister, engine Querier, locker Locker, interval, pendingAfter time.Duration, batchSize int, lockTTL time.Duration) *ReconcileWorker {
	return &ReconcileWorker{
		store:        store,
		engine:       engine,
		locker:       locker,
		interval:     interval,
		pendingAfter: pendingAfter,
		batchSize:    batchSize,
		lockTTL:      lockTTL,
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

// Start runs sweeps until ctx is cancelled
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile worker",
		zap.Duration("interval", w.interval),
		zap.Duration("pending_after", w.pendingAfter))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping reconcile worker")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("Reconcile sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce queries every stale pending order in one batch
func (w *ReconcileWorker) SweepOnce(ctx context.Context) (SweepStats, error) {
	ctx, span := util.StartSpan(ctx, "ReconcileWorker.SweepOnce")
	defer span.End()

	var stats SweepStats
	orders, err := w.store.ListStalePending(ctx, w.now().Add(-w.pendingAfter), w.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(orders)

	for _, order := range orders {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		w.reconcileOne(ctx, order.OrderID, &stats)
	}

	if stats.Scanned > 0 {
		w.logger.Info("Reconcile sweep finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("applied", stats.Applied),
			zap.Int("pending", stats.Pending),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed))
	}
	return stats, nil
}

func (w *ReconcileWorker) reconcileOne(ctx context.Context, orderID string, stats *SweepStats) {
	if w.locker != nil {
		key := "reconcile:" + orderID
		token, err := w.locker.AcquireLock(ctx, key, w.lockTTL)
		if err != nil {
			w.logger.Warn("Failed to acquire reconcile lock", zap.String("order_id", orderID), zap.Error(err))
			stats.Failed++
			return
		}
		if token == "" {
			stats.Skipped++
			return
		}
		defer func() {
			if err := w.locker.ReleaseLock(ctx, key, token); err != nil {
				w.logger.Warn("Failed to release reconcile lock", zap.String("order_id", orderID), zap.Error(err))
			}
		}()
	}

	res, err := w.engine.ReconcileByQuery(ctx, orderID)
	if err != nil {
		w.logger.Warn("Status query failed", zap.String("order_id", orderID), zap.Error(err))
		stats.Failed++
		return
	}
	switch res.Outcome {
	case service.OutcomeApplied:
		stats.Applied++
	case service.OutcomeAmbiguous, service.OutcomeAmountMismatch:
		stats.Pending++
	default:
		stats.Skipped++
	}
}
