// Package testutil provides in-memory stand-ins for the Postgres store,
// gateway adapters and the notification queue.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gateway-reconciler/internal/ledger"
	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/store"

	"github.com/shopspring/decimal"
)

// MemoryStore mirrors the transactional semantics of store.Store under one mutex
type MemoryStore struct {
	mu         sync.Mutex
	merchants  map[string]models.Merchant
	balances   map[string]models.Balance
	orders     map[string]models.Order
	journal    map[string]ledger.Delta
	audit      []models.AuditRecord
	deliveries map[string]models.NotificationDelivery
	processed  map[string]string

	// Err, when set, is returned by every call
	Err error
	// FinalizeCalls counts FinalizeOrder invocations
	FinalizeCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		merchants:  make(map[string]models.Merchant),
		balances:   make(map[string]models.Balance),
		orders:     make(map[string]models.Order),
		journal:    make(map[string]ledger.Delta),
		deliveries: make(map[string]models.NotificationDelivery),
		processed:  make(map[string]string),
	}
}

// AddMerchant registers a merchant with an opening available balance
func (s *MemoryStore) AddMerchant(m models.Merchant, opening decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchants[m.MerchantID] = m
	s.balances[m.MerchantID] = models.Balance{MerchantID: m.MerchantID, AvailableBalance: opening, FrozenBalance: decimal.Zero, UpdatedAt: time.Now()}
}

// PutOrder stores an order as-is, bypassing creation rules
func (s *MemoryStore) PutOrder(o models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	s.orders[o.OrderID] = o
}

func (s *MemoryStore) GetMerchant(ctx context.Context, merchantID string) (*models.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	m, ok := s.merchants[merchantID]
	if !ok {
		return nil, fmt.Errorf("merchant %s: %w", merchantID, store.ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, merchantID string) (*models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	b, ok := s.balances[merchantID]
	if !ok {
		return nil, fmt.Errorf("balance for merchant %s: %w", merchantID, store.ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.orders[order.OrderID]; ok {
		return fmt.Errorf("order id %s: %w", order.OrderID, store.ErrDuplicateOrder)
	}
	for _, o := range s.orders {
		if o.MerchantID == order.MerchantID && o.MerchantOrderID == order.MerchantOrderID {
			return fmt.Errorf("%w: merchant=%s merchant_order_id=%s", store.ErrDuplicateOrder, order.MerchantID, order.MerchantOrderID)
		}
	}

	if order.Direction == models.DirectionPayOut {
		if err := s.applyLocked(order.MerchantID, order.OrderID, ledger.ReserveDelta(order)); err != nil {
			if errors.Is(err, ledger.ErrNegativeBalance) {
				return fmt.Errorf("%w: %v", store.ErrInsufficientBalance, err)
			}
			return err
		}
	}

	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	s.orders[order.OrderID] = *order
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) GetOrderByMerchantOrderID(ctx context.Context, merchantID, merchantOrderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, o := range s.orders {
		if o.MerchantID == merchantID && o.MerchantOrderID == merchantOrderID {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("order %s/%s: %w", merchantID, merchantOrderID, store.ErrNotFound)
}

func (s *MemoryStore) GetOrderByGatewayTradeNo(ctx context.Context, gatewayCode, tradeNo string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, o := range s.orders {
		if tradeNo != "" && o.GatewayCode == gatewayCode && o.GatewayTradeNo == tradeNo {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("order %s/%s: %w", gatewayCode, tradeNo, store.ErrNotFound)
}

func (s *MemoryStore) MarkSubmitted(ctx context.Context, orderID, tradeNo, paymentURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	if tradeNo != "" {
		o.GatewayTradeNo = tradeNo
	}
	o.PaymentURL = paymentURL
	o.SubmitError = ""
	o.UpdatedAt = time.Now()
	s.orders[orderID] = o
	return nil
}

func (s *MemoryStore) MarkSubmitFailed(ctx context.Context, orderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	o.SubmitError = reason
	o.UpdatedAt = time.Now()
	s.orders[orderID] = o
	return nil
}

func (s *MemoryStore) FinalizeOrder(ctx context.Context, p store.FinalizeParams) (*models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinalizeCalls++
	if s.Err != nil {
		return nil, false, s.Err
	}
	if !p.Status.Terminal() {
		return nil, false, fmt.Errorf("cannot finalize order %s to %q", p.OrderID, p.Status)
	}
	o, ok := s.orders[p.OrderID]
	if !ok {
		return nil, false, fmt.Errorf("order %s: %w", p.OrderID, store.ErrNotFound)
	}
	if o.Status != models.StatusPending {
		return &o, false, nil
	}

	next := o
	now := time.Now()
	next.Status = p.Status
	next.FinalizedAt = &now
	next.UpdatedAt = now
	next.FinalizeSource = p.Source
	next.CallbackPayload = append([]byte(nil), p.Payload...)
	if p.GatewayTradeNo != "" {
		next.GatewayTradeNo = p.GatewayTradeNo
	}

	if delta, ok := ledger.FinalizeDelta(&next, p.Status); ok {
		if err := s.applyLocked(next.MerchantID, next.OrderID, delta); err != nil {
			return nil, false, err
		}
	}
	s.orders[p.OrderID] = next
	return &next, true, nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []models.Order
	for _, o := range s.orders {
		if o.Status == models.StatusPending && o.CreatedAt.Before(olderThan) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := queueKey(&out[i]), queueKey(&out[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func queueKey(o *models.Order) time.Time {
	if o.LastQueriedAt != nil {
		return *o.LastQueriedAt
	}
	return o.CreatedAt
}

func (s *MemoryStore) MarkQueried(ctx context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
	}
	if o.Status == models.StatusPending {
		o.LastQueriedAt = &at
		s.orders[orderID] = o
	}
	return nil
}

func (s *MemoryStore) RecordAudit(ctx context.Context, rec *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	rec.ID = int64(len(s.audit) + 1)
	rec.CreatedAt = time.Now()
	s.audit = append(s.audit, *rec)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, kind string, limit int) ([]models.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		if kind == "" || s.audit[i].Kind == kind {
			out = append(out, s.audit[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AuditKinds returns the kinds of all audit records in insertion order
func (s *MemoryStore) AuditKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, len(s.audit))
	for i, a := range s.audit {
		kinds[i] = a.Kind
	}
	return kinds
}

func (s *MemoryStore) RecordDelivery(ctx context.Context, d *models.NotificationDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if prev, ok := s.deliveries[d.JobID]; ok {
		d.Attempts += prev.Attempts
	}
	d.CreatedAt = time.Now()
	s.deliveries[d.JobID] = *d
	return nil
}

// Deliveries returns recorded webhook deliveries
func (s *MemoryStore) Deliveries() []models.NotificationDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.NotificationDelivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, d)
	}
	return out
}

func (s *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.processed[eventID] = eventType
	return nil
}

// JournalEntries returns the number of ledger journal rows
func (s *MemoryStore) JournalEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal)
}

func (s *MemoryStore) applyLocked(merchantID, orderID string, d ledger.Delta) error {
	key := orderID + "/" + d.EntryType
	if _, ok := s.journal[key]; ok {
		return fmt.Errorf("%w: order=%s type=%s", store.ErrLedgerEntryExists, orderID, d.EntryType)
	}
	bal, ok := s.balances[merchantID]
	if !ok {
		bal = models.Balance{MerchantID: merchantID}
	}
	next, err := ledger.Apply(bal, d)
	if err != nil {
		return err
	}
	next.UpdatedAt = time.Now()
	s.balances[merchantID] = next
	s.journal[key] = d
	return nil
}
