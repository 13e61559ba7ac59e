package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/signature"
	"gateway-reconciler/internal/store"
	"gateway-reconciler/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService handles merchant order creation and read paths
type OrderService struct {
	store          Store
	adapters       Adapters
	idempotency    IdempotencyCache
	idempotencyTTL time.Duration
	events         LifecycleEvents
	now            func() time.Time
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store Store, adapters Adapters) *OrderService {
	return &OrderService{
		store:    store,
		adapters: adapters,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// SetIdempotencyCache enables the redis fast path for replayed requests
func (s *OrderService) SetIdempotencyCache(cache IdempotencyCache, ttl time.Duration) {
	s.idempotency = cache
	s.idempotencyTTL = ttl
}

// SetLifecycleEvents enables ORDER_CREATED events
func (s *OrderService) SetLifecycleEvents(events LifecycleEvents) {
	s.events = events
}

// CreateOrderRequest is a signed merchant order-creation request
type CreateOrderRequest struct {
	MerchantID      string           `json:"merchant_id" binding:"required"`
	MerchantOrderID string           `json:"merchant_order_id" binding:"required"`
	Direction       models.Direction `json:"direction" binding:"required"`
	Amount          string           `json:"amount" binding:"required"`
	NotifyURL       string           `json:"notify_url" binding:"required"`
	AccountName     string           `json:"account_name,omitempty"`
	AccountNumber   string           `json:"account_number,omitempty"`
	BankCode        string           `json:"bank_code,omitempty"`
	Sign            string           `json:"sign" binding:"required"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID         string             `json:"order_id"`
	MerchantOrderID string             `json:"merchant_order_id"`
	Direction       models.Direction   `json:"direction"`
	Status          models.OrderStatus `json:"status"`
	Amount          decimal.Decimal    `json:"amount"`
	Fee             decimal.Decimal    `json:"fee"`
	NetAmount       decimal.Decimal    `json:"net_amount"`
	PaymentURL      string             `json:"payment_url,omitempty"`
	Duplicate       bool               `json:"-"`
}

func newCreateOrderResponse(order *models.Order, duplicate bool) *CreateOrderResponse {
	return &CreateOrderResponse{
		OrderID:         order.OrderID,
		MerchantOrderID: order.MerchantOrderID,
		Direction:       order.Direction,
		Status:          order.Status,
		Amount:          order.Amount,
		Fee:             order.Fee,
		NetAmount:       order.NetAmount,
		PaymentURL:      order.PaymentURL,
		Duplicate:       duplicate,
	}
}

// CreateOrder validates and persists a merchant order, then submits it to the
// merchant's gateway. A failed submission leaves the order pending and
// returns both the response and an error wrapping ErrGatewayUnavailable.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	amount, err := validateCreateRequest(req)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	merchant, err := s.store.GetMerchant(ctx, req.MerchantID)
	if errors.Is(err, store.ErrNotFound) {
		util.OrdersRejectedTotal.WithLabelValues("unknown_merchant").Inc()
		return nil, &ValidationError{Field: "merchant_id", Reason: "is not a known merchant"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant: %w", err)
	}
	if !merchant.Enabled {
		util.OrdersRejectedTotal.WithLabelValues("merchant_disabled").Inc()
		return nil, &ValidationError{Field: "merchant_id", Reason: "is disabled"}
	}

	if !signature.VerifyMerchantRequest(req.MerchantID, req.MerchantOrderID, req.Amount, req.NotifyURL, merchant.SecretKey, req.Sign) {
		util.OrdersRejectedTotal.WithLabelValues("signature").Inc()
		s.logger.Warn("Rejected order request with bad signature",
			zap.String("merchant_id", req.MerchantID),
			zap.String("merchant_order_id", req.MerchantOrderID))
		return nil, ErrInvalidSignature
	}

	existing, err := s.findExisting(ctx, req.MerchantID, req.MerchantOrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("merchant_id", req.MerchantID),
			zap.String("merchant_order_id", req.MerchantOrderID),
			zap.String("order_id", existing.OrderID))
		return newCreateOrderResponse(existing, true), nil
	}

	gatewayCode := merchant.GatewayFor(req.Direction)
	adapter, err := s.adapters.Get(gatewayCode)
	if err != nil {
		return nil, fmt.Errorf("merchant %s %s gateway: %w", merchant.MerchantID, req.Direction, err)
	}

	fee := merchant.Fee(req.Direction, amount)
	net := amount
	if req.Direction == models.DirectionPayIn {
		net = amount.Sub(fee)
	}
	order := &models.Order{
		OrderID:         NewOrderID(req.Direction, s.now()),
		MerchantOrderID: req.MerchantOrderID,
		MerchantID:      req.MerchantID,
		Direction:       req.Direction,
		Amount:          amount,
		Fee:             fee,
		NetAmount:       net,
		Status:          models.StatusPending,
		GatewayCode:     gatewayCode,
		NotifyURL:       req.NotifyURL,
		AccountName:     req.AccountName,
		AccountNumber:   req.AccountNumber,
		BankCode:        req.BankCode,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, store.ErrDuplicateOrder) {
			// lost a race with a concurrent identical request
			existing, lookupErr := s.store.GetOrderByMerchantOrderID(ctx, req.MerchantID, req.MerchantOrderID)
			if lookupErr != nil {
				return nil, fmt.Errorf("failed to load existing order: %w", lookupErr)
			}
			return newCreateOrderResponse(existing, true), nil
		}
		if errors.Is(err, store.ErrInsufficientBalance) {
			util.OrdersRejectedTotal.WithLabelValues("insufficient_balance").Inc()
			return nil, err
		}
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.WithLabelValues(string(order.Direction), gatewayCode).Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.OrderID),
		zap.String("merchant_id", order.MerchantID),
		zap.String("direction", string(order.Direction)),
		zap.String("amount", order.Amount.StringFixed(2)))

	s.remember(ctx, order)
	s.publishCreated(ctx, order)

	start := time.Now()
	res, err := adapter.Submit(ctx, order)
	util.GatewayRequestLatency.WithLabelValues(gatewayCode, "submit").Observe(time.Since(start).Seconds())
	if err != nil {
		util.GatewaySubmitTotal.WithLabelValues(gatewayCode, "error").Inc()
		s.logger.Error("Gateway submission failed, order stays pending",
			zap.String("order_id", order.OrderID),
			zap.String("gateway", gatewayCode),
			zap.Error(err))
		if markErr := s.store.MarkSubmitFailed(ctx, order.OrderID, err.Error()); markErr != nil {
			s.logger.Error("Failed to record submit error", zap.String("order_id", order.OrderID), zap.Error(markErr))
		}
		order.SubmitError = err.Error()
		util.SpanError(span, err)
		return newCreateOrderResponse(order, false), fmt.Errorf("%w: order %s: %w", ErrGatewayUnavailable, order.OrderID, err)
	}

	util.GatewaySubmitTotal.WithLabelValues(gatewayCode, "accepted").Inc()
	if err := s.store.MarkSubmitted(ctx, order.OrderID, res.ExternalRef, res.PaymentURL); err != nil {
		// the gateway has the order; the callback can still be matched by our order id
		s.logger.Error("Failed to store gateway reference",
			zap.String("order_id", order.OrderID),
			zap.String("gateway_trade_no", res.ExternalRef),
			zap.Error(err))
	}
	order.GatewayTradeNo = res.ExternalRef
	order.PaymentURL = res.PaymentURL

	return newCreateOrderResponse(order, false), nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()
	return s.store.GetOrder(ctx, orderID)
}

// GetBalance retrieves a merchant's ledger balance
func (s *OrderService) GetBalance(ctx context.Context, merchantID string) (*models.Balance, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetBalance")
	defer span.End()
	return s.store.GetBalance(ctx, merchantID)
}

func (s *OrderService) findExisting(ctx context.Context, merchantID, merchantOrderID string) (*models.Order, error) {
	if s.idempotency != nil {
		orderID, err := s.idempotency.LookupOrder(ctx, merchantID, merchantOrderID)
		if err != nil {
			s.logger.Warn("Idempotency cache lookup failed", zap.Error(err))
		} else if orderID != "" {
			order, err := s.store.GetOrder(ctx, orderID)
			if err == nil {
				return order, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("failed to check idempotency: %w", err)
			}
		}
	}

	order, err := s.store.GetOrderByMerchantOrderID(ctx, merchantID, merchantOrderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	s.remember(ctx, order)
	return order, nil
}

func (s *OrderService) remember(ctx context.Context, order *models.Order) {
	if s.idempotency == nil {
		return
	}
	if err := s.idempotency.RememberOrder(ctx, order.MerchantID, order.MerchantOrderID, order.OrderID, s.idempotencyTTL); err != nil {
		s.logger.Warn("Failed to cache idempotency key", zap.String("order_id", order.OrderID), zap.Error(err))
	}
}

func (s *OrderService) publishCreated(ctx context.Context, order *models.Order) {
	if s.events == nil {
		return
	}
	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: s.now(),
		},
		OrderID:     order.OrderID,
		MerchantID:  order.MerchantID,
		Direction:   order.Direction,
		Amount:      order.Amount,
		GatewayCode: order.GatewayCode,
	}
	if err := s.events.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}

// NewOrderID returns <PI|PO><yyyymmddhhmmss><10 hex>
func NewOrderID(d models.Direction, now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	return d.OrderIDPrefix() + now.Format("20060102150405") + random
}

func validateCreateRequest(req *CreateOrderRequest) (decimal.Decimal, error) {
	required := []struct{ field, value string }{
		{"merchant_id", req.MerchantID},
		{"merchant_order_id", req.MerchantOrderID},
		{"amount", req.Amount},
		{"notify_url", req.NotifyURL},
		{"sign", req.Sign},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return decimal.Zero, &ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	if len(req.MerchantOrderID) > 64 {
		return decimal.Zero, &ValidationError{Field: "merchant_order_id", Reason: "exceeds 64 characters"}
	}
	if !req.Direction.Valid() {
		return decimal.Zero, &ValidationError{Field: "direction", Reason: "must be payin or payout"}
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "is not a decimal number"}
	}
	if !amount.IsPositive() {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !amount.Equal(amount.Truncate(2)) {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "has more than 2 decimal places"}
	}

	u, err := url.Parse(req.NotifyURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return decimal.Zero, &ValidationError{Field: "notify_url", Reason: "must be an http(s) URL"}
	}

	if req.Direction == models.DirectionPayOut && (req.AccountNumber == "" || req.AccountName == "") {
		return decimal.Zero, &ValidationError{Field: "account_number", Reason: "and account_name are required for payout"}
	}
	return amount, nil
}
