package testutil

import (
	"context"
	"net/url"
	"sync"
	"time"

	"gateway-reconciler/config"
	"gateway-reconciler/internal/gateway"
	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/signature"

	"github.com/shopspring/decimal"
)

const (
	GatewayCode    = "easypay"
	GatewaySecret  = "gw-secret"
	MerchantID     = "M1001"
	MerchantSecret = "merchant-secret"
	FormContent    = "application/x-www-form-urlencoded"
)

// FakeAdapter handles callbacks exactly like a "simple" gateway and lets
// tests script Submit and Query
type FakeAdapter struct {
	gateway.Adapter

	SubmitFunc func(ctx context.Context, order *models.Order) (*gateway.SubmitResult, error)
	QueryFunc  func(ctx context.Context, order *models.Order) (*gateway.NormalizedCallback, error)

	mu      sync.Mutex
	submits []string
	queries []string
}

func NewFakeAdapter(code, secret string) *FakeAdapter {
	inner, err := gateway.New(config.GatewayDefinition{
		Code:    code,
		Type:    config.GatewayTypeSimple,
		BaseURL: "http://gateway.invalid",
		Secret:  secret,
	})
	if err != nil {
		panic(err)
	}
	return &FakeAdapter{Adapter: inner}
}

func (a *FakeAdapter) Submit(ctx context.Context, order *models.Order) (*gateway.SubmitResult, error) {
	a.mu.Lock()
	a.submits = append(a.submits, order.OrderID)
	a.mu.Unlock()
	if a.SubmitFunc != nil {
		return a.SubmitFunc(ctx, order)
	}
	return &gateway.SubmitResult{ExternalRef: "T" + order.OrderID, PaymentURL: "https://pay.example/" + order.OrderID}, nil
}

func (a *FakeAdapter) Query(ctx context.Context, order *models.Order) (*gateway.NormalizedCallback, error) {
	a.mu.Lock()
	a.queries = append(a.queries, order.OrderID)
	a.mu.Unlock()
	if a.QueryFunc != nil {
		return a.QueryFunc(ctx, order)
	}
	return &gateway.NormalizedCallback{OrderRef: order.OrderID, FinalStatus: models.StatusPending, Raw: []byte("{}")}, nil
}

// Submits returns the order ids submitted so far
func (a *FakeAdapter) Submits() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.submits...)
}

// Queries returns the order ids queried so far
func (a *FakeAdapter) Queries() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.queries...)
}

// NewRegistry registers adapters under their codes
func NewRegistry(adapters ...gateway.Adapter) *gateway.Registry {
	r := &gateway.Registry{}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// SimpleCallback builds a signed form callback. status is "1" success, "0" failed.
func SimpleCallback(secret, orderID, amount, status string) []byte {
	form := url.Values{}
	form.Set("order_id", orderID)
	form.Set("trade_no", "T"+orderID)
	form.Set("amount", amount)
	form.Set("status", status)
	form.Set("sign", signature.ConcatMD5([]string{orderID, amount, status}, secret))
	return []byte(form.Encode())
}

// RecordingQueue captures enqueued notification jobs
type RecordingQueue struct {
	mu   sync.Mutex
	jobs []*models.NotificationJob
	Err  error
}

func (q *RecordingQueue) Enqueue(ctx context.Context, job *models.NotificationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// Jobs returns the captured jobs
func (q *RecordingQueue) Jobs() []*models.NotificationJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.NotificationJob(nil), q.jobs...)
}

// Merchant returns a merchant routed to GatewayCode in both directions,
// charging 2% on pay-in and 1% + 40 on pay-out
func Merchant() models.Merchant {
	return models.Merchant{
		MerchantID:     MerchantID,
		Name:           "Test Merchant",
		SecretKey:      MerchantSecret,
		PayInFeeRate:   decimal.RequireFromString("0.02"),
		PayOutFeeRate:  decimal.RequireFromString("0.01"),
		PayOutFeeFixed: decimal.RequireFromString("40"),
		PayInGateway:   GatewayCode,
		PayOutGateway:  GatewayCode,
		Enabled:        true,
	}
}

// Dec parses a decimal literal
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// MapCache is an in-memory status and idempotency cache
type MapCache struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMapCache() *MapCache {
	return &MapCache{values: make(map[string]string)}
}

func (c *MapCache) CacheTerminalStatus(ctx context.Context, gatewayCode, orderID, status string, ttl time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := "status:" + gatewayCode + ":" + orderID
	if v, ok := c.values[key]; ok {
		return v, nil
	}
	c.values[key] = status
	return status, nil
}

func (c *MapCache) TerminalStatus(ctx context.Context, gatewayCode, orderID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values["status:"+gatewayCode+":"+orderID], nil
}

func (c *MapCache) RememberOrder(ctx context.Context, merchantID, merchantOrderID, orderID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values["idem:"+merchantID+":"+merchantOrderID] = orderID
	return nil
}

func (c *MapCache) LookupOrder(ctx context.Context, merchantID, merchantOrderID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values["idem:"+merchantID+":"+merchantOrderID], nil
}
