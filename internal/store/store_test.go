package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"gateway-reconciler/internal/models"
	"gateway-reconciler/migrations"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL and applies the schema.
// Integration tests are skipped when it is not set.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - set TEST_DATABASE_URL to run")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.Migrate(context.Background(), migrations.FS)
	require.NoError(t, err)
	return s
}

func seedMerchant(t *testing.T, s *Store, opening string) *models.Merchant {
	t.Helper()
	m := &models.Merchant{
		MerchantID:     "M" + uuid.New().String()[:8],
		Name:           "test merchant",
		SecretKey:      "secret",
		PayInFeeRate:   decimal.RequireFromString("0.02"),
		PayOutFeeRate:  decimal.RequireFromString("0.01"),
		PayOutFeeFixed: decimal.RequireFromString("40"),
		PayInGateway:   "easypay",
		PayOutGateway:  "banklink",
		Enabled:        true,
	}
	require.NoError(t, s.SeedMerchant(context.Background(), m, decimal.RequireFromString(opening)))
	return m
}

func newTestOrder(m *models.Merchant, d models.Direction, amount string) *models.Order {
	amt := decimal.RequireFromString(amount)
	fee := m.Fee(d, amt)
	return &models.Order{
		OrderID:         fmt.Sprintf("%s%s", d.OrderIDPrefix(), uuid.New().String()[:12]),
		MerchantOrderID: uuid.New().String(),
		MerchantID:      m.MerchantID,
		Direction:       d,
		Amount:          amt,
		Fee:             fee,
		NetAmount:       amt.Sub(fee),
		Status:          models.StatusPending,
		GatewayCode:     m.GatewayFor(d),
		NotifyURL:       "https://merchant.example/notify",
	}
}

func TestCreateOrderDuplicateMerchantOrderID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s, "0")

	order := newTestOrder(m, models.DirectionPayIn, "1000")
	require.NoError(t, s.CreateOrder(ctx, order))
	assert.False(t, order.CreatedAt.IsZero())

	dup := newTestOrder(m, models.DirectionPayIn, "1000")
	dup.MerchantOrderID = order.MerchantOrderID
	err := s.CreateOrder(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	got, err := s.GetOrderByMerchantOrderID(ctx, m.MerchantID, order.MerchantOrderID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, got.OrderID)
}

func TestPayOutReserveAndRelease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s, "5000")

	order := newTestOrder(m, models.DirectionPayOut, "1000")
	require.NoError(t, s.CreateOrder(ctx, order))

	bal, err := s.GetBalance(ctx, m.MerchantID)
	require.NoError(t, err)
	assert.True(t, bal.AvailableBalance.Equal(decimal.RequireFromString("3950")), bal.AvailableBalance.String())
	assert.True(t, bal.FrozenBalance.Equal(decimal.RequireFromString("1050")), bal.FrozenBalance.String())

	final, applied, err := s.FinalizeOrder(ctx, FinalizeParams{
		OrderID: order.OrderID,
		Status:  models.StatusFailed,
		Payload: []byte(`{"code":"422"}`),
		Source:  models.SourceCallback,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.NotNil(t, final.FinalizedAt)

	bal, err = s.GetBalance(ctx, m.MerchantID)
	require.NoError(t, err)
	assert.True(t, bal.AvailableBalance.Equal(decimal.RequireFromString("5000")))
	assert.True(t, bal.FrozenBalance.IsZero())
}

func TestPayOutInsufficientBalance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s, "100")

	order := newTestOrder(m, models.DirectionPayOut, "1000")
	err := s.CreateOrder(ctx, order)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = s.GetOrder(ctx, order.OrderID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeOrderConcurrentOnlyOneApplies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s, "0")

	order := newTestOrder(m, models.DirectionPayIn, "1000")
	require.NoError(t, s.CreateOrder(ctx, order))

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := s.FinalizeOrder(ctx, FinalizeParams{
				OrderID: order.OrderID,
				Status:  models.StatusSuccess,
				Source:  models.SourceCallback,
			})
			assert.NoError(t, err)
			results <- applied
		}()
	}
	wg.Wait()
	close(results)

	appliedCount := 0
	for applied := range results {
		if applied {
			appliedCount++
		}
	}
	assert.Equal(t, 1, appliedCount)

	bal, err := s.GetBalance(ctx, m.MerchantID)
	require.NoError(t, err)
	assert.True(t, bal.AvailableBalance.Equal(decimal.RequireFromString("980")), bal.AvailableBalance.String())
}

func TestFinalizeOrderTerminalIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s, "0")

	order := newTestOrder(m, models.DirectionPayIn, "500")
	require.NoError(t, s.CreateOrder(ctx, order))

	_, applied, err := s.FinalizeOrder(ctx, FinalizeParams{OrderID: order.OrderID, Status: models.StatusSuccess, Source: models.SourceQuery})
	require.NoError(t, err)
	require.True(t, applied)

	current, applied, err := s.FinalizeOrder(ctx, FinalizeParams{OrderID: order.OrderID, Status: models.StatusFailed, Source: models.SourceCallback})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.StatusSuccess, current.Status)
	assert.Equal(t, models.SourceQuery, current.FinalizeSource)
}

func TestListStalePendingAndGatewayRef(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s, "0")

	order := newTestOrder(m, models.DirectionPayIn, "10")
	require.NoError(t, s.CreateOrder(ctx, order))
	require.NoError(t, s.MarkSubmitted(ctx, order.OrderID, "GW-"+order.OrderID, "https://pay.example/x"))

	got, err := s.GetOrderByGatewayTradeNo(ctx, order.GatewayCode, "GW-"+order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, got.OrderID)

	stale, err := s.ListStalePending(ctx, time.Now().Add(time.Minute), 1000)
	require.NoError(t, err)
	found := false
	for _, o := range stale {
		if o.OrderID == order.OrderID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMarkQueriedOnlyTouchesPendingOrders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s, "0")

	pending := newTestOrder(m, models.DirectionPayIn, "10")
	require.NoError(t, s.CreateOrder(ctx, pending))
	done := newTestOrder(m, models.DirectionPayIn, "10")
	require.NoError(t, s.CreateOrder(ctx, done))
	_, applied, err := s.FinalizeOrder(ctx, FinalizeParams{OrderID: done.OrderID, Status: models.StatusFailed, Source: models.SourceCallback})
	require.NoError(t, err)
	require.True(t, applied)

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.MarkQueried(ctx, pending.OrderID, at))
	require.NoError(t, s.MarkQueried(ctx, done.OrderID, at))

	got, err := s.GetOrder(ctx, pending.OrderID)
	require.NoError(t, err)
	require.NotNil(t, got.LastQueriedAt)
	assert.True(t, at.Equal(*got.LastQueriedAt))

	got, err = s.GetOrder(ctx, done.OrderID)
	require.NoError(t, err)
	assert.Nil(t, got.LastQueriedAt)
}

func TestAuditAndProcessedEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &models.AuditRecord{GatewayCode: "easypay", OrderID: "PI-missing", Kind: models.AuditUnknownOrder, Payload: "{}"}
	require.NoError(t, s.RecordAudit(ctx, rec))
	assert.NotZero(t, rec.ID)

	records, err := s.ListAudit(ctx, models.AuditUnknownOrder, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, records)

	eventID := uuid.New().String()
	processed, err := s.IsEventProcessed(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, s.MarkEventProcessed(ctx, eventID, models.EventTypeMerchantNotify))
	require.NoError(t, s.MarkEventProcessed(ctx, eventID, models.EventTypeMerchantNotify))
	processed, err = s.IsEventProcessed(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, processed)
}
