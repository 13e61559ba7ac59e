package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gateway-reconciler/internal/gateway"
	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/signature"
	"gateway-reconciler/internal/store"
	"gateway-reconciler/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	store   *testutil.MemoryStore
	adapter *testutil.FakeAdapter
	queue   *testutil.RecordingQueue
	cache   *testutil.MapCache
	engine  *ReconciliationEngine
}

func newEngineFixture(t *testing.T, settings Settings) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:   testutil.NewMemoryStore(),
		adapter: testutil.NewFakeAdapter(testutil.GatewayCode, testutil.GatewaySecret),
		queue:   &testutil.RecordingQueue{},
		cache:   testutil.NewMapCache(),
	}
	m := testutil.Merchant()
	m.PayInFeeRate = testutil.Dec("0.09")
	f.store.AddMerchant(m, testutil.Dec("0"))

	f.engine = NewReconciliationEngine(f.store, testutil.NewRegistry(f.adapter), f.queue, StaticSettings(settings))
	f.engine.SetStatusCache(f.cache, time.Hour)
	return f
}

func defaultSettings() Settings {
	return Settings{VerifyAmounts: true, NotifyEnabled: true}
}

func (f *engineFixture) putPending(t *testing.T, id string, d models.Direction, amount, fee string) models.Order {
	t.Helper()
	amt := testutil.Dec(amount)
	feeAmt := testutil.Dec(fee)
	net := amt
	if d == models.DirectionPayIn {
		net = amt.Sub(feeAmt)
	}
	o := models.Order{
		OrderID:         id,
		MerchantOrderID: "MO-" + id,
		MerchantID:      testutil.MerchantID,
		Direction:       d,
		Amount:          amt,
		Fee:             feeAmt,
		NetAmount:       net,
		Status:          models.StatusPending,
		GatewayCode:     testutil.GatewayCode,
		NotifyURL:       "https://merchant.example/notify",
	}
	f.store.PutOrder(o)
	return o
}

func (f *engineFixture) balance(t *testing.T) *models.Balance {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), testutil.MerchantID)
	require.NoError(t, err)
	return b
}

func (f *engineFixture) callback(t *testing.T, body []byte) *CallbackResult {
	t.Helper()
	res, err := f.engine.HandleCallback(context.Background(), testutil.GatewayCode, testutil.FormContent, body)
	require.NoError(t, err)
	return res
}

func TestPayInSuccessCreditsOnceWhenDeliveredTwice(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.putPending(t, "PI1", models.DirectionPayIn, "1000", "90")
	body := testutil.SimpleCallback(testutil.GatewaySecret, "PI1", "1000.00", "1")

	first := f.callback(t, body)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, models.StatusSuccess, first.Status)
	assert.True(t, first.SignatureValid)
	assert.Equal(t, "ok", string(first.Ack.Body))

	second := f.callback(t, body)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.True(t, second.Acknowledge())
	assert.Equal(t, "ok", string(second.Ack.Body))

	assert.True(t, f.balance(t).AvailableBalance.Equal(testutil.Dec("910")))
	assert.Equal(t, 1, f.store.JournalEntries())
	assert.Equal(t, []string{models.AuditDuplicate}, f.store.AuditKinds())

	jobs := f.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "PI1", jobs[0].Payload.OrderID)
	assert.Equal(t, models.StatusSuccess, jobs[0].Payload.Status)
	assert.Equal(t, signature.MerchantNotifySign("PI1", "MO-PI1", "success", "1000.00", testutil.MerchantSecret), jobs[0].Payload.Sign)

	order, err := f.store.GetOrder(context.Background(), "PI1")
	require.NoError(t, err)
	assert.Equal(t, models.SourceCallback, order.FinalizeSource)
	assert.Equal(t, "TPI1", order.GatewayTradeNo)
	assert.NotNil(t, order.FinalizedAt)
}

func TestPayOutFailureReleasesReservation(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.store.AddMerchant(testutil.Merchant(), testutil.Dec("5000"))

	order := &models.Order{
		OrderID: "PO1", MerchantOrderID: "MO-PO1", MerchantID: testutil.MerchantID,
		Direction: models.DirectionPayOut, Amount: testutil.Dec("1000"), Fee: testutil.Dec("50"),
		NetAmount: testutil.Dec("1000"), Status: models.StatusPending, GatewayCode: testutil.GatewayCode,
	}
	require.NoError(t, f.store.CreateOrder(context.Background(), order))

	b := f.balance(t)
	assert.True(t, b.AvailableBalance.Equal(testutil.Dec("3950")))
	assert.True(t, b.FrozenBalance.Equal(testutil.Dec("1050")))

	res := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PO1", "1000.00", "0"))
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.StatusFailed, res.Status)

	b = f.balance(t)
	assert.True(t, b.AvailableBalance.Equal(testutil.Dec("5000")))
	assert.True(t, b.FrozenBalance.IsZero())
	// order has no notify url
	assert.Empty(t, f.queue.Jobs())
}

func TestPayOutSuccessDebitsFrozen(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.store.AddMerchant(testutil.Merchant(), testutil.Dec("5000"))
	order := &models.Order{
		OrderID: "PO2", MerchantOrderID: "MO-PO2", MerchantID: testutil.MerchantID,
		Direction: models.DirectionPayOut, Amount: testutil.Dec("1000"), Fee: testutil.Dec("50"),
		NetAmount: testutil.Dec("1000"), Status: models.StatusPending, GatewayCode: testutil.GatewayCode,
	}
	require.NoError(t, f.store.CreateOrder(context.Background(), order))

	res := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PO2", "1000.00", "1"))
	assert.Equal(t, OutcomeApplied, res.Outcome)

	b := f.balance(t)
	assert.True(t, b.AvailableBalance.Equal(testutil.Dec("3950")))
	assert.True(t, b.FrozenBalance.IsZero())
}

func TestUnknownOrderIsAcknowledgedAndAudited(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())

	res := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI-NOPE", "10.00", "1"))
	assert.Equal(t, OutcomeUnknownOrder, res.Outcome)
	assert.True(t, res.Acknowledge())
	assert.Equal(t, "ok", string(res.Ack.Body))
	assert.Equal(t, []string{models.AuditUnknownOrder}, f.store.AuditKinds())
	assert.Equal(t, 0, f.store.JournalEntries())
	assert.Zero(t, f.store.FinalizeCalls)
}

func TestCallbackForOtherGatewaysOrderIsUnknown(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	o := f.putPending(t, "PI9", models.DirectionPayIn, "10", "0.90")
	o.GatewayCode = "mwallet"
	f.store.PutOrder(o)

	res := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI9", "10.00", "1"))
	assert.Equal(t, OutcomeUnknownOrder, res.Outcome)
	assert.Zero(t, f.store.FinalizeCalls)
}

func TestSettledOrderOfOtherGatewayIsUnknownNotDuplicate(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	o := f.putPending(t, "PI14", models.DirectionPayIn, "10", "0.90")
	o.GatewayCode = "mwallet"
	o.Status = models.StatusSuccess
	f.store.PutOrder(o)
	_, err := f.cache.CacheTerminalStatus(context.Background(), "mwallet", "PI14", string(models.StatusSuccess), time.Hour)
	require.NoError(t, err)

	res := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI14", "10.00", "1"))
	assert.Equal(t, OutcomeUnknownOrder, res.Outcome)
	assert.Equal(t, []string{models.AuditUnknownOrder}, f.store.AuditKinds())
}

func TestBadSignatureIsLenientByDefault(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.putPending(t, "PI2", models.DirectionPayIn, "1000", "90")

	res := f.callback(t, testutil.SimpleCallback("wrong-secret", "PI2", "1000.00", "1"))
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.False(t, res.SignatureValid)
	assert.Equal(t, []string{models.AuditSignatureMismatch}, f.store.AuditKinds())
	assert.True(t, f.balance(t).AvailableBalance.Equal(testutil.Dec("910")))
}

func TestBadSignatureRejectedWhenConfigured(t *testing.T) {
	settings := defaultSettings()
	settings.RejectUnsignedCallbacks = true
	f := newEngineFixture(t, settings)
	f.putPending(t, "PI3", models.DirectionPayIn, "1000", "90")

	res := f.callback(t, testutil.SimpleCallback("wrong-secret", "PI3", "1000.00", "1"))
	assert.Equal(t, OutcomeSignatureRejected, res.Outcome)
	assert.False(t, res.Acknowledge())
	assert.Empty(t, res.Ack.Body)

	order, err := f.store.GetOrder(context.Background(), "PI3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, order.Status)
	assert.True(t, f.balance(t).AvailableBalance.IsZero())
}

func TestAmbiguousStatusLeavesOrderPending(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.putPending(t, "PI4", models.DirectionPayIn, "1000", "90")

	res := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI4", "1000.00", "2"))
	assert.Equal(t, OutcomeAmbiguous, res.Outcome)
	assert.Equal(t, models.StatusPending, res.Status)
	assert.Equal(t, []string{models.AuditAmbiguousStatus}, f.store.AuditKinds())
	assert.Zero(t, f.store.FinalizeCalls)
}

func TestAmountMismatchLeavesOrderPending(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.putPending(t, "PI5", models.DirectionPayIn, "1000", "90")

	res := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI5", "10.00", "1"))
	assert.Equal(t, OutcomeAmountMismatch, res.Outcome)
	assert.Equal(t, []string{models.AuditAmountMismatch}, f.store.AuditKinds())
	assert.True(t, f.balance(t).AvailableBalance.IsZero())

	// a failure report does not need to carry the right amount
	res = f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI5", "10.00", "0"))
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.StatusFailed, res.Status)
}

func TestMalformedCallbackIsAcknowledged(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())

	res := f.callback(t, []byte("amount=10&status=1"))
	assert.Equal(t, OutcomeMalformed, res.Outcome)
	assert.True(t, res.Acknowledge())
	assert.Equal(t, []string{models.AuditMalformed}, f.store.AuditKinds())
}

func TestUnknownGatewayIsAnError(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	_, err := f.engine.HandleCallback(context.Background(), "nope", testutil.FormContent, []byte("order_id=1"))
	assert.ErrorIs(t, err, gateway.ErrUnknownGateway)
}

func TestStoreFailureIsReturnedForRetry(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.putPending(t, "PI6", models.DirectionPayIn, "1000", "90")
	boom := errors.New("connection refused")
	f.store.Err = boom

	_, err := f.engine.HandleCallback(context.Background(), testutil.GatewayCode, testutil.FormContent,
		testutil.SimpleCallback(testutil.GatewaySecret, "PI6", "1000.00", "1"))
	assert.ErrorIs(t, err, boom)

	// the retry after recovery applies normally
	f.store.Err = nil
	res := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI6", "1000.00", "1"))
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.putPending(t, "PI7", models.DirectionPayIn, "1000", "90")
	body := testutil.SimpleCallback(testutil.GatewaySecret, "PI7", "1000.00", "1")
	conflicting := testutil.SimpleCallback(testutil.GatewaySecret, "PI7", "1000.00", "0")

	const n = 20
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := body
			if i%4 == 3 {
				b = conflicting
			}
			res, err := f.engine.HandleCallback(context.Background(), testutil.GatewayCode, testutil.FormContent, b)
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}(i)
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for o := range outcomes {
		if o == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, len(f.queue.Jobs()))

	order, err := f.store.GetOrder(context.Background(), "PI7")
	require.NoError(t, err)
	bal := f.balance(t)
	if order.Status == models.StatusSuccess {
		assert.True(t, bal.AvailableBalance.Equal(testutil.Dec("910")))
	} else {
		assert.True(t, bal.AvailableBalance.IsZero())
	}
}

func TestCallbackRacingQueryAppliesOnce(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.putPending(t, "PI13", models.DirectionPayIn, "1000", "90")
	f.adapter.QueryFunc = func(ctx context.Context, o *models.Order) (*gateway.NormalizedCallback, error) {
		return &gateway.NormalizedCallback{
			OrderRef: o.OrderID, FinalStatus: models.StatusSuccess,
			RawAmount: o.Amount, HasAmount: true, Raw: []byte("{}"),
		}, nil
	}
	body := testutil.SimpleCallback(testutil.GatewaySecret, "PI13", "1000.00", "1")

	const n = 10
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := f.engine.HandleCallback(context.Background(), testutil.GatewayCode, testutil.FormContent, body)
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}()
		go func() {
			defer wg.Done()
			res, err := f.engine.ReconcileByQuery(context.Background(), "PI13")
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for o := range outcomes {
		if o == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.store.JournalEntries())
	assert.Len(t, f.queue.Jobs(), 1)
	assert.True(t, f.balance(t).AvailableBalance.Equal(testutil.Dec("910")))
}

func TestNotificationFailureDoesNotUndoTransition(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.queue.Err = errors.New("kafka down")
	f.putPending(t, "PI8", models.DirectionPayIn, "1000", "90")

	res := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI8", "1000.00", "1"))
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, f.balance(t).AvailableBalance.Equal(testutil.Dec("910")))
}

func TestNotifyDisabledSkipsQueue(t *testing.T) {
	settings := defaultSettings()
	settings.NotifyEnabled = false
	f := newEngineFixture(t, settings)
	f.putPending(t, "PI10", models.DirectionPayIn, "1000", "90")

	f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI10", "1000.00", "1"))
	assert.Empty(t, f.queue.Jobs())
}

func TestReconcileByQueryAppliesTerminalAnswer(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.putPending(t, "PI11", models.DirectionPayIn, "1000", "90")

	f.adapter.QueryFunc = func(ctx context.Context, o *models.Order) (*gateway.NormalizedCallback, error) {
		return &gateway.NormalizedCallback{OrderRef: o.OrderID, GatewayTradeNo: "Q1", FinalStatus: models.StatusPending, Raw: []byte("{}")}, nil
	}
	res, err := f.engine.ReconcileByQuery(context.Background(), "PI11")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmbiguous, res.Outcome)
	assert.Empty(t, f.store.AuditKinds())

	f.adapter.QueryFunc = func(ctx context.Context, o *models.Order) (*gateway.NormalizedCallback, error) {
		return &gateway.NormalizedCallback{
			OrderRef: o.OrderID, GatewayTradeNo: "Q1", FinalStatus: models.StatusSuccess,
			RawAmount: testutil.Dec("1000"), HasAmount: true, Raw: []byte(`{"pay_status":"1"}`),
		}, nil
	}
	res, err = f.engine.ReconcileByQuery(context.Background(), "PI11")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	order, err := f.store.GetOrder(context.Background(), "PI11")
	require.NoError(t, err)
	assert.Equal(t, models.SourceQuery, order.FinalizeSource)
	assert.Equal(t, "Q1", order.GatewayTradeNo)
	assert.True(t, f.balance(t).AvailableBalance.Equal(testutil.Dec("910")))

	// a late callback after the query settled it is a duplicate
	late := f.callback(t, testutil.SimpleCallback(testutil.GatewaySecret, "PI11", "1000.00", "1"))
	assert.Equal(t, OutcomeDuplicate, late.Outcome)

	// terminal orders are not queried again
	res, err = f.engine.ReconcileByQuery(context.Background(), "PI11")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Len(t, f.adapter.Queries(), 2)
}

func TestReconcileByQueryGatewayErrorKeepsPending(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	f.putPending(t, "PI12", models.DirectionPayIn, "1000", "90")
	f.adapter.QueryFunc = func(ctx context.Context, o *models.Order) (*gateway.NormalizedCallback, error) {
		return nil, &gateway.Error{Gateway: testutil.GatewayCode, Op: gateway.OpQuery, Retryable: true, Err: errors.New("timeout")}
	}

	_, err := f.engine.ReconcileByQuery(context.Background(), "PI12")
	var gwErr *gateway.Error
	require.ErrorAs(t, err, &gwErr)
	assert.True(t, gwErr.Retryable)

	order, err := f.store.GetOrder(context.Background(), "PI12")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, order.Status)
}

func TestReconcileByQueryUnknownOrder(t *testing.T) {
	f := newEngineFixture(t, defaultSettings())
	_, err := f.engine.ReconcileByQuery(context.Background(), "PI-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
