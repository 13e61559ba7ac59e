// Package ledger computes the balance effects of orders. Effects are relative
// deltas so the store can apply them as single conditional updates.
package ledger

import (
	"errors"
	"fmt"

	"gateway-reconciler/internal/models"

	"github.com/shopspring/decimal"
)

// ErrNegativeBalance is returned when applying a delta would drive a balance below zero
var ErrNegativeBalance = errors.New("ledger balance would become negative")

// Entry types, one journal row per order and type
const (
	EntryPayOutReserve = "payout_reserve"
	EntryPayInCredit   = "payin_credit"
	EntryPayOutDebit   = "payout_debit"
	EntryPayOutRelease = "payout_release"
)

// Delta is a relative change to a merchant's available and frozen balances
type Delta struct {
	EntryType string
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

// IsZero reports whether the delta changes nothing
func (d Delta) IsZero() bool {
	return d.Available.IsZero() && d.Frozen.IsZero()
}

func (d Delta) String() string {
	return fmt.Sprintf("%s(available=%s, frozen=%s)", d.EntryType, d.Available.StringFixed(2), d.Frozen.StringFixed(2))
}

// ReserveDelta is applied when a pay-out order is created: amount + fee moves
// from available to frozen.
func ReserveDelta(order *models.Order) Delta {
	r := order.Reserve()
	return Delta{
		EntryType: EntryPayOutReserve,
		Available: r.Neg(),
		Frozen:    r,
	}
}

// FinalizeDelta returns the effect of moving order to a terminal status. The
// second return is false when the transition has no ledger effect (pay-in
// failure) or the status is not terminal.
func FinalizeDelta(order *models.Order, status models.OrderStatus) (Delta, bool) {
	switch order.Direction {
	case models.DirectionPayIn:
		if status == models.StatusSuccess {
			return Delta{EntryType: EntryPayInCredit, Available: order.NetAmount, Frozen: decimal.Zero}, true
		}
	case models.DirectionPayOut:
		r := order.Reserve()
		switch status {
		case models.StatusSuccess:
			return Delta{EntryType: EntryPayOutDebit, Available: decimal.Zero, Frozen: r.Neg()}, true
		case models.StatusFailed:
			return Delta{EntryType: EntryPayOutRelease, Available: r, Frozen: r.Neg()}, true
		}
	}
	return Delta{}, false
}

// Apply returns bal with d applied, or ErrNegativeBalance if either side would
// go below zero. bal is not modified.
func Apply(bal models.Balance, d Delta) (models.Balance, error) {
	available := bal.AvailableBalance.Add(d.Available)
	frozen := bal.FrozenBalance.Add(d.Frozen)
	if available.IsNegative() || frozen.IsNegative() {
		return bal, fmt.Errorf("%w: merchant=%s %s", ErrNegativeBalance, bal.MerchantID, d)
	}
	bal.AvailableBalance = available
	bal.FrozenBalance = frozen
	return bal, nil
}
