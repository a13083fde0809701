// Package risk enforces exposure limits on position opening.
//
// The engine fills every order at mark price, so nothing stops a user
// from stacking leveraged exposure except these caps: a per-user
// aggregate notional limit and a per-market open-interest ceiling.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUserExposureExceeded is returned when an order would push a
	// user's aggregate open notional beyond the per-user maximum.
	ErrUserExposureExceeded = errors.New("risk: user exposure limit exceeded")

	// ErrMarketExposureExceeded is returned when an order would push a
	// market's open interest beyond the per-market ceiling.
	ErrMarketExposureExceeded = errors.New("risk: market open-interest limit exceeded")
)

// Limiter enforces notional exposure limits. Zero-valued limits
// disable the corresponding check.
type Limiter struct {
	// MaxUserNotional is the maximum aggregate size×leverage a single
	// user may hold open across all markets.
	MaxUserNotional decimal.Decimal

	// MaxMarketOpenInterest is the maximum open interest any single
	// market may carry.
	MaxMarketOpenInterest decimal.Decimal
}

// NewLimiter creates a limiter with the given per-user and per-market
// notional ceilings.
func NewLimiter(maxUserNotional, maxMarketOpenInterest decimal.Decimal) *Limiter {
	return &Limiter{
		MaxUserNotional:       maxUserNotional,
		MaxMarketOpenInterest: maxMarketOpenInterest,
	}
}

// CheckOrder validates whether adding notionalDelta respects both
// limits, given the user's current aggregate notional and the target
// market's current open interest. Returns nil if the order is within
// limits, or an error describing the violation.
func (l *Limiter) CheckOrder(notionalDelta, userNotional, marketOpenInterest decimal.Decimal) error {
	if l.MaxUserNotional.IsPositive() &&
		userNotional.Add(notionalDelta).GreaterThan(l.MaxUserNotional) {
		return ErrUserExposureExceeded
	}
	if l.MaxMarketOpenInterest.IsPositive() &&
		marketOpenInterest.Add(notionalDelta).GreaterThan(l.MaxMarketOpenInterest) {
		return ErrMarketExposureExceeded
	}
	return nil
}
