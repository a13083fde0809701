package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckOrder_WithinLimits(t *testing.T) {
	l := NewLimiter(d(100000), d(1000000))
	if err := l.CheckOrder(d(5000), d(20000), d(300000)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckOrder_UserLimit(t *testing.T) {
	l := NewLimiter(d(100000), d(1000000))

	// Exactly at the limit is allowed.
	if err := l.CheckOrder(d(80000), d(20000), d(0)); err != nil {
		t.Errorf("order at exact user limit rejected: %v", err)
	}
	// One past the limit is not.
	if err := l.CheckOrder(d(80001), d(20000), d(0)); err != ErrUserExposureExceeded {
		t.Errorf("expected ErrUserExposureExceeded, got %v", err)
	}
}

func TestCheckOrder_MarketLimit(t *testing.T) {
	l := NewLimiter(d(0), d(1000000))

	if err := l.CheckOrder(d(100000), d(0), d(950000)); err != ErrMarketExposureExceeded {
		t.Errorf("expected ErrMarketExposureExceeded, got %v", err)
	}
}

func TestCheckOrder_ZeroLimitsDisableChecks(t *testing.T) {
	l := NewLimiter(decimal.Zero, decimal.Zero)
	if err := l.CheckOrder(d(1e12), d(1e12), d(1e12)); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}
