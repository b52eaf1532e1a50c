package margin

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// S1 — Open long position: quantity=100, price=20_000, leverage=2.
func TestMargin_S1(t *testing.T) {
	got := Margin(dec("20000"), dec("100"), dec("2"))
	want := int64(250000)
	if got != want {
		t.Fatalf("Margin() = %d, want %d", got, want)
	}
}

func TestLongLiquidationPrice(t *testing.T) {
	got := LongLiquidationPrice(dec("2"), dec("20000"))
	// 20000 * 2 / 3 = 13333.33 -> rounded half away from zero
	if got.LessThan(dec("13333")) || got.GreaterThan(dec("13334")) {
		t.Fatalf("unexpected long liq price: %s", got)
	}
}

func TestShortLiquidationPrice_Ceiling(t *testing.T) {
	got := ShortLiquidationPrice(dec("1"), dec("20000"))
	if !got.Equal(PriceCeiling) {
		t.Fatalf("expected ceiling for leverage=1, got %s", got)
	}
}

// S2 — Close long position with profit: entry=20000, close=22000, qty=100,
// margin_long = margin_short = 250000.
func TestPnL_S2(t *testing.T) {
	got := PnL(dec("20000"), dec("22000"), dec("100"), types.Long, 250000, 250000)
	// Exact inverse-contract PnL: 100e8*(1/20000 - 1/22000) ≈ 22727.27
	if got < 22700 || got > 22800 {
		t.Fatalf("PnL() = %d, want ~22727", got)
	}
}

// S3 — Short liquidation on close: clamp to -margin.
func TestPnL_S3_ClampsToMargin(t *testing.T) {
	got := PnL(dec("20000"), dec("30001"), dec("100"), types.Short, 250000, 250000)
	if got != -250000 {
		t.Fatalf("PnL() = %d, want -250000 (clamped)", got)
	}
}

func TestPnL_Symmetry(t *testing.T) {
	long := PnL(dec("20000"), dec("21000"), dec("50"), types.Long, 500000, 500000)
	short := PnL(dec("20000"), dec("21000"), dec("50"), types.Short, 500000, 500000)
	if long != -short {
		t.Fatalf("pnl not symmetric: long=%d short=%d", long, short)
	}
}

func TestPayoutCurve_Monotonic(t *testing.T) {
	points := PayoutCurve(dec("20000"), dec("250000"), dec("250000"), dec("2"), dec("2"), types.Long, 10000, 10000, dec("100"))
	if len(points) < 3 {
		t.Fatalf("too few points: %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if !points[i].Outcome.GreaterThan(points[i-1].Outcome) {
			t.Fatalf("outcomes not strictly ascending at %d: %s <= %s", i, points[i].Outcome, points[i-1].Outcome)
		}
		if points[i].Payout < points[i-1].Payout {
			t.Fatalf("coordinator (long) payout decreased at %d: %d < %d", i, points[i].Payout, points[i-1].Payout)
		}
	}
}

func TestOrderMatchingFeeTaker(t *testing.T) {
	fee := OrderMatchingFeeTaker(dec("100"), dec("20000"))
	if fee <= 0 {
		t.Fatalf("expected positive fee, got %d", fee)
	}
}
