// Package margin implements the pure, deterministic price and margin math
// shared by the orderbook, trade executor, and channel event projector
// (component C1). Every function here is side-effect free and operates on
// fixed-precision decimals; nothing in this package touches the network
// or a database.
//
// Rounding is deterministic MidpointAwayFromZero, matching the teacher's
// own (unused) import of shopspring/decimal — this package is where that
// dependency actually earns its keep.
package margin

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/10101-finance/coordinator-engine/pkg/types"
)

// PriceCeiling is the configured maximum BTC-USD price: 2^20 - 1.
var PriceCeiling = decimal.NewFromInt(1<<20 - 1)

// PayoutCurveIntervals is the number of discretisation intervals between
// the two liquidation bounds.
const PayoutCurveIntervals = 200

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}

// roundUp rounds a positive decimal away from zero to the nearest integer,
// matching "round_up" semantics for satoshi margin amounts (a trader's
// margin must never be under-collateralised by rounding).
func roundUp(d decimal.Decimal) decimal.Decimal {
	if d.Equal(d.Truncate(0)) {
		return d
	}
	return d.Truncate(0).Add(decimal.NewFromInt(1))
}

// Margin computes margin(price, quantity, leverage) in satoshis:
//
//	round_up( quantity / (leverage * price) ) expressed in sats (BTC * 1e8)
//
// quantity is in contracts (USD-denominated), price is USD/BTC.
func Margin(price, quantity, leverage decimal.Decimal) int64 {
	btc := quantity.Div(leverage.Mul(price))
	sats := roundUp(btc.Mul(decimal.NewFromInt(1e8)))
	return sats.IntPart()
}

// LongLiquidationPrice computes price * leverage / (leverage + 1).
func LongLiquidationPrice(leverage, price decimal.Decimal) decimal.Decimal {
	return round(price.Mul(leverage).Div(leverage.Add(decimal.NewFromInt(1))))
}

// ShortLiquidationPrice computes price * leverage / (leverage - 1) for
// leverage > 1, else the configured price ceiling.
func ShortLiquidationPrice(leverage, price decimal.Decimal) decimal.Decimal {
	if leverage.GreaterThan(decimal.NewFromInt(1)) {
		return round(price.Mul(leverage).Div(leverage.Sub(decimal.NewFromInt(1))))
	}
	return PriceCeiling
}

// clampSat clamps v to [lo, hi].
func clampSat(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PnL returns the signed satoshi PnL of an inverse contract for the given
// direction: the long party gains when close > entry. The result is
// clamped so that no party pays more than their own margin.
func PnL(entry, close, quantity decimal.Decimal, direction types.Direction, marginLongSat, marginShortSat int64) int64 {
	if entry.IsZero() || close.IsZero() {
		return 0
	}
	// Inverse contract: value in BTC is quantity/price; PnL in sats is
	// quantity * 1e8 * (1/entry - 1/close) for a long position.
	invEntry := decimal.NewFromInt(1).Div(entry)
	invClose := decimal.NewFromInt(1).Div(close)
	longPnL := roundSigned(quantity.Mul(decimal.NewFromInt(1e8)).Mul(invEntry.Sub(invClose)))

	var raw int64
	switch direction {
	case types.Long:
		raw = longPnL
	case types.Short:
		raw = -longPnL
	default:
		return 0
	}

	if raw >= 0 {
		// The gaining side is capped by what the losing side can pay,
		// i.e. the loser's margin.
		var loserMargin int64
		if direction == types.Long {
			loserMargin = marginShortSat
		} else {
			loserMargin = marginLongSat
		}
		return clampSat(raw, 0, loserMargin)
	}

	var ownMargin int64
	if direction == types.Long {
		ownMargin = marginLongSat
	} else {
		ownMargin = marginShortSat
	}
	return clampSat(raw, -ownMargin, 0)
}

func roundSigned(d decimal.Decimal) int64 {
	if d.Sign() >= 0 {
		return roundUp(d).IntPart() - signedRoundAdjust(d)
	}
	neg := d.Neg()
	return -(roundUp(neg).IntPart() - signedRoundAdjust(neg))
}

// signedRoundAdjust corrects roundUp (ceiling for positive input) into a
// MidpointAwayFromZero rounding for PnL, which must round to nearest, not
// always up, to stay symmetric between long and short (testable property 6).
func signedRoundAdjust(d decimal.Decimal) int64 {
	frac := d.Sub(d.Truncate(0))
	if frac.IsZero() {
		// roundUp left an integral value unchanged; nothing to undo.
		return 0
	}
	if frac.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		return 0
	}
	return 1
}

// PayoutPoint is one (outcome price, coordinator payout) vertex of the
// discretised payout curve handed to the DLC collaborator.
type PayoutPoint struct {
	Outcome decimal.Decimal // event-outcome price
	Payout  int64           // coordinator payout, satoshis
}

// PayoutCurve discretises the piecewise-linear payout function into
// ~PayoutCurveIntervals segments between the long and short liquidation
// bounds, plus two constant "liquidated" tails, per spec §4.1. The
// returned points have strictly ascending Outcome values (testable
// property 4) and are joined by 1-unit step segments so the sequence is a
// valid set of DLC CET outcomes (never a zero-width interval).
func PayoutCurve(
	entry, marginLong, marginShort, leverageLong, leverageShort decimal.Decimal,
	coordinatorDirection types.Direction,
	coordinatorReserve, traderReserve int64,
	quantity decimal.Decimal,
) []PayoutPoint {
	longLiq := LongLiquidationPrice(leverageLong, entry)
	shortLiq := ShortLiquidationPrice(leverageShort, entry)

	marginLongSat := marginLong.IntPart()
	marginShortSat := marginShort.IntPart()

	floor := coordinatorReserve
	ceil := coordinatorReserve + marginLongSat + marginShortSat

	points := make([]PayoutPoint, 0, PayoutCurveIntervals+4)

	// Liquidated tail below longLiq: coordinator (if long) loses fully,
	// i.e. the curve is flat at whichever bound applies for one tick
	// below longLiq down to 1.
	lowTailPrice := decimal.NewFromInt(1)
	if lowTailPrice.LessThan(longLiq) {
		points = append(points, PayoutPoint{
			Outcome: lowTailPrice,
			Payout:  payoutAt(entry, lowTailPrice, quantity, coordinatorDirection, marginLongSat, marginShortSat, floor, ceil),
		})
	}

	step := shortLiq.Sub(longLiq).Div(decimal.NewFromInt(PayoutCurveIntervals))
	if step.LessThanOrEqual(decimal.Zero) {
		step = decimal.NewFromInt(1)
	}

	prevOutcome := longLiq
	for i := 0; i <= PayoutCurveIntervals; i++ {
		outcome := longLiq.Add(step.Mul(decimal.NewFromInt(int64(i))))
		if i == PayoutCurveIntervals {
			outcome = shortLiq
		}
		if len(points) > 0 && outcome.LessThanOrEqual(prevOutcome) {
			// Guarantee strict ascent: bump by 1 unit (a hard
			// requirement of the DLC collaborator).
			outcome = prevOutcome.Add(decimal.NewFromInt(1))
		}
		payout := payoutAt(entry, outcome, quantity, coordinatorDirection, marginLongSat, marginShortSat, floor, ceil)
		points = append(points, PayoutPoint{Outcome: outcome, Payout: payout})
		prevOutcome = outcome
	}

	// Liquidated tail above shortLiq, one unit past the last point.
	highTail := prevOutcome.Add(decimal.NewFromInt(1))
	points = append(points, PayoutPoint{
		Outcome: highTail,
		Payout:  payoutAt(entry, highTail, quantity, coordinatorDirection, marginLongSat, marginShortSat, floor, ceil),
	})

	return points
}

func payoutAt(entry, mid, quantity decimal.Decimal, coordinatorDirection types.Direction, marginLongSat, marginShortSat, floor, ceil int64) int64 {
	pnl := PnL(entry, mid, quantity, coordinatorDirection, marginLongSat, marginShortSat)
	var coordinatorMargin int64
	if coordinatorDirection == types.Long {
		coordinatorMargin = marginLongSat
	} else {
		coordinatorMargin = marginShortSat
	}
	payout := floor + coordinatorMargin + pnl
	return clampSat(payout, floor, ceil)
}

// OutcomeForPrice encodes a price as a binary-digit oracle outcome string
// of the given bit width, the inverse of PriceForOutcome. The payout curve
// is expressed in (price, payout) pairs; the DLC collaborator wants CET
// outcomes as binary digits, so every curve point goes through this
// encoding before being handed over (spec §4.6).
func OutcomeForPrice(price decimal.Decimal, digits int) string {
	v := price.Truncate(0).IntPart()
	if v < 0 {
		v = 0
	}
	max := int64(1)<<uint(digits) - 1
	if v > max {
		v = max
	}
	return fmt.Sprintf("%0*b", digits, v)
}

// PriceForOutcome decodes a binary-digit oracle attestation outcome back
// into a closing price (spec §4.7: "closing price is parsed from the
// oracle attestation's binary outcome digits").
func PriceForOutcome(outcome string) (decimal.Decimal, error) {
	if outcome == "" {
		return decimal.Decimal{}, fmt.Errorf("empty outcome")
	}
	v, err := strconv.ParseInt(outcome, 2, 64)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse binary outcome %q: %w", outcome, err)
	}
	return decimal.NewFromInt(v), nil
}

// OrderMatchingFeeTaker computes the taker fee for a trade, in satoshis.
// The fee rate is a fixed 10 bps of notional, added to the accept-side
// collateral so the coordinator receives it as reserve (spec §4.6).
func OrderMatchingFeeTaker(quantity, price decimal.Decimal) int64 {
	const feeBps = 10
	notionalSat := quantity.Div(price).Mul(decimal.NewFromInt(1e8))
	fee := notionalSat.Mul(decimal.NewFromInt(feeBps)).Div(decimal.NewFromInt(10000))
	return roundUp(fee).IntPart()
}
