package risk

import (
	"github.com/shopspring/decimal"

	"riskmanager/src/model"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// SideForTradeType maps the stored trade type onto a risk side.
func SideForTradeType(tradeType string) Side {
	if tradeType == model.TradeTypeSell {
		return SideShort
	}
	return SideLong
}

var oneHundred = decimal.NewFromInt(100)

// Policy supplies the stop distances used by the evaluators. Distances
// are absolute price offsets; the policy decides how they react to the
// position being in profit.
type Policy interface {
	// StopDistance is the fixed stop offset from the entry price.
	StopDistance(side Side, entry, market decimal.Decimal) decimal.Decimal
	// TrailDistance is the trailing stop offset from the market price.
	TrailDistance(market decimal.Decimal) decimal.Decimal
}

// PercentPolicy derives stop distances as percentages of price. The
// fixed stop sits BasePercent away from entry; once the unrealized gain
// reaches TightenTrigger percent the distance shrinks to TightPercent.
// The trailing stop follows TrailPercent below (long) or above (short)
// the market price.
type PercentPolicy struct {
	BasePercent    decimal.Decimal
	TightPercent   decimal.Decimal
	TightenTrigger decimal.Decimal
	TrailPercent   decimal.Decimal
}

// DefaultPercentPolicy mirrors the configuration shipped with the
// scheduler: 5% base stop, tightened to 2% after a 3% gain, 1.5% trail.
func DefaultPercentPolicy() PercentPolicy {
	return PercentPolicy{
		BasePercent:    decimal.NewFromInt(5),
		TightPercent:   decimal.NewFromInt(2),
		TightenTrigger: decimal.NewFromInt(3),
		TrailPercent:   decimal.NewFromFloat(1.5),
	}
}

// gainPercent is the unrealized move in the position's favor, in
// percent of entry. Negative when the position is under water.
func gainPercent(side Side, entry, market decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	diff := market.Sub(entry)
	if side == SideShort {
		diff = diff.Neg()
	}
	return diff.Div(entry).Mul(oneHundred)
}

func (p PercentPolicy) StopDistance(side Side, entry, market decimal.Decimal) decimal.Decimal {
	percent := p.BasePercent
	if gainPercent(side, entry, market).GreaterThanOrEqual(p.TightenTrigger) {
		percent = p.TightPercent
	}
	return entry.Mul(percent).Div(oneHundred)
}

func (p PercentPolicy) TrailDistance(market decimal.Decimal) decimal.Decimal {
	return market.Mul(p.TrailPercent).Div(oneHundred)
}

// NextStopLoss computes the fixed stop for a position from a single
// price snapshot. The candidate sits on the loss-limiting side of entry
// and is applied only when it tightens the existing stop:
//
// Long:
// - candidate: entry - distance
// - update: SL = max(SL, candidate)
//
// Short:
// - candidate: entry + distance
// - update: SL = min(SL, candidate)
func NextStopLoss(
	side Side,
	entry, market decimal.Decimal,
	currentSL decimal.NullDecimal,
	policy Policy,
) (newSL decimal.Decimal, moved bool) {

	distance := policy.StopDistance(side, entry, market)

	switch side {
	case SideLong:
		candidate := entry.Sub(distance)
		if !currentSL.Valid || candidate.GreaterThan(currentSL.Decimal) {
			return candidate, true
		}
		return currentSL.Decimal, false

	case SideShort:
		candidate := entry.Add(distance)
		if !currentSL.Valid || candidate.LessThan(currentSL.Decimal) {
			return candidate, true
		}
		return currentSL.Decimal, false

	default:
		return decimal.Zero, false
	}
}

// NextTrailingStop ratchets the trailing stop toward the market price.
// The stop only ever moves in the risk-reducing direction; unfavorable
// price moves leave it untouched.
func NextTrailingStop(
	side Side,
	market decimal.Decimal,
	currentTS decimal.NullDecimal,
	policy Policy,
) (newTS decimal.Decimal, moved bool) {

	distance := policy.TrailDistance(market)

	switch side {
	case SideLong:
		candidate := market.Sub(distance)
		if !currentTS.Valid || candidate.GreaterThan(currentTS.Decimal) {
			return candidate, true
		}
		return currentTS.Decimal, false

	case SideShort:
		candidate := market.Add(distance)
		if !currentTS.Valid || candidate.LessThan(currentTS.Decimal) {
			return candidate, true
		}
		return currentTS.Decimal, false

	default:
		return decimal.Zero, false
	}
}

// Breached reports whether the market price has crossed a stop level.
func Breached(side Side, market, stop decimal.Decimal) bool {
	if side == SideShort {
		return market.GreaterThanOrEqual(stop)
	}
	return market.LessThanOrEqual(stop)
}
