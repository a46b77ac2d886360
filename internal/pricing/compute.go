// Package pricing implements the dynamic pricing engine.
//
// Each cycle converts the change in net order flow between two adjacent
// lookback windows into a bounded percentage price move:
//
//	raw      = (currentNet - previousNet) / |previousNet| * 100   (±5 if previousNet == 0)
//	weighted = raw * sensitivity * 0.2
//	capped   = clamp(weighted, -maxChange, +maxChange)
//	newPrice = max(floor, price * (1 + capped/100))
//
// Moves smaller than 0.1% are discarded so the audit log and price feed are
// not churned by noise. All arithmetic uses shopspring/decimal.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/model"
)

var (
	// ErrNonPositivePrice is returned when the current quoted price is not
	// positive, which makes a percentage move undefined.
	ErrNonPositivePrice = errors.New("pricing: current price must be positive")

	// Dampening scales every raw change before sensitivity is applied.
	Dampening = decimal.NewFromFloat(0.2)

	// FallbackChange is the raw change used when the previous window had
	// zero net flow, signed by the current window's direction.
	FallbackChange = decimal.NewFromInt(5)

	// NoOpThreshold is the smallest absolute move, in percent, that is
	// applied.
	NoOpThreshold = decimal.NewFromFloat(0.1)

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 8

	hundred = decimal.NewFromInt(100)
)

// Input is everything one computation needs. Compute reads nothing else.
type Input struct {
	CurrentPrice decimal.Decimal
	CurrentNet   int64
	PreviousNet  int64
	Settings     model.PricingSettings
}

// Result is the outcome of Compute.
type Result struct {
	NewPrice decimal.Decimal
	// ActualChange is the realised move in percent after cap and floor.
	ActualChange decimal.Decimal
	Factors      model.PriceFactors
	// NoOp is true when |ActualChange| is below NoOpThreshold.
	NoOp bool
}

// RawChange returns the unweighted percentage change in net flow.
func RawChange(currentNet, previousNet int64) decimal.Decimal {
	if previousNet != 0 {
		cur := decimal.NewFromInt(currentNet)
		prev := decimal.NewFromInt(previousNet)
		return cur.Sub(prev).Div(prev.Abs()).Mul(hundred)
	}
	switch {
	case currentNet > 0:
		return FallbackChange
	case currentNet < 0:
		return FallbackChange.Neg()
	}
	return decimal.Zero
}

// Compute applies the pricing formula. It is pure.
func Compute(in Input) (Result, error) {
	if !in.CurrentPrice.IsPositive() {
		return Result{}, ErrNonPositivePrice
	}
	s := in.Settings

	raw := RawChange(in.CurrentNet, in.PreviousNet)
	weighted := raw.Mul(s.SensitivityScale).Mul(Dampening)

	limit := s.MaxPercentChangePerCycle.Abs()
	capped := decimal.Min(decimal.Max(weighted, limit.Neg()), limit)

	newPrice := in.CurrentPrice.Mul(decimal.NewFromInt(1).Add(capped.Div(hundred))).Round(PriceScale)
	if newPrice.LessThan(s.PriceFloor) {
		newPrice = s.PriceFloor
	}

	actual := newPrice.Sub(in.CurrentPrice).Div(in.CurrentPrice).Mul(hundred)

	return Result{
		NewPrice:     newPrice,
		ActualChange: actual,
		NoOp:         actual.Abs().LessThan(NoOpThreshold),
		Factors: model.PriceFactors{
			CurrentNet:       in.CurrentNet,
			PreviousNet:      in.PreviousNet,
			RawChange:        raw,
			WeightedChange:   weighted,
			CappedChange:     capped,
			SensitivityScale: s.SensitivityScale,
			MaxPercentChange: s.MaxPercentChangePerCycle,
			PriceFloor:       s.PriceFloor,
			LookbackPeriod:   s.LookbackPeriod,
		},
	}, nil
}
