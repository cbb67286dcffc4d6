package market

import (
	"github.com/shopspring/decimal"
)

// RoundDownToStep floors value to a multiple of step. Rounding is always
// toward zero: a price never rises above the intended limit and a size never
// exceeds the funded amount. A non-positive step returns the value unchanged.
func RoundDownToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// ComputeOrderSize converts a quote-currency notional into a base-currency
// size at the given price, floored to lotSize. Returns false when the result
// is below the venue minimum and must not be sent.
func ComputeOrderSize(notional, price, lotSize, minSize decimal.Decimal) (decimal.Decimal, bool) {
	if !price.IsPositive() {
		return decimal.Zero, false
	}
	size := RoundDownToStep(notional.Div(price), lotSize)
	if size.LessThan(minSize) || !size.IsPositive() {
		return size, false
	}
	return size, true
}
