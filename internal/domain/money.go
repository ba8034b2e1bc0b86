package domain

import "github.com/shopspring/decimal"

// FeeRate is the flat settlement fee applied to each side of a trade.
const FeeRate = "0.01"

// Round2 rounds a decimal to two fractional digits using half-even
// (banker's) rounding, the convention for every monetary value here.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// Round8 rounds a decimal to eight fractional digits, used for dividend
// ratios and other rate-like quantities.
func Round8(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(8)
}

// Fee computes the per-side settlement fee for a qty*price notional,
// rounded to two decimals with half-even rounding.
func Fee(qty, price decimal.Decimal) decimal.Decimal {
	rate, _ := decimal.NewFromString(FeeRate)
	return Round2(qty.Mul(price).Mul(rate))
}

// Notional is qty*price, unrounded (rounding only applies at the fee and
// final-balance boundary, never to the per-share price).
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}
