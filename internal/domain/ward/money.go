package ward

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places kept for rupee amounts.
const MoneyPlaces = 2

// Round normalizes an amount to paise.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// NonNegative rejects amounts below zero for the named field.
func NonNegative(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return Invalid(field, fmt.Sprintf("must not be negative, got %s", d.StringFixed(MoneyPlaces)))
	}
	return nil
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
