package pricing

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// minorExponent is the number of fractional digits of the store currency.
const minorExponent = 2

// ToDecimal converts minor units into a decimal amount (1234 -> 12.34).
func ToDecimal(m Money) decimal.Decimal {
	return decimal.New(m, -minorExponent)
}

// FromDecimal converts a decimal amount into minor units, rounding half away from zero.
func FromDecimal(d decimal.Decimal) Money {
	return d.Shift(minorExponent).Round(0).IntPart()
}

// FormatAmount renders minor units with a fixed two-digit fraction, the format
// providers expect in amount fields.
func FormatAmount(m Money) string {
	return ToDecimal(m).StringFixed(minorExponent)
}

// ParseAmount parses a decimal string into minor units.
func ParseAmount(value string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, err
	}
	return FromDecimal(d), nil
}

func marshalItems(items []LineItem) ([]byte, error) {
	if items == nil {
		items = []LineItem{}
	}
	return json.Marshal(items)
}

func unmarshalItems(data []byte) ([]LineItem, error) {
	var items []LineItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}
