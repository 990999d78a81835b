package pricing

import "strings"

// ShippingMethod selects the shipping fee rule applied to a cart.
type ShippingMethod string

const (
	// ShippingStandard charges the flat fee unless the free-shipping threshold is exceeded.
	ShippingStandard ShippingMethod = "standard"
	// ShippingExpress always charges the express fee.
	ShippingExpress ShippingMethod = "express"
)

// ParseShippingMethod normalises user input, defaulting to standard shipping.
func ParseShippingMethod(value string) ShippingMethod {
	switch ShippingMethod(strings.ToLower(strings.TrimSpace(value))) {
	case ShippingExpress:
		return ShippingExpress
	default:
		return ShippingStandard
	}
}

// Rules configures the shipping and tax constants used by Compute.
type Rules struct {
	FlatShipping     Money
	FreeShippingOver Money
	ExpressShipping  Money
	TaxBps           int
}

// DefaultRules mirrors the storefront defaults: 10.00 flat, free over 100.00, 15.00 express.
func DefaultRules() Rules {
	return Rules{
		FlatShipping:     1000,
		FreeShippingOver: 10000,
		ExpressShipping:  1500,
	}
}

// Input groups everything that affects the totals of one checkout.
type Input struct {
	Cart   Cart
	Method ShippingMethod
	// QuotedShipping replaces the method rule when a provider negotiated a shipping option.
	QuotedShipping *Money
	Discount       Money
}

// Totals aggregates computed pricing components.
type Totals struct {
	Subtotal   Money `json:"subtotal"`
	Shipping   Money `json:"shippingAmount"`
	Tax        Money `json:"taxAmount"`
	Discount   Money `json:"discountAmount"`
	GrandTotal Money `json:"grandTotal"`
}

// Equal reports whether two totals describe the same charge.
func (t Totals) Equal(other Totals) bool {
	return t == other
}

// Compute derives the totals for the provided input. It performs no I/O.
func Compute(in Input, rules Rules) Totals {
	subtotal := in.Cart.Subtotal()
	shipping := shippingFor(subtotal, in.Method, in.QuotedShipping, rules)
	var tax Money
	if rules.TaxBps > 0 {
		tax = (subtotal * Money(rules.TaxBps)) / 10000
	}
	gross := subtotal + shipping + tax
	discount := in.Discount
	if discount < 0 {
		discount = 0
	}
	if discount > gross {
		discount = gross
	}
	total := gross - discount
	if total < 0 {
		total = 0
	}
	return Totals{
		Subtotal:   subtotal,
		Shipping:   shipping,
		Tax:        tax,
		Discount:   discount,
		GrandTotal: total,
	}
}

func shippingFor(subtotal Money, method ShippingMethod, quoted *Money, rules Rules) Money {
	if quoted != nil {
		if *quoted < 0 {
			return 0
		}
		return *quoted
	}
	if method == ShippingExpress {
		return rules.ExpressShipping
	}
	if rules.FreeShippingOver > 0 && subtotal > rules.FreeShippingOver {
		return 0
	}
	return rules.FlatShipping
}
