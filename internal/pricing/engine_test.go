package pricing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustCart(t *testing.T, items ...LineItem) Cart {
	t.Helper()
	c, err := NewCart(items)
	require.NoError(t, err)
	return c
}

func TestComputeFreeShippingOverThreshold(t *testing.T) {
	c := mustCart(t, LineItem{ProductID: "p1", UnitPrice: 6000, Quantity: 2})
	got := Compute(Input{Cart: c, Method: ShippingStandard}, DefaultRules())
	require.Equal(t, Totals{Subtotal: 12000, GrandTotal: 12000}, got)
}

func TestComputeExpressIgnoresThreshold(t *testing.T) {
	c := mustCart(t, LineItem{ProductID: "p1", UnitPrice: 5000, Quantity: 1})
	got := Compute(Input{Cart: c, Method: ShippingExpress}, DefaultRules())
	require.Equal(t, Money(1500), got.Shipping)
	require.Equal(t, Money(6500), got.GrandTotal)

	big := mustCart(t, LineItem{ProductID: "p1", UnitPrice: 20000, Quantity: 1})
	got = Compute(Input{Cart: big, Method: ShippingExpress}, DefaultRules())
	require.Equal(t, Money(1500), got.Shipping)
}

func TestComputeThresholdIsExclusive(t *testing.T) {
	c := mustCart(t, LineItem{ProductID: "p1", UnitPrice: 10000, Quantity: 1})
	got := Compute(Input{Cart: c, Method: ShippingStandard}, DefaultRules())
	require.Equal(t, Money(1000), got.Shipping)
}

func TestComputeDiscountClampsToZero(t *testing.T) {
	c := mustCart(t, LineItem{ProductID: "p1", UnitPrice: 5000, Quantity: 1})
	got := Compute(Input{Cart: c, Method: ShippingExpress, Discount: 1_000_000}, DefaultRules())
	require.Equal(t, Money(0), got.GrandTotal)
	require.Equal(t, Money(6500), got.Discount)
}

func TestComputeDiscountMonotonic(t *testing.T) {
	c := mustCart(t,
		LineItem{ProductID: "p1", UnitPrice: 1999, Quantity: 3},
		LineItem{ProductID: "p2", UnitPrice: 450, Quantity: 1},
	)
	rules := DefaultRules()
	rules.TaxBps = 1000
	prev := Compute(Input{Cart: c}, rules).GrandTotal
	for d := Money(0); d <= 10000; d += 250 {
		got := Compute(Input{Cart: c, Discount: d}, rules)
		require.GreaterOrEqual(t, got.GrandTotal, Money(0))
		require.LessOrEqual(t, got.GrandTotal, prev)
		require.Equal(t, max(0, got.Subtotal+got.Shipping+got.Tax-d), got.GrandTotal)
		prev = got.GrandTotal
	}
}

func TestComputeQuotedShippingOverridesMethod(t *testing.T) {
	c := mustCart(t, LineItem{ProductID: "p1", UnitPrice: 5000, Quantity: 1})
	quote := Money(725)
	got := Compute(Input{Cart: c, Method: ShippingExpress, QuotedShipping: &quote}, DefaultRules())
	require.Equal(t, Money(725), got.Shipping)
	require.Equal(t, Money(5725), got.GrandTotal)
}

func TestNewCartRejectsInvalidLines(t *testing.T) {
	_, err := NewCart(nil)
	require.ErrorIs(t, err, ErrEmptyCart)
	_, err = NewCart([]LineItem{{ProductID: "p", UnitPrice: -1, Quantity: 1}})
	require.Error(t, err)
	_, err = NewCart([]LineItem{{ProductID: "p", UnitPrice: 1, Quantity: 0}})
	require.Error(t, err)
}

func TestCartIsImmutable(t *testing.T) {
	src := []LineItem{{ProductID: "p1", UnitPrice: 100, Quantity: 1}}
	c := mustCart(t, src...)
	src[0].Quantity = 9
	items := c.Items()
	items[0].UnitPrice = 1
	require.Equal(t, Money(100), c.Subtotal())
}

func TestCartFingerprintAndJSON(t *testing.T) {
	a := mustCart(t, LineItem{ProductID: "p1", UnitPrice: 100, Quantity: 1, Size: "M"})
	b := mustCart(t, LineItem{ProductID: "p1", UnitPrice: 100, Quantity: 2, Size: "M"})
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	var restored Cart
	require.NoError(t, json.Unmarshal(raw, &restored))
	require.Equal(t, a.Fingerprint(), restored.Fingerprint())
}

func TestAmountFormatting(t *testing.T) {
	require.Equal(t, "65.00", FormatAmount(6500))
	require.Equal(t, "0.05", FormatAmount(5))
	m, err := ParseAmount("10.005")
	require.NoError(t, err)
	require.Equal(t, Money(1001), m)
}
