package voucher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

func cartOf(t *testing.T, lines ...pricing.LineItem) pricing.Cart {
	t.Helper()
	c, err := pricing.NewCart(lines)
	require.NoError(t, err)
	return c
}

func TestComputePercent(t *testing.T) {
	rule := Rule{Kind: KindPercent, PercentBps: 2000}
	require.Equal(t, pricing.Money(20_000), Compute(100_000, rule))
}

func TestComputeFixedNeverExceedsEligible(t *testing.T) {
	rule := Rule{Kind: KindFixed, Value: 5000}
	require.Equal(t, pricing.Money(3000), Compute(3000, rule))
	require.Equal(t, pricing.Money(0), Compute(0, rule))
}

func TestEligibleSubtotalScoped(t *testing.T) {
	cart := cartOf(t,
		pricing.LineItem{ProductID: "shirt", UnitPrice: 2500, Quantity: 2},
		pricing.LineItem{ProductID: "hat", UnitPrice: 7000, Quantity: 1},
	)
	require.Equal(t, pricing.Money(5000), EligibleSubtotal(cart, Rule{ProductIDs: []string{"shirt"}}))
	require.Equal(t, pricing.Money(12000), EligibleSubtotal(cart, Rule{}))
}

func TestRuleValidateWindow(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	rule := Rule{MinSpend: 5000, ValidFrom: &from, ValidTo: &to}

	require.ErrorIs(t, rule.Validate(from.Add(time.Hour), 4999), ErrMinimumSpendUnmet)
	require.ErrorIs(t, rule.Validate(from.Add(-time.Hour), 5000), ErrVoucherInactive)
	require.ErrorIs(t, rule.Validate(to.Add(time.Hour), 5000), ErrVoucherExpired)
	require.NoError(t, rule.Validate(from.Add(time.Hour), 5000))
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules("save10:fixed:10.00; SPRING:percent:12.5:min=50:until=2026-06-30:products=a|b")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, pricing.Money(1000), rules["SAVE10"].Value)

	spring := rules["SPRING"]
	require.Equal(t, 1250, spring.PercentBps)
	require.Equal(t, pricing.Money(5000), spring.MinSpend)
	require.Equal(t, []string{"a", "b"}, spring.ProductIDs)
	require.Equal(t, 2026, spring.ValidTo.Year())
	require.Equal(t, 23, spring.ValidTo.Hour())

	_, err = ParseRules("X:bogus:1")
	require.Error(t, err)
	_, err = ParseRules("X:fixed")
	require.Error(t, err)
}
