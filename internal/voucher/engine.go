package voucher

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

var (
	// ErrNotEligible is returned when no cart line falls in the voucher scope.
	ErrNotEligible = errors.New("voucher not eligible")
	// ErrVoucherInactive is returned before the validity window opens.
	ErrVoucherInactive = errors.New("voucher not active")
	// ErrVoucherExpired is returned after the validity window closed.
	ErrVoucherExpired = errors.New("voucher expired")
	// ErrMinimumSpendUnmet indicates the order total did not meet the voucher requirement.
	ErrMinimumSpendUnmet = errors.New("voucher minimum spend not met")
)

const (
	KindFixed   = "fixed"
	KindPercent = "percent"
)

// Rule captures the constraints of a locally configured voucher.
type Rule struct {
	Code       string
	Kind       string
	Value      pricing.Money
	PercentBps int
	MinSpend   pricing.Money
	ValidFrom  *time.Time
	ValidTo    *time.Time
	ProductIDs []string
}

// Validate ensures the rule can be applied at the provided instant and order total.
func (r Rule) Validate(now time.Time, orderTotal pricing.Money) error {
	if orderTotal < r.MinSpend {
		return ErrMinimumSpendUnmet
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return ErrVoucherInactive
	}
	if r.ValidTo != nil && now.After(*r.ValidTo) {
		return ErrVoucherExpired
	}
	return nil
}

// EligibleSubtotal sums the cart lines the rule applies to.
func EligibleSubtotal(cart pricing.Cart, r Rule) pricing.Money {
	if len(r.ProductIDs) == 0 {
		return cart.Subtotal()
	}
	var total pricing.Money
	for _, it := range cart.Items() {
		for _, id := range r.ProductIDs {
			if it.ProductID == id {
				total += it.Subtotal()
				break
			}
		}
	}
	return total
}

// Compute determines the discount for the eligible subtotal, never exceeding it.
func Compute(eligible pricing.Money, r Rule) pricing.Money {
	if eligible <= 0 {
		return 0
	}
	discount := r.Value
	if r.Kind == KindPercent {
		if r.PercentBps <= 0 {
			return 0
		}
		discount = eligible * pricing.Money(r.PercentBps) / 10000
	}
	return max(0, min(discount, eligible))
}

// ParseRules reads a semicolon separated rule list such as
// "SAVE10:fixed:10.00;SPRING:percent:15:min=50.00:until=2026-06-30".
// Percent values are whole percentages; dates are inclusive days in UTC.
func ParseRules(raw string) (map[string]Rule, error) {
	rules := make(map[string]Rule)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("voucher rule %q: want CODE:KIND:VALUE", entry)
		}
		r := Rule{Code: NormalizeCode(parts[0]), Kind: strings.ToLower(parts[1])}
		switch r.Kind {
		case KindFixed:
			v, err := pricing.ParseAmount(parts[2])
			if err != nil || v < 0 {
				return nil, fmt.Errorf("voucher rule %q: bad amount", entry)
			}
			r.Value = v
		case KindPercent:
			pct, err := strconv.ParseFloat(parts[2], 64)
			if err != nil || pct <= 0 || pct > 100 {
				return nil, fmt.Errorf("voucher rule %q: bad percentage", entry)
			}
			r.PercentBps = int(math.Round(pct * 100))
		default:
			return nil, fmt.Errorf("voucher rule %q: unknown kind %q", entry, parts[1])
		}
		for _, opt := range parts[3:] {
			if err := r.applyOption(opt); err != nil {
				return nil, fmt.Errorf("voucher rule %q: %w", entry, err)
			}
		}
		rules[r.Code] = r
	}
	return rules, nil
}

func (r *Rule) applyOption(opt string) error {
	key, value, ok := strings.Cut(opt, "=")
	if !ok {
		return fmt.Errorf("option %q: want key=value", opt)
	}
	switch key {
	case "min":
		m, err := pricing.ParseAmount(value)
		if err != nil {
			return fmt.Errorf("min: %w", err)
		}
		r.MinSpend = m
	case "from":
		t, err := time.Parse(time.DateOnly, value)
		if err != nil {
			return fmt.Errorf("from: %w", err)
		}
		r.ValidFrom = &t
	case "until":
		t, err := time.Parse(time.DateOnly, value)
		if err != nil {
			return fmt.Errorf("until: %w", err)
		}
		end := t.Add(24*time.Hour - time.Nanosecond)
		r.ValidTo = &end
	case "products":
		r.ProductIDs = strings.Split(value, "|")
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return nil
}
