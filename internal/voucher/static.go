package voucher

import (
	"context"
	"errors"
	"time"
)

// StaticValidator evaluates vouchers against rules loaded from configuration.
// It backs development setups without a commerce voucher endpoint.
type StaticValidator struct {
	Rules map[string]Rule
	Now   func() time.Time
}

// Validate implements Validator.
func (v StaticValidator) Validate(_ context.Context, req Request) (Result, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return Result{}, ErrEmptyCode
	}
	rule, ok := v.Rules[code]
	if !ok {
		return Result{Valid: false, Message: DefaultInvalidMessage}, nil
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if err := rule.Validate(now(), req.OrderTotal); err != nil {
		return Result{Valid: false, Message: rejectionMessage(err)}, nil
	}
	discount := Compute(EligibleSubtotal(req.Cart, rule), rule)
	if discount <= 0 {
		return Result{Valid: false, Message: rejectionMessage(ErrNotEligible)}, nil
	}
	return Result{Valid: true, Discount: discount, Message: "Voucher applied"}, nil
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, ErrMinimumSpendUnmet):
		return "Order total does not meet the voucher minimum"
	case errors.Is(err, ErrVoucherInactive):
		return "Voucher is not active yet"
	case errors.Is(err, ErrVoucherExpired):
		return "Voucher has expired"
	case errors.Is(err, ErrNotEligible):
		return "Voucher does not apply to items in your cart"
	default:
		return DefaultInvalidMessage
	}
}
