package voucher

import (
	"context"
	"errors"
	"strings"

	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

// DefaultInvalidMessage is shown when a rejection carries no message.
const DefaultInvalidMessage = "Invalid voucher code"

// ErrUnavailable reports that validation could not be performed at all.
// It is distinct from a rejected code.
var ErrUnavailable = errors.New("failed to apply voucher")

// ErrEmptyCode is returned before any lookup when the code is blank.
var ErrEmptyCode = errors.New("voucher code is required")

// Request carries a code and the order context it is validated against.
type Request struct {
	Code       string
	OrderTotal pricing.Money
	Cart       pricing.Cart
}

// Result is a validation verdict. Rejection is a normal result, not an error.
type Result struct {
	Valid    bool
	Discount pricing.Money
	Message  string
}

// Validator checks a voucher code against an order.
type Validator interface {
	Validate(ctx context.Context, req Request) (Result, error)
}

// Applied is the voucher slot of one checkout. A checkout holds at most one.
type Applied struct {
	Code     string        `json:"code"`
	Discount pricing.Money `json:"discountAmount"`
	Message  string        `json:"message"`
	Valid    bool          `json:"valid"`
}

// Resolve turns a validation result into the new slot value. The previous
// voucher never contributes: an invalid result leaves a zero discount.
func Resolve(code string, res Result) Applied {
	code = NormalizeCode(code)
	if !res.Valid {
		msg := strings.TrimSpace(res.Message)
		if msg == "" {
			msg = DefaultInvalidMessage
		}
		return Applied{Code: code, Message: msg}
	}
	discount := res.Discount
	if discount < 0 {
		discount = 0
	}
	return Applied{Code: code, Discount: discount, Message: res.Message, Valid: true}
}

// Amount returns the discount to feed into pricing.
func (a Applied) Amount() pricing.Money {
	if !a.Valid {
		return 0
	}
	return a.Discount
}

// NormalizeCode trims and upper-cases a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
