package voucher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
)

// Backend is the commerce endpoint used for validation.
type Backend interface {
	ConfirmVoucher(ctx context.Context, req commerce.VoucherRequest) (commerce.VoucherResponse, error)
}

// HTTPValidator validates codes through POST /confirm-voucher.
type HTTPValidator struct {
	Backend Backend
}

// Validate maps {valid:false} and 4xx replies about the code to a rejection
// and anything else that failed to ErrUnavailable.
func (v HTTPValidator) Validate(ctx context.Context, req Request) (Result, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return Result{}, ErrEmptyCode
	}
	resp, err := v.Backend.ConfirmVoucher(ctx, commerce.VoucherRequest{
		Code:       code,
		OrderTotal: commerce.Amount(req.OrderTotal),
		Items:      commerce.ItemsFromCart(req.Cart),
	})
	if err != nil {
		if apiErr, ok := commerce.AsAPIError(err); ok && rejectsCode(apiErr.Status) {
			msg := apiErr.Message
			if msg == http.StatusText(apiErr.Status) {
				msg = ""
			}
			return Result{Valid: false, Message: msg}, nil
		}
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !resp.Valid {
		return Result{Valid: false, Message: resp.Message}, nil
	}
	return Result{Valid: true, Discount: resp.Discount.Money(), Message: resp.Message}, nil
}

// rejectsCode reports whether a client error is a verdict on the code.
// Throttling, timeouts and credential problems say nothing about it.
func rejectsCode(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}
