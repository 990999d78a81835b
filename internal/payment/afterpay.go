package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
	"github.com/noah-isme/storefront-checkout/internal/shipping"
)

// RejectReason is one of the provider's defined shipping rejection reasons.
type RejectReason string

const (
	RejectAddressUnrecognized RejectReason = "SHIPPING_ADDRESS_UNRECOGNIZED"
	RejectAddressUnsupported  RejectReason = "SHIPPING_ADDRESS_UNSUPPORTED"
	RejectServiceUnavailable  RejectReason = "SERVICE_UNAVAILABLE"
)

// ShippingRejection is returned from the Afterpay shipping callbacks. The
// widget's action handle is rejected with Reason.
type ShippingRejection struct {
	Reason RejectReason
	Err    error
}

func (e *ShippingRejection) Error() string {
	return fmt.Sprintf("afterpay: shipping rejected: %s", e.Reason)
}

func (e *ShippingRejection) Unwrap() error { return e.Err }

// rejectionFor maps a shipping collaborator error to a provider reason.
func rejectionFor(err error) *ShippingRejection {
	switch {
	case errors.Is(err, shipping.ErrAddressUnrecognized):
		return &ShippingRejection{Reason: RejectAddressUnrecognized, Err: err}
	case errors.Is(err, shipping.ErrAddressUnsupported):
		return &ShippingRejection{Reason: RejectAddressUnsupported, Err: err}
	default:
		return &ShippingRejection{Reason: RejectServiceUnavailable, Err: err}
	}
}

// Afterpay completion statuses reported by the widget.
const (
	AfterpaySuccess   = "SUCCESS"
	AfterpayCancelled = "CANCELLED"
)

// AfterpayRail drives the Afterpay popup widget from the server side.
type AfterpayRail struct {
	orderRail
	rates shipping.Client
	rules pricing.Rules
}

// NewAfterpayRail builds the rail. rates quotes shipping for address changes
// made inside the widget; rules re-price the order for the chosen option.
func NewAfterpayRail(backend Backend, rates shipping.Client, rules pricing.Rules, breaker *resilience.Breaker, ledger Ledger) *AfterpayRail {
	return &AfterpayRail{orderRail: newOrderRail(KindAfterpay, backend, breaker, ledger), rates: rates, rules: rules}
}

func (r *AfterpayRail) Available(ctx context.Context) error {
	if r.rates == nil {
		return fmt.Errorf("%w: afterpay needs a shipping rate source", ErrRailUnavailable)
	}
	return r.orderRail.Available(ctx)
}

// Initiate is onCommenceCheckout. Without consent no token is created.
func (r *AfterpayRail) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	if !req.TermsAccepted {
		return Session{}, ErrTermsNotAccepted
	}
	resp, err := r.createOrder(ctx, req, nil)
	if err != nil {
		return Session{}, err
	}
	id := resp.Token
	if id == "" {
		id = resp.ID
	}
	s := newSession(KindAfterpay, req, id)
	s.RedirectURL = resp.RedirectURL
	return s, nil
}

// ShippingAddressChanged quotes shipping options for the address the payer
// picked in the widget. Failures come back as *ShippingRejection.
func (r *AfterpayRail) ShippingAddressChanged(ctx context.Context, s Session, cart pricing.Cart, addr commerce.Address) ([]shipping.Rate, error) {
	if err := r.check(s); err != nil {
		return nil, err
	}
	rates, err := r.rates.Rates(ctx, shipping.RateReq{
		Address:    addr,
		Cart:       cart,
		Currency:   s.Currency,
		OrderTotal: s.Totals.GrandTotal,
	})
	if err != nil {
		rej := rejectionFor(err)
		zerolog.Ctx(ctx).Info().Err(err).Str("reason", string(rej.Reason)).Str("country", addr.Country).Msg("afterpay_shipping_rejected")
		return nil, rej
	}
	return rates, nil
}

// ShippingOptionChanged re-prices the order with the option's quote
// replacing the method rule.
func (r *AfterpayRail) ShippingOptionChanged(in pricing.Input, option shipping.Rate) pricing.Totals {
	quote := option.Amount
	in.QuotedShipping = &quote
	return pricing.Compute(in, r.rules)
}

// Confirm is onComplete(status).
func (r *AfterpayRail) Confirm(ctx context.Context, s Session, in ConfirmInput) Outcome {
	if err := r.check(s); err != nil {
		return Failed(MsgRetry, false)
	}
	switch strings.ToUpper(strings.TrimSpace(in.AfterpayStatus)) {
	case AfterpaySuccess:
		return r.captureOrder(ctx, s, commerce.CaptureRequest{
			ShippingAddress: s.Shipping,
			BillingAddress:  s.Billing,
			Status:          AfterpaySuccess,
		})
	case AfterpayCancelled:
		return Failed(MsgCancelled, false)
	default:
		zerolog.Ctx(ctx).Info().Str("status", in.AfterpayStatus).Msg("afterpay_incomplete")
		return Failed(MsgDeclined, false)
	}
}
