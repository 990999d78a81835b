package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
)

// Backend is the commerce surface the PayPal-family and Afterpay rails use.
type Backend interface {
	CreateIntent(ctx context.Context, req commerce.CreateIntentRequest) (commerce.CreateIntentResponse, error)
	Confirm(ctx context.Context, req commerce.ConfirmRequest) (commerce.ConfirmResponse, error)
	Capture(ctx context.Context, req commerce.CaptureRequest) (commerce.CaptureResponse, error)
	Cancel(ctx context.Context, req commerce.CancelRequest) error
}

// orderRail holds what every backend-driven rail shares: order creation,
// idempotent capture and best-effort cancel behind the provider breaker.
type orderRail struct {
	kind    Kind
	backend Backend
	breaker *resilience.Breaker
	capture *captureOnce
}

func newOrderRail(kind Kind, backend Backend, breaker *resilience.Breaker, ledger Ledger) orderRail {
	if breaker == nil {
		breaker = resilience.NewBreaker(string(kind), 10, 0.5, 30*time.Second)
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return orderRail{kind: kind, backend: backend, breaker: breaker, capture: &captureOnce{ledger: ledger}}
}

func (o *orderRail) Kind() Kind { return o.kind }

func (o *orderRail) Available(context.Context) error {
	if o.backend == nil {
		return fmt.Errorf("%w: %s backend not configured", ErrRailUnavailable, o.kind)
	}
	if o.breaker.State() == resilience.Open {
		return fmt.Errorf("%w: %s circuit open", ErrRailUnavailable, o.kind)
	}
	return nil
}

func (o *orderRail) createOrder(ctx context.Context, req InitiateRequest, source json.RawMessage) (commerce.CreateIntentResponse, error) {
	var resp commerce.CreateIntentResponse
	err := o.breaker.Guard(ctx, isRejection, func(ctx context.Context) error {
		var err error
		resp, err = o.backend.CreateIntent(ctx, commerce.CreateIntentRequest{
			Rail:            string(o.kind),
			CheckoutID:      req.CheckoutID,
			Items:           commerce.ItemsFromCart(req.Cart),
			Amounts:         commerce.AmountsFromTotals(req.Currency, req.Totals),
			Customer:        req.Customer,
			ShippingAddress: req.Shipping,
			BillingAddress:  req.Billing,
			VoucherCode:     req.VoucherCode,
			PaymentSource:   source,
		})
		return err
	})
	if err != nil {
		return resp, fmt.Errorf("%s: create order: %w", o.kind, err)
	}
	return resp, nil
}

func (o *orderRail) confirmOrder(ctx context.Context, sessionID string, source json.RawMessage) ConfirmResult {
	var resp commerce.ConfirmResponse
	err := o.breaker.Guard(ctx, isRejection, func(ctx context.Context) error {
		var err error
		resp, err = o.backend.Confirm(ctx, commerce.ConfirmRequest{Rail: string(o.kind), SessionID: sessionID, PaymentSource: source})
		return err
	})
	return NormalizeConfirm(sessionID, resp, err)
}

// captureOrder captures once per session. A contingency reply asks for a
// step-up on the same order.
func (o *orderRail) captureOrder(ctx context.Context, s Session, req commerce.CaptureRequest) Outcome {
	req.Rail = string(o.kind)
	req.SessionID = s.ID
	return o.capture.do(ctx, o.kind, s.ID, func(ctx context.Context) Outcome {
		var resp commerce.CaptureResponse
		err := o.breaker.Guard(ctx, isRejection, func(ctx context.Context) error {
			var err error
			resp, err = o.backend.Capture(ctx, req)
			return err
		})
		if err != nil {
			if apiErr, ok := commerce.AsAPIError(err); ok && IsContingency(apiErr) {
				return Awaiting(Action{Kind: ActionThreeDS, OrderID: s.ID})
			}
			return failureFromError(ctx, o.kind, "capture", err)
		}
		switch strings.ToUpper(resp.Status) {
		case "DECLINED", "FAILED", "VOIDED":
			return Failed(MsgDeclined, false)
		}
		orderID := resp.OrderID
		if orderID == "" {
			orderID = s.ID
		}
		return Captured(orderID, resp.CaptureID)
	})
}

func (o *orderRail) Cancel(ctx context.Context, s Session) error {
	if s.ID == "" {
		return nil
	}
	if err := o.backend.Cancel(ctx, commerce.CancelRequest{Rail: string(o.kind), SessionID: s.ID}); err != nil {
		return fmt.Errorf("%s: cancel %s: %w", o.kind, s.ID, err)
	}
	return nil
}

func (o *orderRail) check(s Session) error {
	if s.Rail != o.kind {
		return ErrSessionMismatch
	}
	return nil
}

// PayPalRail is the PayPal Buttons flow: the payer approves in the provider
// UI and Confirm captures the approved order.
type PayPalRail struct {
	orderRail
}

// NewPayPalRail builds the Buttons rail.
func NewPayPalRail(backend Backend, breaker *resilience.Breaker, ledger Ledger) *PayPalRail {
	return &PayPalRail{orderRail: newOrderRail(KindPayPal, backend, breaker, ledger)}
}

func (r *PayPalRail) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	resp, err := r.createOrder(ctx, req, nil)
	if err != nil {
		return Session{}, err
	}
	s := newSession(KindPayPal, req, resp.ID)
	s.RedirectURL = resp.RedirectURL
	return s, nil
}

// Confirm is onApprove: capture the order the payer approved.
func (r *PayPalRail) Confirm(ctx context.Context, s Session, _ ConfirmInput) Outcome {
	if err := r.check(s); err != nil {
		return Failed(MsgRetry, false)
	}
	out := r.captureOrder(ctx, s, commerce.CaptureRequest{ShippingAddress: s.Shipping, BillingAddress: s.Billing})
	if out.Status == OutcomeAwaitingAction && s.RedirectURL != "" {
		// the payer has to approve again in the provider UI
		return Awaiting(Action{Kind: ActionRedirect, OrderID: s.ID, URL: s.RedirectURL})
	}
	return out
}

// CompleteStepUp captures once the payer finished the provider step.
func (r *PayPalRail) CompleteStepUp(ctx context.Context, s Session) Outcome {
	return r.captureOrder(ctx, s, commerce.CaptureRequest{ShippingAddress: s.Shipping, BillingAddress: s.Billing})
}

// CardFormRail is the hosted card form. Card details are validated before
// any network call and travel only on the capture request.
type CardFormRail struct {
	orderRail
	now func() time.Time
}

// NewCardFormRail builds the card form rail.
func NewCardFormRail(backend Backend, breaker *resilience.Breaker, ledger Ledger) *CardFormRail {
	return &CardFormRail{orderRail: newOrderRail(KindCardForm, backend, breaker, ledger), now: time.Now}
}

func (r *CardFormRail) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	resp, err := r.createOrder(ctx, req, json.RawMessage(`{"card":{}}`))
	if err != nil {
		return Session{}, err
	}
	return newSession(KindCardForm, req, resp.ID), nil
}

func (r *CardFormRail) Confirm(ctx context.Context, s Session, in ConfirmInput) Outcome {
	if err := r.check(s); err != nil {
		return Failed(MsgRetry, false)
	}
	if in.Card == nil {
		return Failed("Please enter your card details.", false)
	}
	if err := ValidateCard(*in.Card, r.now()); err != nil {
		var cve *CardValidationError
		if errors.As(err, &cve) {
			return Failed(cve.Message(), false)
		}
		return Failed("Please check your card details.", false)
	}
	number := DigitsOnly(in.Card.Number)
	return r.captureOrder(ctx, s, commerce.CaptureRequest{
		ShippingAddress: s.Shipping,
		BillingAddress:  s.Billing,
		Card: &commerce.CardSource{
			Name:   strings.TrimSpace(in.Card.Name),
			Number: number,
			Expiry: strings.TrimSpace(in.Card.Expiry),
			CVV:    strings.TrimSpace(in.Card.CVV),
			Brand:  string(DetectBrand(number)),
		},
	})
}

// CompleteStepUp captures after the card issuer's challenge succeeded. The
// order already carries the card, so no card data is resent.
func (r *CardFormRail) CompleteStepUp(ctx context.Context, s Session) Outcome {
	return r.captureOrder(ctx, s, commerce.CaptureRequest{ShippingAddress: s.Shipping, BillingAddress: s.Billing})
}
