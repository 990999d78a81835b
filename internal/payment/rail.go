package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

// Kind identifies a payment rail.
type Kind string

const (
	KindStripe    Kind = "stripe"
	KindPayPal    Kind = "paypal"
	KindGooglePay Kind = "paypal_googlepay"
	KindAfterpay  Kind = "afterpay"
	KindCardForm  Kind = "card_form"
)

// Kinds lists every rail in display order.
var Kinds = []Kind{KindStripe, KindPayPal, KindGooglePay, KindCardForm, KindAfterpay}

// ParseKind validates a rail name.
func ParseKind(value string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("payment: unknown rail %q", value)
}

// SessionStatus is the lifecycle position of a payment session.
type SessionStatus string

const (
	StatusUninitialized  SessionStatus = "uninitialized"
	StatusInitiated      SessionStatus = "initiated"
	StatusAwaitingAction SessionStatus = "awaiting_action"
	StatusAuthorized     SessionStatus = "authorized"
	StatusCaptured       SessionStatus = "captured"
	StatusFailed         SessionStatus = "failed"
)

// Session is the provider-side payment object of one checkout attempt.
// Totals is the snapshot taken at initiation and is what gets charged.
type Session struct {
	CheckoutID   string         `json:"checkoutId"`
	Rail         Kind           `json:"rail"`
	ID           string         `json:"providerSessionId"`
	ClientSecret string         `json:"clientSecret,omitempty"`
	RedirectURL  string         `json:"redirectUrl,omitempty"`
	Status       SessionStatus  `json:"status"`
	Totals       pricing.Totals `json:"totals"`
	Currency     string         `json:"currency"`
	Fingerprint  string         `json:"fingerprint"`
	// MemoKey is the key the session was memoised under. Totals can move
	// after initiation (Afterpay shipping options), the key does not.
	MemoKey string `json:"memoKey,omitempty"`
	// Shipping and Billing are the addresses known at initiation; captures
	// that follow a step-up use them.
	Shipping  *commerce.Address `json:"shipping,omitempty"`
	Billing   *commerce.Address `json:"billing,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// InitiateRequest carries everything a rail needs to create a provider session.
type InitiateRequest struct {
	CheckoutID  string
	Cart        pricing.Cart
	Totals      pricing.Totals
	Currency    string
	Customer    commerce.Customer
	Shipping    *commerce.Address
	Billing     *commerce.Address
	VoucherCode string
	// TermsAccepted records the payer's consent for rails that require it.
	TermsAccepted bool
}

// memoKey identifies an initiation: same checkout, rail, cart and totals.
func memoKey(checkoutID string, rail Kind, fingerprint string, t pricing.Totals) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d:%d:%d:%d", checkoutID, rail, fingerprint,
		t.Subtotal, t.Shipping, t.Tax, t.Discount, t.GrandTotal)
}

func (s Session) memoKey() string {
	if s.MemoKey != "" {
		return s.MemoKey
	}
	return memoKey(s.CheckoutID, s.Rail, s.Fingerprint, s.Totals)
}

// newSession stamps the fields every rail sets the same way.
func newSession(rail Kind, req InitiateRequest, providerID string) Session {
	return Session{
		CheckoutID:  req.CheckoutID,
		Rail:        rail,
		ID:          providerID,
		Status:      StatusInitiated,
		Totals:      req.Totals,
		Currency:    req.Currency,
		Fingerprint: req.Cart.Fingerprint(),
		Shipping:    req.Shipping,
		Billing:     req.Billing,
		CreatedAt:   time.Now().UTC(),
	}
}

// ConfirmInput is the user input a rail's confirmation step may need.
type ConfirmInput struct {
	// PaymentMethodID is a Stripe payment method when the server confirms.
	PaymentMethodID string          `json:"paymentMethodId,omitempty"`
	Card            *CardInput      `json:"card,omitempty"`
	GooglePay       *GooglePayData  `json:"googlePay,omitempty"`
	AfterpayStatus  string          `json:"afterpayStatus,omitempty"`
	PaymentSource   json.RawMessage `json:"paymentSource,omitempty"`
}

// OutcomeStatus is the terminal or suspended result of Confirm.
type OutcomeStatus string

const (
	OutcomeCaptured       OutcomeStatus = "captured"
	OutcomeAwaitingAction OutcomeStatus = "awaiting_action"
	OutcomeFailed         OutcomeStatus = "failed"
)

// ActionKind says how the payer must be routed to finish an awaiting outcome.
type ActionKind string

const (
	ActionThreeDS  ActionKind = "three_ds"
	ActionRedirect ActionKind = "redirect"
	// ActionClient means the browser finishes with the provider SDK using
	// the session client secret and then confirms again.
	ActionClient ActionKind = "client_confirmation"
)

// Action describes the pending payer step.
type Action struct {
	Kind    ActionKind `json:"kind"`
	OrderID string     `json:"orderId,omitempty"`
	URL     string     `json:"url,omitempty"`
}

// Outcome is the tagged result every rail returns from Confirm. Rails never
// surface provider failures as Go errors across this boundary.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	OrderID   string        `json:"orderId,omitempty"`
	CaptureID string        `json:"captureId,omitempty"`
	Message   string        `json:"message,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
	Action    *Action       `json:"action,omitempty"`
}

// Captured builds a success outcome.
func Captured(orderID, captureID string) Outcome {
	return Outcome{Status: OutcomeCaptured, OrderID: orderID, CaptureID: captureID}
}

// Awaiting builds a suspended outcome.
func Awaiting(action Action) Outcome {
	return Outcome{Status: OutcomeAwaitingAction, Action: &action}
}

// Failed builds a failure outcome carrying a user-displayable message.
func Failed(message string, retryable bool) Outcome {
	return Outcome{Status: OutcomeFailed, Message: message, Retryable: retryable}
}

// Rail is one payment provider integration.
type Rail interface {
	Kind() Kind
	// Available reports why the rail cannot be offered, or nil.
	Available(ctx context.Context) error
	Initiate(ctx context.Context, req InitiateRequest) (Session, error)
	Confirm(ctx context.Context, s Session, in ConfirmInput) Outcome
	// Cancel is best-effort.
	Cancel(ctx context.Context, s Session) error
}

// StepUpCompleter is implemented by rails that need a follow-up call once a
// 3DS challenge succeeded.
type StepUpCompleter interface {
	CompleteStepUp(ctx context.Context, s Session) Outcome
}

// Wrapper is implemented by rail decorators.
type Wrapper interface {
	Unwrap() Rail
}

// As finds the first rail in the decorator chain implementing T.
func As[T any](r Rail) (T, bool) {
	for r != nil {
		if t, ok := r.(T); ok {
			return t, true
		}
		w, ok := r.(Wrapper)
		if !ok {
			break
		}
		r = w.Unwrap()
	}
	var zero T
	return zero, false
}
