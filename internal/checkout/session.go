package checkout

import (
	"time"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/shipping"
	"github.com/noah-isme/storefront-checkout/internal/voucher"
)

// State is the orchestrator position of a checkout.
type State string

const (
	StateAddressEntry           State = "address_entry"
	StatePaymentMethodSelection State = "payment_method_selection"
	StateRailInitiated          State = "rail_initiated"
	StateRailAwaitingAction     State = "rail_awaiting_action"
	StateCaptured               State = "captured"
	StateFinalized              State = "finalized"
)

// paid reports whether money has moved; nothing may change afterwards.
func (s State) paid() bool {
	return s == StateCaptured || s == StateFinalized
}

// StepUp is the pending payer action of an awaiting payment.
type StepUp struct {
	Kind    payment.ActionKind `json:"kind"`
	OrderID string             `json:"orderId,omitempty"`
	URL     string             `json:"url,omitempty"`
	// Redirect means the storefront must navigate to URL; nobody waits on a window.
	Redirect  bool      `json:"redirect,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Session is one checkout attempt as the storefront sees it.
type Session struct {
	ID       string                 `json:"id"`
	TabID    string                 `json:"tabId"`
	State    State                  `json:"state"`
	Currency string                 `json:"currency"`
	Cart     pricing.Cart           `json:"cart"`
	Method   pricing.ShippingMethod `json:"shippingMethod"`
	// QuotedShipping is the shipping fee negotiated inside a provider widget.
	QuotedShipping  *pricing.Money    `json:"quotedShipping,omitempty"`
	ShippingOptions []shipping.Rate   `json:"shippingOptions,omitempty"`
	Customer        commerce.Customer `json:"customer"`
	Shipping        *commerce.Address `json:"shippingAddress,omitempty"`
	Billing         *commerce.Address `json:"billingAddress,omitempty"`
	Voucher         *voucher.Applied  `json:"voucher,omitempty"`
	Totals          pricing.Totals    `json:"totals"`

	Payment *payment.Session `json:"payment,omitempty"`
	Outcome *payment.Outcome `json:"outcome,omitempty"`
	StepUp  *StepUp          `json:"stepUp,omitempty"`
	OrderID string           `json:"orderId,omitempty"`
	// Message is the user-visible text for the last failure.
	Message string `json:"message,omitempty"`

	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// activePayment returns the payment session still open at the provider.
func (cs *Session) activePayment() *payment.Session {
	if cs.Payment == nil {
		return nil
	}
	switch cs.Payment.Status {
	case payment.StatusInitiated, payment.StatusAwaitingAction, payment.StatusAuthorized:
		return cs.Payment
	}
	return nil
}

func (cs *Session) pricingInput() pricing.Input {
	in := pricing.Input{Cart: cs.Cart, Method: cs.Method, QuotedShipping: cs.QuotedShipping}
	if cs.Voucher != nil {
		in.Discount = cs.Voucher.Amount()
	}
	return in
}
