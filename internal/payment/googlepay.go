package payment

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
)

// GooglePayAddress is the address shape inside Google Pay payment data.
type GooglePayAddress struct {
	Name               string `json:"name"`
	Address1           string `json:"address1"`
	Address2           string `json:"address2,omitempty"`
	Address3           string `json:"address3,omitempty"`
	Locality           string `json:"locality"`
	AdministrativeArea string `json:"administrativeArea,omitempty"`
	PostalCode         string `json:"postalCode"`
	CountryCode        string `json:"countryCode"`
	PhoneNumber        string `json:"phoneNumber,omitempty"`
}

// Address maps the Google Pay fields onto the commerce address.
func (a GooglePayAddress) Address() commerce.Address {
	line2 := strings.TrimSpace(strings.Join([]string{a.Address2, a.Address3}, " "))
	return commerce.Address{
		Name:       a.Name,
		Line1:      a.Address1,
		Line2:      line2,
		City:       a.Locality,
		State:      a.AdministrativeArea,
		PostalCode: a.PostalCode,
		Country:    strings.ToUpper(a.CountryCode),
	}
}

// GooglePayData is the payment data the Google Pay sheet returned.
type GooglePayData struct {
	// Token is the opaque paymentMethodData.tokenizationData.token.
	Token           json.RawMessage   `json:"token"`
	Email           string            `json:"email,omitempty"`
	ShippingAddress *GooglePayAddress `json:"shippingAddress,omitempty"`
	BillingAddress  *GooglePayAddress `json:"billingAddress,omitempty"`
}

func (d GooglePayData) addresses(s Session) (shipping, billing *commerce.Address) {
	shipping, billing = s.Shipping, s.Billing
	if d.ShippingAddress != nil {
		a := d.ShippingAddress.Address()
		shipping = &a
	}
	if d.BillingAddress != nil {
		a := d.BillingAddress.Address()
		billing = &a
	}
	return shipping, billing
}

type googlePaySource struct {
	GooglePay struct {
		Name           string          `json:"name,omitempty"`
		Email          string          `json:"email_address,omitempty"`
		DecryptedToken json.RawMessage `json:"token"`
	} `json:"google_pay"`
}

// GooglePayRail creates a PayPal order paid with Google Pay and confirms the
// payment source. Confirm may complete, require a capture or require a 3DS
// step-up.
type GooglePayRail struct {
	orderRail

	mu sync.Mutex
	// pending keeps token addresses for orders suspended on a step-up.
	pending map[string][2]*commerce.Address
}

// NewGooglePayRail builds the Google Pay rail.
func NewGooglePayRail(backend Backend, breaker *resilience.Breaker, ledger Ledger) *GooglePayRail {
	return &GooglePayRail{
		orderRail: newOrderRail(KindGooglePay, backend, breaker, ledger),
		pending:   map[string][2]*commerce.Address{},
	}
}

func (r *GooglePayRail) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	resp, err := r.createOrder(ctx, req, json.RawMessage(`{"google_pay":{}}`))
	if err != nil {
		return Session{}, err
	}
	return newSession(KindGooglePay, req, resp.ID), nil
}

func (r *GooglePayRail) Confirm(ctx context.Context, s Session, in ConfirmInput) Outcome {
	if err := r.check(s); err != nil {
		return Failed(MsgRetry, false)
	}
	if in.GooglePay == nil || len(in.GooglePay.Token) == 0 {
		return Failed("Google Pay did not return payment details. Please try again.", false)
	}
	var src googlePaySource
	src.GooglePay.Email = in.GooglePay.Email
	src.GooglePay.DecryptedToken = in.GooglePay.Token
	if in.GooglePay.BillingAddress != nil {
		src.GooglePay.Name = in.GooglePay.BillingAddress.Name
	}
	source, err := json.Marshal(src)
	if err != nil {
		return Failed(MsgRetry, false)
	}
	shipping, billing := in.GooglePay.addresses(s)

	res := r.confirmOrder(ctx, s.ID, source)
	logger := zerolog.Ctx(ctx)
	switch res.Kind {
	case ConfirmCompleted:
		return r.capture.do(ctx, KindGooglePay, s.ID, func(context.Context) Outcome {
			return Captured(res.OrderID, "")
		})
	case ConfirmApproved:
		return r.captureOrder(ctx, s, commerce.CaptureRequest{ShippingAddress: shipping, BillingAddress: billing})
	case ConfirmPayerActionRequired:
		logger.Info().Str("order_id", res.OrderID).Msg("googlepay_step_up_required")
		r.mu.Lock()
		r.pending[s.ID] = [2]*commerce.Address{shipping, billing}
		r.mu.Unlock()
		return Awaiting(Action{Kind: ActionThreeDS, OrderID: res.OrderID, URL: res.PayerActionURL})
	default:
		if res.Transport {
			return failureFromError(ctx, KindGooglePay, "confirm", res.Err)
		}
		msg := res.Reason
		if msg == "" {
			msg = MsgDeclined
		}
		return Failed(msg, false)
	}
}

// CompleteStepUp captures the order after the payer passed the challenge,
// carrying the addresses from the Google Pay token when they are known.
func (r *GooglePayRail) CompleteStepUp(ctx context.Context, s Session) Outcome {
	r.mu.Lock()
	addrs, ok := r.pending[s.ID]
	delete(r.pending, s.ID)
	r.mu.Unlock()
	req := commerce.CaptureRequest{ShippingAddress: s.Shipping, BillingAddress: s.Billing}
	if ok {
		req.ShippingAddress, req.BillingAddress = addrs[0], addrs[1]
	}
	return r.captureOrder(ctx, s, req)
}

func (r *GooglePayRail) Cancel(ctx context.Context, s Session) error {
	r.mu.Lock()
	delete(r.pending, s.ID)
	r.mu.Unlock()
	return r.orderRail.Cancel(ctx, s)
}
