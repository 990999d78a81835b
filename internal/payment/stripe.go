package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StatusSync receives the best-effort payment status update after a Stripe capture.
type StatusSync interface {
	UpdatePaymentStatus(ctx context.Context, req commerce.PaymentStatusRequest) error
}

// StripeConfig configures the Stripe rail.
type StripeConfig struct {
	SecretKey string
	// ReturnURL is where Stripe sends the payer back after a bank redirect.
	ReturnURL string
	Backends  *stripe.Backends
	Status    StatusSync
	Breaker   *resilience.Breaker
	Ledger    Ledger
	// SyncTimeout bounds the payment status side call.
	SyncTimeout time.Duration

	intents stripeIntentAPI
}

// StripeRail creates PaymentIntents and resolves them after client-side or
// server-side confirmation. Redirects happen only when Stripe requires them.
type StripeRail struct {
	intents     stripeIntentAPI
	returnURL   string
	status      StatusSync
	breaker     *resilience.Breaker
	capture     *captureOnce
	syncTimeout time.Duration
}

// NewStripeRail builds the rail from cfg.
func NewStripeRail(cfg StripeConfig) (*StripeRail, error) {
	intents := cfg.intents
	if intents == nil {
		key := strings.TrimSpace(cfg.SecretKey)
		if key == "" {
			return nil, errors.New("stripe: secret key is required")
		}
		intents = client.New(key, cfg.Backends).PaymentIntents
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(string(KindStripe), 10, 0.5, 30*time.Second)
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	syncTimeout := cfg.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 5 * time.Second
	}
	return &StripeRail{
		intents:     intents,
		returnURL:   cfg.ReturnURL,
		status:      cfg.Status,
		breaker:     breaker,
		capture:     &captureOnce{ledger: ledger},
		syncTimeout: syncTimeout,
	}, nil
}

func (r *StripeRail) Kind() Kind { return KindStripe }

func (r *StripeRail) Available(context.Context) error {
	if r.breaker.State() == resilience.Open {
		return fmt.Errorf("%w: stripe circuit open", ErrRailUnavailable)
	}
	return nil
}

func (r *StripeRail) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Totals.GrandTotal),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("pi-" + memoKey(req.CheckoutID, KindStripe, req.Cart.Fingerprint(), req.Totals))
	params.AddMetadata("checkout_id", req.CheckoutID)
	if req.VoucherCode != "" {
		params.AddMetadata("voucher_code", req.VoucherCode)
	}
	if email := strings.TrimSpace(req.Customer.Email); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	if a := req.Shipping; a != nil {
		params.Shipping = &stripe.ShippingDetailsParams{
			Name:  stripe.String(req.Customer.FullName()),
			Phone: stripe.String(req.Customer.Phone),
			Address: &stripe.AddressParams{
				Line1:      stripe.String(a.Line1),
				Line2:      stripe.String(a.Line2),
				City:       stripe.String(a.City),
				State:      stripe.String(a.State),
				PostalCode: stripe.String(a.PostalCode),
				Country:    stripe.String(a.Country),
			},
		}
	}

	var pi *stripe.PaymentIntent
	err := r.breaker.Guard(ctx, isStripeRejection, func(context.Context) error {
		var err error
		pi, err = r.intents.New(params)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	s := newSession(KindStripe, req, pi.ID)
	s.ClientSecret = pi.ClientSecret
	return s, nil
}

// Confirm confirms server-side when a payment method is supplied, otherwise
// reads the intent the browser already confirmed with the client secret.
func (r *StripeRail) Confirm(ctx context.Context, s Session, in ConfirmInput) Outcome {
	if s.Rail != KindStripe {
		return Failed(MsgRetry, false)
	}
	var pi *stripe.PaymentIntent
	err := r.breaker.Guard(ctx, isStripeRejection, func(context.Context) error {
		var err error
		if pm := strings.TrimSpace(in.PaymentMethodID); pm != "" {
			params := &stripe.PaymentIntentConfirmParams{PaymentMethod: stripe.String(pm)}
			if r.returnURL != "" {
				params.ReturnURL = stripe.String(r.returnURL)
			}
			params.Context = ctx
			params.SetIdempotencyKey("confirm-" + s.ID + "-" + pm)
			pi, err = r.intents.Confirm(s.ID, params)
			return err
		}
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err = r.intents.Get(s.ID, params)
		return err
	})
	if err != nil {
		return stripeFailure(ctx, err)
	}
	return r.resolve(ctx, s, pi)
}

// CompleteStepUp re-reads the intent after a bank redirect returned.
func (r *StripeRail) CompleteStepUp(ctx context.Context, s Session) Outcome {
	return r.Confirm(ctx, s, ConfirmInput{})
}

func (r *StripeRail) resolve(ctx context.Context, s Session, pi *stripe.PaymentIntent) Outcome {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		out := r.capture.do(ctx, KindStripe, pi.ID, func(context.Context) Outcome {
			captureID := ""
			if pi.LatestCharge != nil {
				captureID = pi.LatestCharge.ID
			}
			orderID := pi.Metadata["order_id"]
			if orderID == "" {
				orderID = pi.ID
			}
			return Captured(orderID, captureID)
		})
		r.syncStatus(ctx, s, pi)
		return out
	case stripe.PaymentIntentStatusRequiresAction:
		if na := pi.NextAction; na != nil && na.RedirectToURL != nil && na.RedirectToURL.URL != "" {
			return Awaiting(Action{Kind: ActionRedirect, OrderID: pi.ID, URL: na.RedirectToURL.URL})
		}
		return Awaiting(Action{Kind: ActionClient, OrderID: pi.ID})
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresConfirmation:
		return Awaiting(Action{Kind: ActionClient, OrderID: pi.ID})
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			return Failed(pi.LastPaymentError.Msg, false)
		}
		return Failed(MsgDeclined, false)
	case stripe.PaymentIntentStatusCanceled:
		return Failed(MsgCancelled, false)
	default:
		zerolog.Ctx(ctx).Warn().Str("payment_intent", pi.ID).Str("status", string(pi.Status)).Msg("stripe_unexpected_status")
		return Failed(MsgRetry, true)
	}
}

// syncStatus tells the backend about the payment. The payment already
// succeeded, so a failure here is only logged.
func (r *StripeRail) syncStatus(ctx context.Context, s Session, pi *stripe.PaymentIntent) {
	if r.status == nil {
		return
	}
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.syncTimeout)
	defer cancel()
	err := r.status.UpdatePaymentStatus(syncCtx, commerce.PaymentStatusRequest{
		PaymentIntentID: pi.ID,
		CheckoutID:      s.CheckoutID,
		Status:          string(pi.Status),
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("payment_intent", pi.ID).Msg("payment_status_sync_failed")
	}
}

func (r *StripeRail) Cancel(ctx context.Context, s Session) error {
	params := &stripe.PaymentIntentCancelParams{CancellationReason: stripe.String("abandoned")}
	params.Context = ctx
	_, err := r.intents.Cancel(s.ID, params)
	var se *stripe.Error
	if errors.As(err, &se) && se.Type == stripe.ErrorTypeInvalidRequest {
		// already succeeded or cancelled
		return nil
	}
	if err != nil {
		return fmt.Errorf("stripe: cancel %s: %w", s.ID, err)
	}
	return nil
}

func isStripeRejection(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.HTTPStatusCode > 0 && se.HTTPStatusCode < 500
}

func stripeFailure(ctx context.Context, err error) Outcome {
	var se *stripe.Error
	if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
		msg := se.Msg
		if msg == "" {
			msg = MsgDeclined
		}
		zerolog.Ctx(ctx).Info().Str("code", string(se.Code)).Str("decline_code", string(se.DeclineCode)).Msg("stripe_card_declined")
		return Failed(msg, false)
	}
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return Failed(MsgUnavailable, true)
	}
	zerolog.Ctx(ctx).Error().Err(err).Msg("stripe_confirm_failed")
	return Failed(MsgRetry, true)
}
