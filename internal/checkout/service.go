// Package checkout is the checkout orchestrator: it owns the state machine of
// one checkout attempt, the single active payment session and the mapping of
// provider outcomes to what the payer is shown.
package checkout

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/events"
	"github.com/noah-isme/storefront-checkout/internal/lock"
	"github.com/noah-isme/storefront-checkout/internal/notify"
	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/shipping"
	"github.com/noah-isme/storefront-checkout/internal/store"
	"github.com/noah-isme/storefront-checkout/internal/threeds"
	"github.com/noah-isme/storefront-checkout/internal/voucher"
)

const tracerScope = "storefront-checkout/checkout"

// Messages the payer sees. Rails suggest text; the orchestrator decides.
const (
	MsgRailUnavailable   = "Payment method unavailable"
	MsgStepUpCancelled   = "Card authentication was cancelled."
	MsgStepUpTimeout     = "Card authentication took too long. Please try again."
	MsgTotalsChanged     = "Your order total changed. Please choose your payment method again."
	MsgTermsNotAccepted  = "Please accept the payment terms to continue."
	MsgCheckoutCompleted = "This checkout is already paid."
)

// Config wires a Service.
type Config struct {
	Store       Store
	Locker      lock.Locker
	Rails       *payment.Registry
	Vouchers    voucher.Validator
	Coordinator *threeds.Coordinator
	Finalizer   notify.Finalizer
	Bus         *events.Bus
	Rules       pricing.Rules
	Currency    string
	// SCAMethod is sent with every authorize call.
	SCAMethod       string
	LockTTL         time.Duration
	FinalizeTimeout time.Duration
	Logger          zerolog.Logger
}

// Service runs checkout operations. Every mutation holds the per-checkout
// lock for its whole duration.
type Service struct {
	store     Store
	locker    lock.Locker
	rails     *payment.Registry
	vouchers  voucher.Validator
	coord     *threeds.Coordinator
	finalizer notify.Finalizer
	bus       *events.Bus
	rules     pricing.Rules
	currency  string
	sca       string
	lockTTL   time.Duration
	finTTL    time.Duration
	addresses *AddressValidator
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	waiting map[string]*waiter
	wg      sync.WaitGroup
}

// NewService validates cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Rails == nil || cfg.Vouchers == nil {
		return nil, errors.New("checkout: store, rails and vouchers are required")
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "USD"
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	finTTL := cfg.FinalizeTimeout
	if finTTL <= 0 {
		finTTL = 10 * time.Second
	}
	return &Service{
		store:     cfg.Store,
		locker:    locker,
		rails:     cfg.Rails,
		vouchers:  cfg.Vouchers,
		coord:     cfg.Coordinator,
		finalizer: cfg.Finalizer,
		bus:       cfg.Bus,
		rules:     cfg.Rules,
		currency:  currency,
		sca:       cfg.SCAMethod,
		lockTTL:   lockTTL,
		finTTL:    finTTL,
		addresses: NewAddressValidator(),
		logger:    cfg.Logger,
		now:       time.Now,
		waiting:   map[string]*waiter{},
	}, nil
}

// StartInput opens a checkout for a cart snapshot.
type StartInput struct {
	Items          []pricing.LineItem `json:"items"`
	ShippingMethod string             `json:"shippingMethod"`
	// TabID identifies the browser tab; it scopes the 3DS slot.
	TabID string `json:"tabId"`
}

// Start creates a checkout in address entry.
func (s *Service) Start(ctx context.Context, in StartInput) (*Session, error) {
	cart, err := pricing.NewCart(in.Items)
	if err != nil {
		return nil, common.Validation("cart is invalid", map[string]string{"items": err.Error()})
	}
	now := s.now().UTC()
	cs := &Session{
		ID:        uuid.NewString(),
		TabID:     strings.TrimSpace(in.TabID),
		State:     StateAddressEntry,
		Currency:  s.currency,
		Cart:      cart,
		Method:    pricing.ParseShippingMethod(in.ShippingMethod),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cs.TabID == "" {
		cs.TabID = cs.ID
	}
	s.reprice(cs)
	if err := s.store.Save(ctx, cs); err != nil {
		return nil, err
	}
	s.log(ctx).Info().Str("checkout_id", cs.ID).Int("lines", cart.Len()).Msg("checkout_started")
	return cs, nil
}

// Get returns the current session.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	cs, err := s.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, common.NotFound("checkout not found")
	}
	return cs, err
}

// UpdateCart replaces the cart snapshot. An initiated payment session was
// created for the old snapshot and is cancelled. The voucher stays applied.
func (s *Service) UpdateCart(ctx context.Context, id string, items []pricing.LineItem) (*Session, error) {
	cart, err := pricing.NewCart(items)
	if err != nil {
		return nil, common.Validation("cart is invalid", map[string]string{"items": err.Error()})
	}
	return s.mutate(ctx, id, "checkout.update_cart", func(ctx context.Context, cs *Session) error {
		switch {
		case cs.State.paid():
			return common.Conflict("CHECKOUT_COMPLETED", MsgCheckoutCompleted)
		case cs.State == StateRailAwaitingAction:
			return common.Conflict("PAYMENT_IN_PROGRESS", "finish or cancel the current payment first")
		}
		cs.Cart = cart
		if cs.State == StateRailInitiated {
			s.cancelPayment(ctx, cs)
			s.transition(ctx, cs, StatePaymentMethodSelection)
		}
		s.reprice(cs)
		return nil
	})
}

// SubmitAddress validates the address step and moves to payment method
// selection. The form is re-validated here whatever the client checked.
func (s *Service) SubmitAddress(ctx context.Context, id string, in AddressInput) (*Session, error) {
	in, err := s.addresses.Validate(in)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, "checkout.submit_address", func(ctx context.Context, cs *Session) error {
		if cs.State != StateAddressEntry && cs.State != StatePaymentMethodSelection {
			return common.Conflict("INVALID_STATE", "go back to address entry before changing the address")
		}
		cs.Customer = commerce.Customer{Email: in.Email, FirstName: in.FirstName, LastName: in.LastName, Phone: in.Phone}
		cs.Shipping = in.Shipping.toCommerce()
		if in.Shipping.Name == "" {
			cs.Shipping.Name = cs.Customer.FullName()
		}
		if in.Billing != nil {
			cs.Billing = in.Billing.toCommerce()
		} else {
			billing := *cs.Shipping
			cs.Billing = &billing
		}
		if in.ShippingMethod != "" {
			cs.Method = pricing.ParseShippingMethod(in.ShippingMethod)
		}
		cs.QuotedShipping = nil
		cs.ShippingOptions = nil
		cs.Message = ""
		s.reprice(cs)
		s.transition(ctx, cs, StatePaymentMethodSelection)
		return nil
	})
}

// ApplyVoucher validates code against the undiscounted total and replaces
// whatever voucher was applied. When the validator cannot be reached the
// previous voucher is kept and ErrUnavailable is reported.
func (s *Service) ApplyVoucher(ctx context.Context, id, code string) (*Session, error) {
	return s.mutate(ctx, id, "checkout.apply_voucher", func(ctx context.Context, cs *Session) error {
		if cs.State.paid() {
			return common.Conflict("CHECKOUT_COMPLETED", MsgCheckoutCompleted)
		}
		in := cs.pricingInput()
		in.Discount = 0
		base := pricing.Compute(in, s.rules)

		res, err := s.vouchers.Validate(ctx, voucher.Request{Code: code, OrderTotal: base.GrandTotal, Cart: cs.Cart})
		metrics := obs.Domain().Vouchers
		switch {
		case errors.Is(err, voucher.ErrEmptyCode):
			return common.Validation(err.Error(), map[string]string{"code": "required"})
		case err != nil:
			metrics.WithLabelValues("error").Inc()
			s.log(ctx).Warn().Err(err).Str("checkout_id", cs.ID).Msg("voucher_validation_failed")
			return common.Unavailable("VOUCHER_UNAVAILABLE", voucher.ErrUnavailable.Error(), err)
		}
		applied := voucher.Resolve(code, res)
		if applied.Valid {
			metrics.WithLabelValues("applied").Inc()
		} else {
			metrics.WithLabelValues("rejected").Inc()
		}
		cs.Voucher = &applied
		s.reprice(cs)
		return nil
	})
}

// SelectInput carries rail specific selection data.
type SelectInput struct {
	Rail          string `json:"rail"`
	TermsAccepted bool   `json:"termsAccepted"`
}

// SelectRail makes kind the active rail. A different active session is
// cancelled before the new one is initiated, and the new session charges the
// totals current at this moment.
func (s *Service) SelectRail(ctx context.Context, id string, in SelectInput) (*Session, error) {
	kind, err := payment.ParseKind(in.Rail)
	if err != nil {
		return nil, common.Validation("unknown payment method", map[string]string{"rail": "oneof"})
	}
	return s.mutate(ctx, id, "checkout.select_rail", func(ctx context.Context, cs *Session) error {
		switch cs.State {
		case StatePaymentMethodSelection, StateRailInitiated, StateRailAwaitingAction:
		case StateAddressEntry:
			return common.Conflict("ADDRESS_REQUIRED", "submit the address first")
		default:
			return common.Conflict("CHECKOUT_COMPLETED", MsgCheckoutCompleted)
		}
		if active := cs.activePayment(); active != nil && active.Rail == kind &&
			cs.State == StateRailInitiated && s.current(cs, active) {
			return nil
		}

		rail, err := s.rails.Get(kind)
		if err == nil {
			err = rail.Available(ctx)
		}
		s.cancelPayment(ctx, cs)
		if kind != payment.KindAfterpay {
			cs.QuotedShipping = nil
			cs.ShippingOptions = nil
		}
		s.reprice(cs)
		if err != nil {
			s.log(ctx).Warn().Err(err).Str("checkout_id", cs.ID).Str("rail", string(kind)).Msg("rail_unavailable")
			cs.Payment = &payment.Session{CheckoutID: cs.ID, Rail: kind, Status: payment.StatusFailed, CreatedAt: s.now().UTC()}
			out := payment.Failed(MsgRailUnavailable, false)
			cs.Outcome = &out
			cs.Message = MsgRailUnavailable
			s.transition(ctx, cs, StatePaymentMethodSelection)
			return nil
		}

		sess, err := rail.Initiate(ctx, payment.InitiateRequest{
			CheckoutID:    cs.ID,
			Cart:          cs.Cart,
			Totals:        cs.Totals,
			Currency:      cs.Currency,
			Customer:      cs.Customer,
			Shipping:      cs.Shipping,
			Billing:       cs.Billing,
			VoucherCode:   voucherCode(cs),
			TermsAccepted: in.TermsAccepted,
		})
		if errors.Is(err, payment.ErrTermsNotAccepted) {
			s.transition(ctx, cs, StatePaymentMethodSelection)
			return common.Validation(MsgTermsNotAccepted, map[string]string{"termsAccepted": "required"})
		}
		if err != nil {
			out := s.initiateFailure(ctx, kind, err)
			cs.Payment = &payment.Session{CheckoutID: cs.ID, Rail: kind, Status: payment.StatusFailed, CreatedAt: s.now().UTC()}
			cs.Outcome = &out
			cs.Message = out.Message
			s.transition(ctx, cs, StatePaymentMethodSelection)
			return nil
		}
		cs.Payment = &sess
		cs.Outcome = nil
		cs.Message = ""
		s.transition(ctx, cs, StateRailInitiated)
		s.emit(ctx, events.TopicRailInitiated, cs, nil)
		return nil
	})
}

func (s *Service) initiateFailure(ctx context.Context, kind payment.Kind, err error) payment.Outcome {
	s.log(ctx).Error().Err(err).Str("rail", string(kind)).Msg("rail_initiate_failed")
	if apiErr, ok := commerce.AsAPIError(err); ok && apiErr.Status < http.StatusInternalServerError && apiErr.Message != "" {
		return payment.Failed(apiErr.Message, false)
	}
	return payment.Failed(payment.MsgRetry, true)
}

// ConfirmInput is the confirm request: rail input plus an optional tab
// override for the step-up window.
type ConfirmInput struct {
	payment.ConfirmInput
	TabID string `json:"tabId,omitempty"`
}

// Confirm drives the active rail's confirmation step. Provider rejections
// return the checkout to payment method selection; they are not errors.
func (s *Service) Confirm(ctx context.Context, id string, in ConfirmInput) (*Session, error) {
	return s.mutate(ctx, id, "checkout.confirm", func(ctx context.Context, cs *Session) error {
		if cs.State.paid() {
			return common.Conflict("CHECKOUT_COMPLETED", MsgCheckoutCompleted)
		}
		active := cs.activePayment()
		if active == nil {
			return common.Conflict("NO_PAYMENT_SESSION", "select a payment method first")
		}
		if cs.State == StateRailAwaitingAction && cs.StepUp != nil && cs.StepUp.Kind == payment.ActionThreeDS {
			return common.Conflict("STEP_UP_IN_PROGRESS", "card authentication is in progress")
		}
		if !s.current(cs, active) {
			return common.Conflict("TOTALS_CHANGED", MsgTotalsChanged)
		}
		if tab := strings.TrimSpace(in.TabID); tab != "" {
			cs.TabID = tab
		}
		rail, err := s.rails.Get(active.Rail)
		if err != nil {
			s.fail(ctx, cs, payment.Failed(MsgRailUnavailable, false))
			return nil
		}
		out := rail.Confirm(ctx, *active, in.ConfirmInput)
		return s.apply(ctx, cs, out)
	})
}

// apply moves the checkout according to a rail outcome.
func (s *Service) apply(ctx context.Context, cs *Session, out payment.Outcome) error {
	obs.Domain().RailOutcomes.WithLabelValues(string(cs.Payment.Rail), string(out.Status)).Inc()
	switch out.Status {
	case payment.OutcomeCaptured:
		s.capture(ctx, cs, out)
		return nil
	case payment.OutcomeAwaitingAction:
		action := payment.Action{Kind: payment.ActionThreeDS}
		if out.Action != nil {
			action = *out.Action
		}
		cs.Outcome = &out
		if action.Kind == payment.ActionThreeDS {
			return s.beginStepUp(ctx, cs, action)
		}
		cs.Payment.Status = payment.StatusAwaitingAction
		cs.StepUp = &StepUp{Kind: action.Kind, OrderID: action.OrderID, URL: action.URL,
			Redirect: action.Kind == payment.ActionRedirect, StartedAt: s.now().UTC()}
		s.transition(ctx, cs, StateRailAwaitingAction)
		s.emit(ctx, events.TopicStepUpRequired, cs, nil)
		return nil
	default:
		s.fail(ctx, cs, out)
		return nil
	}
}

// capture records the captured payment and runs the finalizer exactly once.
// The checkout is finalized whether or not the finalizer succeeds.
func (s *Service) capture(ctx context.Context, cs *Session, out payment.Outcome) {
	cs.Outcome = &out
	cs.Payment.Status = payment.StatusCaptured
	cs.OrderID = out.OrderID
	cs.StepUp = nil
	cs.Message = ""
	s.transition(ctx, cs, StateCaptured)
	s.emit(ctx, events.TopicPaymentCaptured, cs, nil)
	s.forget(ctx, cs)

	if cs.FinalizedAt != nil {
		return
	}
	now := s.now().UTC()
	cs.FinalizedAt = &now
	result := "skipped"
	if s.finalizer != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finTTL)
		err := s.finalizer.Finalize(fctx, notify.Order{
			CheckoutID: cs.ID,
			OrderID:    cs.OrderID,
			Customer:   cs.Customer,
			Total:      cs.Payment.Totals.GrandTotal,
			Items:      commerce.ItemsFromCart(cs.Cart),
		})
		cancel()
		result = "ok"
		if err != nil {
			result = "error"
			s.log(ctx).Error().Err(err).Str("checkout_id", cs.ID).Str("order_id", cs.OrderID).Msg("order_finalization_failed")
		}
	}
	obs.Domain().Finalizations.WithLabelValues(result).Inc()
	s.transition(ctx, cs, StateFinalized)
	s.emit(ctx, events.TopicCheckoutFinalized, cs, nil)
}

// fail ends the active payment session and returns to rail selection.
func (s *Service) fail(ctx context.Context, cs *Session, out payment.Outcome) {
	if strings.TrimSpace(out.Message) == "" {
		out.Message = payment.MsgDeclined
		if out.Retryable {
			out.Message = payment.MsgRetry
		}
	}
	cs.Outcome = &out
	cs.Message = out.Message
	cs.StepUp = nil
	if cs.Payment != nil {
		cs.Payment.Status = payment.StatusFailed
		s.forget(ctx, cs)
	}
	s.transition(ctx, cs, StatePaymentMethodSelection)
	s.emit(ctx, events.TopicPaymentFailed, cs, nil)
}

// Back returns to address entry, cancelling any in-flight payment.
func (s *Service) Back(ctx context.Context, id string) (*Session, error) {
	return s.mutate(ctx, id, "checkout.back", func(ctx context.Context, cs *Session) error {
		if cs.State.paid() {
			return common.Conflict("CHECKOUT_COMPLETED", MsgCheckoutCompleted)
		}
		s.cancelPayment(ctx, cs)
		cs.QuotedShipping = nil
		cs.ShippingOptions = nil
		cs.Message = ""
		s.reprice(cs)
		s.transition(ctx, cs, StateAddressEntry)
		return nil
	})
}

// AfterpayShippingAddress quotes shipping options for an address chosen in
// the Afterpay widget. Rejections carry the provider reason as error code.
func (s *Service) AfterpayShippingAddress(ctx context.Context, id string, addr PostalAddress) ([]shipping.Rate, error) {
	var rates []shipping.Rate
	_, err := s.mutate(ctx, id, "checkout.afterpay_address", func(ctx context.Context, cs *Session) error {
		ap, sess, err := s.afterpay(cs)
		if err != nil {
			return err
		}
		rates, err = ap.ShippingAddressChanged(ctx, *sess, cs.Cart, *addr.normalized().toCommerce())
		var rej *payment.ShippingRejection
		if errors.As(err, &rej) {
			return common.NewAppError(string(rej.Reason), "shipping address rejected", http.StatusUnprocessableEntity, err)
		}
		if err != nil {
			return err
		}
		cs.ShippingOptions = rates
		return nil
	})
	return rates, err
}

// AfterpayShippingOption reprices with the option picked in the widget. The
// provider already charges the new amount, so the payment snapshot follows.
func (s *Service) AfterpayShippingOption(ctx context.Context, id, optionID string) (*Session, error) {
	return s.mutate(ctx, id, "checkout.afterpay_option", func(ctx context.Context, cs *Session) error {
		ap, sess, err := s.afterpay(cs)
		if err != nil {
			return err
		}
		var picked *shipping.Rate
		for i := range cs.ShippingOptions {
			if cs.ShippingOptions[i].ID == optionID {
				picked = &cs.ShippingOptions[i]
				break
			}
		}
		if picked == nil {
			return common.Validation("unknown shipping option", map[string]string{"optionId": "oneof"})
		}
		totals := ap.ShippingOptionChanged(cs.pricingInput(), *picked)
		fee := picked.Amount
		cs.QuotedShipping = &fee
		cs.Totals = totals
		sess.Totals = totals
		return nil
	})
}

func (s *Service) afterpay(cs *Session) (*payment.AfterpayRail, *payment.Session, error) {
	active := cs.activePayment()
	if active == nil || active.Rail != payment.KindAfterpay || cs.State != StateRailInitiated {
		return nil, nil, common.Conflict("INVALID_STATE", "afterpay checkout is not in progress")
	}
	rail, err := s.rails.Get(payment.KindAfterpay)
	if err != nil {
		return nil, nil, common.Unavailable("RAIL_UNAVAILABLE", MsgRailUnavailable, err)
	}
	ap, ok := payment.As[*payment.AfterpayRail](rail)
	if !ok {
		return nil, nil, common.Unavailable("RAIL_UNAVAILABLE", MsgRailUnavailable, nil)
	}
	return ap, active, nil
}

// Rails lists the enabled rails with their availability.
func (s *Service) Rails(ctx context.Context) []payment.RailInfo {
	return s.rails.Available(ctx)
}

// Close stops background step-up waits and blocks until they returned.
func (s *Service) Close() {
	s.mu.Lock()
	for id, w := range s.waiting {
		w.cancel()
		delete(s.waiting, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// mutate loads, changes and saves a session under its lock. fn errors leave
// the stored session untouched.
func (s *Service) mutate(ctx context.Context, id, op string, fn func(context.Context, *Session) error) (_ *Session, err error) {
	ctx, span := obs.StartSpan(ctx, tracerScope, op, attribute.String("checkout.id", id))
	defer func() { obs.EndSpan(span, err) }()

	var out *Session
	err = s.locker.WithLock(ctx, "checkout:lock:"+id, s.lockTTL, func(ctx context.Context) error {
		cs, err := s.store.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return common.NotFound("checkout not found")
		}
		if err != nil {
			return err
		}
		if err := fn(ctx, cs); err != nil {
			return err
		}
		cs.Version++
		cs.UpdatedAt = s.now().UTC()
		if err := s.store.Save(ctx, cs); err != nil {
			return err
		}
		out = cs
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("checkout.state", string(out.State)))
	return out, nil
}

// cancelPayment ends the active session at the provider. Cancellation is
// best-effort; the session is discarded either way.
func (s *Service) cancelPayment(ctx context.Context, cs *Session) {
	s.stopWait(cs.ID)
	active := cs.activePayment()
	if active == nil {
		return
	}
	if rail, err := s.rails.Get(active.Rail); err == nil {
		if err := rail.Cancel(ctx, *active); err != nil {
			s.log(ctx).Warn().Err(err).Str("checkout_id", cs.ID).Str("rail", string(active.Rail)).Msg("payment_cancel_failed")
		}
	}
	s.emit(ctx, events.TopicRailCancelled, cs, nil)
	cs.Payment = nil
	cs.Outcome = nil
	cs.StepUp = nil
}

func (s *Service) forget(ctx context.Context, cs *Session) {
	if cs.Payment == nil {
		return
	}
	rail, err := s.rails.Get(cs.Payment.Rail)
	if err != nil {
		return
	}
	if m, ok := payment.As[*payment.Memo](rail); ok {
		m.Forget(ctx, *cs.Payment)
	}
}

// current reports whether p was created for the cart and totals the
// checkout shows now.
func (s *Service) current(cs *Session, p *payment.Session) bool {
	return p.Fingerprint == cs.Cart.Fingerprint() && p.Totals.Equal(cs.Totals)
}

func (s *Service) reprice(cs *Session) {
	cs.Totals = pricing.Compute(cs.pricingInput(), s.rules)
}

func (s *Service) transition(ctx context.Context, cs *Session, to State) {
	from := cs.State
	if from == to {
		return
	}
	cs.State = to
	obs.Domain().Transitions.WithLabelValues(string(from), string(to)).Inc()
	s.log(ctx).Info().Str("checkout_id", cs.ID).Str("from", string(from)).Str("to", string(to)).Msg("checkout_transition")
}

func (s *Service) emit(ctx context.Context, topic string, cs *Session, extra map[string]any) {
	if s.bus == nil {
		return
	}
	var payload any = extra
	if p := cs.Payment; p != nil {
		ap := store.AttemptPayload{
			Rail:              string(p.Rail),
			ProviderSessionID: p.ID,
			Status:            string(p.Status),
			OrderID:           cs.OrderID,
			Currency:          p.Currency,
			GrandTotal:        p.Totals.GrandTotal,
			Message:           cs.Message,
		}
		if topic == events.TopicRailCancelled {
			ap.Status = "cancelled"
		}
		if cs.Outcome != nil {
			ap.CaptureID = cs.Outcome.CaptureID
		}
		payload = ap
	}
	if _, err := s.bus.Emit(ctx, topic, cs.ID, payload); err != nil {
		s.log(ctx).Warn().Err(err).Str("topic", topic).Str("checkout_id", cs.ID).Msg("checkout_event_failed")
	}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func voucherCode(cs *Session) string {
	if cs.Voucher == nil || !cs.Voucher.Valid {
		return ""
	}
	return cs.Voucher.Code
}
