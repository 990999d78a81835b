package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/events"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/threeds"
)

// beginStepUp hands an awaiting payment to the 3DS coordinator. Frictionless
// authorizations complete at once; a challenge window is waited on in the
// background, detached from the request that started it.
func (s *Service) beginStepUp(ctx context.Context, cs *Session, action payment.Action) error {
	if s.coord == nil {
		s.fail(ctx, cs, payment.Failed(threeds.DefaultFailureMessage, false))
		return nil
	}
	orderID := action.OrderID
	if orderID == "" {
		orderID = cs.Payment.ID
	}
	flow, err := s.coord.Begin(ctx, cs.TabID, orderID, s.sca)
	switch {
	case errors.Is(err, threeds.ErrStepUpInProgress):
		return common.Conflict("STEP_UP_IN_PROGRESS", "another card authentication is open in this tab")
	case err != nil:
		s.fail(ctx, cs, stepUpFailure(err))
		return nil
	}

	if res, ok := flow.Resolved(); ok && !res.Redirect {
		s.completeStepUp(ctx, cs)
		return nil
	}
	cs.Payment.Status = payment.StatusAwaitingAction
	cs.StepUp = &StepUp{Kind: payment.ActionThreeDS, OrderID: orderID, URL: flow.URL, StartedAt: s.now().UTC()}
	s.transition(ctx, cs, StateRailAwaitingAction)
	s.emit(ctx, events.TopicStepUpRequired, cs, nil)

	if res, ok := flow.Resolved(); ok {
		// popup blocked: the payer is sent to the challenge page and comes back
		// through the return endpoint
		cs.StepUp.Redirect = true
		cs.StepUp.URL = res.URL
		return nil
	}
	s.wait(ctx, cs.ID, cs.Payment.ID, flow)
	return nil
}

func (s *Service) wait(ctx context.Context, checkoutID, providerID string, flow *threeds.Flow) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &waiter{cancel: cancel}
	s.mu.Lock()
	if prev, ok := s.waiting[checkoutID]; ok {
		prev.cancel()
	}
	s.waiting[checkoutID] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		res, err := s.coord.Wait(wctx, flow)
		s.mu.Lock()
		if s.waiting[checkoutID] == w {
			delete(s.waiting, checkoutID)
		}
		s.mu.Unlock()
		if errors.Is(err, context.Canceled) {
			return
		}
		s.resolveStepUp(wctx, checkoutID, providerID, res, err)
	}()
}

type waiter struct {
	cancel context.CancelFunc
}

func (s *Service) stopWait(checkoutID string) {
	s.mu.Lock()
	w, ok := s.waiting[checkoutID]
	delete(s.waiting, checkoutID)
	s.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// resolveStepUp applies a finished challenge. Results for a payment session
// that is no longer awaiting are dropped.
func (s *Service) resolveStepUp(ctx context.Context, checkoutID, providerID string, res threeds.Result, waitErr error) {
	_, err := s.mutate(ctx, checkoutID, "checkout.resolve_step_up", func(ctx context.Context, cs *Session) error {
		if cs.State != StateRailAwaitingAction || cs.Payment == nil || cs.Payment.ID != providerID {
			s.log(ctx).Info().Str("checkout_id", checkoutID).Msg("step_up_result_stale")
			return nil
		}
		switch {
		case waitErr != nil:
			s.fail(ctx, cs, stepUpFailure(waitErr))
		case res.Redirect:
			cs.StepUp.Redirect = true
			cs.StepUp.URL = res.URL
		default:
			s.completeStepUp(ctx, cs)
		}
		return nil
	})
	if err != nil {
		s.log(ctx).Error().Err(err).Str("checkout_id", checkoutID).Msg("step_up_resolution_failed")
	}
}

// completeStepUp runs the rail's follow-up call after a successful
// challenge. A second payer action is treated as a failure.
func (s *Service) completeStepUp(ctx context.Context, cs *Session) {
	rail, err := s.rails.Get(cs.Payment.Rail)
	if err != nil {
		s.fail(ctx, cs, payment.Failed(MsgRailUnavailable, false))
		return
	}
	var out payment.Outcome
	if completer, ok := payment.As[payment.StepUpCompleter](rail); ok {
		out = completer.CompleteStepUp(ctx, *cs.Payment)
	} else {
		out = rail.Confirm(ctx, *cs.Payment, payment.ConfirmInput{})
	}
	if out.Status == payment.OutcomeAwaitingAction {
		out = payment.Failed(threeds.DefaultFailureMessage, false)
	}
	if err := s.apply(ctx, cs, out); err != nil {
		s.log(ctx).Error().Err(err).Str("checkout_id", cs.ID).Msg("step_up_completion_failed")
	}
}

func stepUpFailure(err error) payment.Outcome {
	var failed *threeds.FailedError
	switch {
	case errors.As(err, &failed):
		return payment.Failed(failed.Message, false)
	case errors.Is(err, threeds.ErrCancelled):
		return payment.Failed(MsgStepUpCancelled, true)
	case errors.Is(err, threeds.ErrTimeout):
		return payment.Failed(MsgStepUpTimeout, true)
	default:
		return payment.Failed(payment.MsgRetry, true)
	}
}

// ChallengeReturn is what the challenge page posts back.
type ChallengeReturn struct {
	// CheckoutID is sent by the return page after a full-page redirect.
	CheckoutID string              `json:"checkoutId,omitempty"`
	State      string              `json:"state"`
	Type       threeds.MessageType `json:"type"`
	Message    string              `json:"message,omitempty"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
}

// ChallengeReturned routes a challenge result. A waiting window flow on any
// instance picks it up through the broker; a redirect flow, which nobody
// waits on, is resolved here. The returned session is nil for window flows.
func (s *Service) ChallengeReturned(ctx context.Context, origin string, in ChallengeReturn) (*Session, error) {
	switch in.Type {
	case threeds.MessageSuccess, threeds.MessageFailed, threeds.MessageClosed, threeds.MessageBlocked:
	default:
		return nil, common.Validation("unknown challenge result", map[string]string{"type": "oneof"})
	}
	if s.coord == nil {
		return nil, common.Unavailable("THREEDS_UNAVAILABLE", "card authentication is not configured", nil)
	}
	st, err := s.coord.Deliver(ctx, origin, in.State, threeds.Message{Type: in.Type, Message: in.Message, Payload: in.Payload})
	switch {
	case errors.Is(err, threeds.ErrForeignOrigin):
		return nil, common.NewAppError("FORBIDDEN_ORIGIN", "origin not allowed", http.StatusForbidden, err)
	case errors.Is(err, threeds.ErrInvalidState):
		return nil, common.Validation("invalid challenge state", map[string]string{"state": "invalid"})
	case err != nil:
		return nil, common.Unavailable("THREEDS_UNAVAILABLE", payment.MsgRetry, err)
	}
	if in.CheckoutID == "" {
		return nil, nil
	}
	return s.mutate(ctx, in.CheckoutID, "checkout.challenge_return", func(ctx context.Context, cs *Session) error {
		if cs.State != StateRailAwaitingAction || cs.StepUp == nil || !cs.StepUp.Redirect || cs.StepUp.OrderID != st.OrderID {
			return nil
		}
		switch in.Type {
		case threeds.MessageSuccess:
			s.completeStepUp(ctx, cs)
		case threeds.MessageFailed:
			msg := in.Message
			if msg == "" {
				msg = threeds.DefaultFailureMessage
			}
			s.fail(ctx, cs, payment.Failed(msg, false))
		case threeds.MessageClosed:
			s.fail(ctx, cs, payment.Failed(MsgStepUpCancelled, true))
		}
		return nil
	})
}
