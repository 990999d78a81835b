// Package threeds runs 3D Secure step-ups: authorize the order, hand the
// payer a challenge window, and wait for the window to report back.
package threeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/payment"
)

var (
	// ErrCancelled is returned when the payer closed the window.
	ErrCancelled = errors.New("threeds: authentication cancelled")
	// ErrTimeout is returned when the window never reported back.
	ErrTimeout = errors.New("threeds: authentication timed out")
	// ErrForeignOrigin is returned for window events from another origin.
	ErrForeignOrigin = errors.New("threeds: message from foreign origin")
)

// DefaultFailureMessage is used when the issuer gives no reason.
const DefaultFailureMessage = "Card authentication failed. Please try another payment method."

// FailedError carries the reason authentication failed.
type FailedError struct {
	Message string
	Err     error
}

func (e *FailedError) Error() string {
	if e.Err != nil {
		return "threeds: authentication failed: " + e.Message + ": " + e.Err.Error()
	}
	return "threeds: authentication failed: " + e.Message
}

func (e *FailedError) Unwrap() error { return e.Err }

// Authorizer is the backend authorize endpoint.
type Authorizer interface {
	Authorize(ctx context.Context, req commerce.AuthorizeRequest) (commerce.AuthorizeResponse, error)
}

// Result is a successful step-up, or the instruction to fall back to a
// full-page redirect.
type Result struct {
	OrderID       string          `json:"orderId"`
	Authenticated bool            `json:"authenticated"`
	Redirect      bool            `json:"redirect,omitempty"`
	URL           string          `json:"url,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Flow is a started step-up.
type Flow struct {
	TabID   string
	OrderID string
	// URL is the challenge URL including the return parameters.
	URL string

	immediate *Result
	popup     Popup
	started   time.Time
}

// Resolved returns the result when no window had to be opened.
func (f *Flow) Resolved() (Result, bool) {
	if f.immediate == nil {
		return Result{}, false
	}
	return *f.immediate, true
}

// Config wires a Coordinator.
type Config struct {
	Authorizer Authorizer
	Opener     Opener
	Slots      Slots
	Signer     *StateSigner
	// ReturnURL is the storefront page the challenge redirects to.
	ReturnURL string
	// Origin is the only origin whose window events are accepted.
	Origin  string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Coordinator runs step-ups. One outstanding step-up per tab.
type Coordinator struct {
	auth      Authorizer
	opener    Opener
	slots     Slots
	signer    *StateSigner
	returnURL string
	origin    string
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewCoordinator validates cfg. Timeout defaults to ten minutes.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Authorizer == nil || cfg.Opener == nil || cfg.Signer == nil {
		return nil, errors.New("threeds: authorizer, opener and signer are required")
	}
	if cfg.ReturnURL == "" {
		return nil, errors.New("threeds: return url is required")
	}
	slots := cfg.Slots
	if slots == nil {
		slots = NewMemorySlots()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Coordinator{
		auth:      cfg.Authorizer,
		opener:    cfg.Opener,
		slots:     slots,
		signer:    cfg.Signer,
		returnURL: cfg.ReturnURL,
		origin:    strings.TrimRight(cfg.Origin, "/"),
		timeout:   timeout,
		logger:    cfg.Logger,
		now:       time.Now,
	}, nil
}

// Timeout is how long Wait blocks before giving up.
func (c *Coordinator) Timeout() time.Duration { return c.timeout }

// HandleStepUp authorizes and, when the issuer asks for it, waits for the
// payer to finish the challenge.
func (c *Coordinator) HandleStepUp(ctx context.Context, tabID, orderID, sca string) (Result, error) {
	f, err := c.Begin(ctx, tabID, orderID, sca)
	if err != nil {
		return Result{}, err
	}
	return c.Wait(ctx, f)
}

// Begin authorizes the order. Completed or approved authorizations resolve
// at once; otherwise the tab's slot is claimed and a window is opened.
func (c *Coordinator) Begin(ctx context.Context, tabID, orderID, sca string) (f *Flow, err error) {
	ctx, span := obs.StartSpan(ctx, "storefront-checkout/threeds", "threeds.begin",
		attribute.String("order.id", orderID), attribute.String("tab.id", tabID))
	defer func() { obs.EndSpan(span, err) }()

	if strings.TrimSpace(tabID) == "" || strings.TrimSpace(orderID) == "" {
		return nil, errors.New("threeds: tab and order are required")
	}
	if sca == "" {
		sca = "SCA_WHEN_REQUIRED"
	}
	resp, authErr := c.auth.Authorize(ctx, commerce.AuthorizeRequest{OrderID: orderID, SCAMethod: sca})
	res := payment.NormalizeAuthorize(orderID, resp, authErr)
	logger := c.log(ctx).With().Str("order_id", orderID).Str("tab_id", tabID).Logger()

	switch res.Kind {
	case payment.ConfirmCompleted, payment.ConfirmApproved:
		logger.Info().Str("result", string(res.Kind)).Msg("threeds_not_required")
		c.observe("frictionless", 0)
		return &Flow{TabID: tabID, OrderID: orderID, immediate: &Result{OrderID: orderID, Authenticated: true}}, nil
	case payment.ConfirmRejected:
		if res.Transport {
			// an outage is not a decline; callers offer a retry
			c.observe("error", 0)
			logger.Warn().Err(res.Err).Msg("threeds_authorize_unavailable")
			return nil, fmt.Errorf("threeds: authorize: %w", res.Err)
		}
		c.observe("failed", 0)
		msg := res.Reason
		if msg == "" {
			msg = DefaultFailureMessage
		}
		return nil, &FailedError{Message: msg, Err: res.Err}
	}
	if res.PayerActionURL == "" {
		c.observe("failed", 0)
		return nil, &FailedError{Message: DefaultFailureMessage, Err: errors.New("no challenge url")}
	}

	if err := c.slots.Claim(ctx, tabID, orderID, c.timeout); err != nil {
		return nil, err
	}
	challenge, err := c.challengeURL(res.PayerActionURL, orderID, tabID)
	if err != nil {
		_ = c.slots.Release(ctx, tabID, orderID)
		return nil, err
	}
	f = &Flow{TabID: tabID, OrderID: orderID, URL: challenge, started: c.now()}

	p, err := c.opener.Open(ctx, tabID, orderID)
	if err != nil {
		if !errors.Is(err, ErrPopupBlocked) {
			logger.Warn().Err(err).Msg("threeds_open_failed")
		}
		_ = c.slots.Release(ctx, tabID, orderID)
		logger.Info().Msg("threeds_redirect_fallback")
		c.observe("redirect", 0)
		f.immediate = &Result{OrderID: orderID, Redirect: true, URL: challenge}
		return f, nil
	}
	f.popup = p
	logger.Info().Msg("threeds_challenge_opened")
	return f, nil
}

// Wait blocks until the window reports, is closed, ctx ends or the timeout
// passes. The window and the slot are released on every path.
func (c *Coordinator) Wait(ctx context.Context, f *Flow) (Result, error) {
	if res, ok := f.Resolved(); ok {
		return res, nil
	}
	defer func() {
		f.popup.Release()
		if err := c.slots.Release(context.WithoutCancel(ctx), f.TabID, f.OrderID); err != nil {
			c.log(ctx).Warn().Err(err).Str("tab_id", f.TabID).Msg("threeds_slot_release_failed")
		}
	}()
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case m := <-f.popup.Messages():
			if m.OrderID != f.OrderID || !c.sameOrigin(m.Origin) {
				c.log(ctx).Debug().Str("order_id", m.OrderID).Str("origin", m.Origin).Msg("threeds_message_ignored")
				continue
			}
			switch m.Type {
			case MessageSuccess:
				c.observe("success", c.now().Sub(f.started))
				return Result{OrderID: f.OrderID, Authenticated: true, Payload: m.Payload}, nil
			case MessageFailed:
				c.observe("failed", c.now().Sub(f.started))
				msg := m.Message
				if msg == "" {
					msg = DefaultFailureMessage
				}
				return Result{}, &FailedError{Message: msg}
			case MessageBlocked:
				c.observe("redirect", 0)
				return Result{OrderID: f.OrderID, Redirect: true, URL: f.URL}, nil
			}
		case <-f.popup.Closed():
			c.observe("cancelled", c.now().Sub(f.started))
			return Result{}, ErrCancelled
		case <-ctx.Done():
			c.observe("aborted", c.now().Sub(f.started))
			return Result{}, ctx.Err()
		case <-timer.C:
			c.observe("timeout", c.timeout)
			return Result{}, ErrTimeout
		}
	}
}

// Deliver verifies the return state and routes the window event to the
// waiting flow. The verified state is returned so callers can finish a
// redirect flow.
func (c *Coordinator) Deliver(ctx context.Context, origin, state string, m Message) (State, error) {
	if !c.sameOrigin(origin) {
		return State{}, ErrForeignOrigin
	}
	st, err := c.signer.Verify(state)
	if err != nil {
		return State{}, err
	}
	m.OrderID = st.OrderID
	m.Origin = origin
	if err := c.opener.Deliver(ctx, st.TabID, m); err != nil {
		return st, fmt.Errorf("threeds: deliver: %w", err)
	}
	return st, nil
}

// Closed routes a window-closed event for tab.
func (c *Coordinator) Closed(ctx context.Context, origin, state string) (State, error) {
	return c.Deliver(ctx, origin, state, Message{Type: MessageClosed})
}

func (c *Coordinator) challengeURL(raw, orderID, tabID string) (string, error) {
	token, err := c.signer.Sign(orderID, tabID)
	if err != nil {
		return "", err
	}
	ret, err := url.Parse(c.returnURL)
	if err != nil {
		return "", fmt.Errorf("threeds: return url: %w", err)
	}
	rq := ret.Query()
	rq.Set("state", token)
	ret.RawQuery = rq.Encode()

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("threeds: challenge url: %w", err)
	}
	q := u.Query()
	q.Set("redirect_uri", ret.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Coordinator) sameOrigin(origin string) bool {
	if c.origin == "" {
		return true
	}
	return strings.TrimRight(origin, "/") == c.origin
}

func (c *Coordinator) observe(result string, d time.Duration) {
	m := obs.Domain()
	m.StepUps.WithLabelValues(result).Inc()
	if d > 0 {
		m.StepUpDuration.Observe(obs.DurationMillis(d))
	}
}

func (c *Coordinator) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &c.logger
}
