package payment

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
)

var (
	// ErrRailUnavailable is returned when a rail is disabled, unconfigured or tripped.
	ErrRailUnavailable = errors.New("payment: rail unavailable")
	// ErrTermsNotAccepted is returned before any provider call when consent is missing.
	ErrTermsNotAccepted = errors.New("payment: terms not accepted")
	// ErrSessionMismatch is returned when a session is handed to the wrong rail.
	ErrSessionMismatch = errors.New("payment: session belongs to another rail")
)

// User-facing messages. The orchestrator may override them.
const (
	MsgRetry       = "We could not reach the payment provider. Please try again."
	MsgUnavailable = "This payment method is currently unavailable."
	MsgDeclined    = "Your payment was declined. Please try another payment method."
	MsgCancelled   = "Payment was cancelled."
)

// isRejection reports whether err is a business rejection rather than an
// outage. Rejections do not count against the provider breaker.
func isRejection(err error) bool {
	apiErr, ok := commerce.AsAPIError(err)
	return ok && apiErr.Status < 500
}

// failureFromError converts a provider call error into a failed outcome.
// Provider rejections keep their message; transport failures get the generic
// retry message.
func failureFromError(ctx context.Context, rail Kind, op string, err error) Outcome {
	logger := zerolog.Ctx(ctx)
	if apiErr, ok := commerce.AsAPIError(err); ok && apiErr.Status < 500 {
		logger.Info().Str("rail", string(rail)).Str("op", op).Str("provider_error", apiErr.Name).
			Str("debug_id", apiErr.DebugID).Msg("payment_rejected")
		msg := apiErr.Message
		if msg == "" {
			msg = MsgDeclined
		}
		return Failed(msg, false)
	}
	if errors.Is(err, resilience.ErrOpenCircuit) {
		logger.Warn().Str("rail", string(rail)).Str("op", op).Msg("payment_breaker_open")
		return Failed(MsgUnavailable, true)
	}
	logger.Error().Err(err).Str("rail", string(rail)).Str("op", op).Msg("payment_transport_error")
	return Failed(MsgRetry, true)
}
