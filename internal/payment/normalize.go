package payment

import (
	"strings"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
)

// ConfirmKind is the normalised result of a provider confirm or authorize call.
type ConfirmKind string

const (
	ConfirmCompleted           ConfirmKind = "completed"
	ConfirmApproved            ConfirmKind = "approved"
	ConfirmPayerActionRequired ConfirmKind = "payer_action_required"
	ConfirmRejected            ConfirmKind = "rejected"
)

// ConfirmResult is what the rails and the 3DS coordinator branch on. Nothing
// downstream inspects provider strings.
type ConfirmResult struct {
	Kind           ConfirmKind
	OrderID        string
	PayerActionURL string
	Reason         string
	// Transport is set when the rejection came from an outage, not the provider.
	Transport bool
	Err       error
}

// contingencyMarkers are provider error names or detail issues that mean the
// payer must authenticate rather than that the payment failed.
var contingencyMarkers = map[string]struct{}{
	"PAYER_ACTION_REQUIRED": {},
	"3DS_REQUIRED":          {},
	"BUYER_NOT_SET":         {},
}

// IsContingency reports whether a provider error asks for payer action.
func IsContingency(apiErr *commerce.APIError) bool {
	if apiErr == nil {
		return false
	}
	if _, ok := contingencyMarkers[strings.ToUpper(apiErr.Name)]; ok {
		return true
	}
	for _, d := range apiErr.Details {
		if _, ok := contingencyMarkers[strings.ToUpper(d.Issue)]; ok {
			return true
		}
	}
	return false
}

// NormalizeStatus maps a provider order status. Unknown statuses take the
// step-up path rather than failing the payment.
func NormalizeStatus(orderID, status, payerAction string) ConfirmResult {
	res := ConfirmResult{OrderID: orderID, PayerActionURL: payerAction}
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		res.Kind = ConfirmCompleted
	case "APPROVED":
		res.Kind = ConfirmApproved
	default:
		res.Kind = ConfirmPayerActionRequired
	}
	return res
}

// NormalizeConfirm folds a confirm reply and its error into one result.
func NormalizeConfirm(orderID string, resp commerce.ConfirmResponse, err error) ConfirmResult {
	if err == nil {
		id := resp.OrderID
		if id == "" {
			id = orderID
		}
		return NormalizeStatus(id, resp.Status, resp.PayerAction())
	}
	return normalizeError(orderID, err)
}

// NormalizeAuthorize folds an authorize reply and its error into one result.
func NormalizeAuthorize(orderID string, resp commerce.AuthorizeResponse, err error) ConfirmResult {
	if err == nil {
		return NormalizeStatus(orderID, resp.Status, resp.PayerAction())
	}
	return normalizeError(orderID, err)
}

func normalizeError(orderID string, err error) ConfirmResult {
	apiErr, ok := commerce.AsAPIError(err)
	switch {
	case ok && IsContingency(apiErr):
		return ConfirmResult{Kind: ConfirmPayerActionRequired, OrderID: orderID}
	case ok && apiErr.Status < 500:
		return ConfirmResult{Kind: ConfirmRejected, OrderID: orderID, Reason: apiErr.Message, Err: err}
	default:
		return ConfirmResult{Kind: ConfirmRejected, OrderID: orderID, Transport: true, Err: err}
	}
}
