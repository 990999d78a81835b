package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/storefront-checkout/internal/events"
)

// AttemptPayload is the event payload the orchestrator emits for payment
// topics. The recorder turns it into ledger rows.
type AttemptPayload struct {
	Rail              string `json:"rail"`
	ProviderSessionID string `json:"providerSessionId"`
	Status            string `json:"status"`
	OrderID           string `json:"orderId,omitempty"`
	CaptureID         string `json:"captureId,omitempty"`
	Currency          string `json:"currency,omitempty"`
	GrandTotal        int64  `json:"grandTotal"`
	Message           string `json:"message,omitempty"`
}

// AttemptWriter is what the recorder needs from the store.
type AttemptWriter interface {
	UpsertAttempt(ctx context.Context, a Attempt) error
}

// Recorder is an events.Notifier that keeps checkout_attempts current.
type Recorder struct {
	W AttemptWriter
}

var recordedTopics = map[string]struct{}{
	events.TopicRailInitiated:   {},
	events.TopicRailCancelled:   {},
	events.TopicStepUpRequired:  {},
	events.TopicPaymentCaptured: {},
	events.TopicPaymentFailed:   {},
}

// Notify implements events.Notifier.
func (r Recorder) Notify(ctx context.Context, ev events.Event) error {
	if _, ok := recordedTopics[ev.Topic]; !ok {
		return nil
	}
	var p AttemptPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("store: decode %s payload: %w", ev.Topic, err)
	}
	if p.ProviderSessionID == "" {
		return nil
	}
	return r.W.UpsertAttempt(ctx, Attempt{
		CheckoutID:        ev.CheckoutID,
		Rail:              p.Rail,
		ProviderSessionID: p.ProviderSessionID,
		Status:            p.Status,
		OrderID:           p.OrderID,
		CaptureID:         p.CaptureID,
		Currency:          p.Currency,
		GrandTotal:        p.GrandTotal,
		Message:           p.Message,
	})
}
