package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

// TaskSendOrderEmails is the asynq task type carrying an Order.
const TaskSendOrderEmails = "order:send-emails"

// QueueNotifications is the queue order emails are enqueued on.
const QueueNotifications = "notifications"

// ErrMissingOrder is returned for an order without a number or recipient.
var ErrMissingOrder = errors.New("notify: order number and customer email are required")

// Order is the confirmation payload produced once per captured checkout.
type Order struct {
	CheckoutID string            `json:"checkoutId"`
	OrderID    string            `json:"orderId"`
	Customer   commerce.Customer `json:"customer"`
	Total      pricing.Money     `json:"total"`
	Items      []commerce.Item   `json:"items"`
}

func (o Order) validate() error {
	if strings.TrimSpace(o.OrderID) == "" || strings.TrimSpace(o.Customer.Email) == "" {
		return ErrMissingOrder
	}
	return nil
}

func (o Order) emailRequest() commerce.EmailRequest {
	return commerce.EmailRequest{
		CustomerEmail: o.Customer.Email,
		CustomerName:  o.Customer.FullName(),
		OrderNumber:   o.OrderID,
		OrderTotal:    commerce.Amount(o.Total),
		Items:         o.Items,
	}
}

// Finalizer hands a captured order to the confirmation step. The checkout
// orchestrator calls it at most once per session.
type Finalizer interface {
	Finalize(ctx context.Context, order Order) error
}

// EmailSender is the commerce backend operation behind order emails.
type EmailSender interface {
	SendOrderEmails(ctx context.Context, req commerce.EmailRequest) error
}

// DirectNotifier posts the order emails inline. It serves deployments
// without a task queue.
type DirectNotifier struct {
	Emails EmailSender
}

func (n DirectNotifier) Finalize(ctx context.Context, order Order) error {
	if n.Emails == nil {
		return errors.New("notify: email sender not configured")
	}
	if err := order.validate(); err != nil {
		return err
	}
	return n.Emails.SendOrderEmails(ctx, order.emailRequest())
}
