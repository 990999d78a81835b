package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/notify"
)

type fakeEmails struct {
	mu   sync.Mutex
	sent []commerce.EmailRequest
	err  error
}

func (f *fakeEmails) SendOrderEmails(_ context.Context, req commerce.EmailRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, req)
	return nil
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	ids   map[string]bool
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id := o.Value().(string)
			if f.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			f.ids[id] = true
		}
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Queue: "default"}, nil
}

func sampleOrder() notify.Order {
	return notify.Order{
		CheckoutID: "co-1",
		OrderID:    "ORD-1",
		Customer:   commerce.Customer{Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"},
		Total:      6500,
		Items:      []commerce.Item{{ProductID: "p1", Name: "Shirt", UnitPrice: 5000, Quantity: 1}},
	}
}

func TestDirectNotifierPostsEmails(t *testing.T) {
	emails := &fakeEmails{}
	require.NoError(t, notify.DirectNotifier{Emails: emails}.Finalize(context.Background(), sampleOrder()))
	require.Len(t, emails.sent, 1)
	got := emails.sent[0]
	require.Equal(t, "ada@example.com", got.CustomerEmail)
	require.Equal(t, "Ada Lovelace", got.CustomerName)
	require.Equal(t, "ORD-1", got.OrderNumber)
	require.Equal(t, commerce.Amount(6500), got.OrderTotal)
}

func TestDirectNotifierRejectsIncompleteOrder(t *testing.T) {
	order := sampleOrder()
	order.Customer.Email = ""
	err := notify.DirectNotifier{Emails: &fakeEmails{}}.Finalize(context.Background(), order)
	require.ErrorIs(t, err, notify.ErrMissingOrder)
}

func TestTaskNotifierEnqueuesOncePerCheckout(t *testing.T) {
	q := &fakeEnqueuer{}
	n := notify.TaskNotifier{Client: q, MaxRetry: 5, Timeout: time.Minute}
	ctx := context.Background()

	require.NoError(t, n.Finalize(ctx, sampleOrder()))
	require.NoError(t, n.Finalize(ctx, sampleOrder()))
	require.Len(t, q.tasks, 1)
	require.Equal(t, notify.TaskSendOrderEmails, q.tasks[0].Type())

	var decoded notify.Order
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &decoded))
	require.Equal(t, sampleOrder(), decoded)
}

func TestEmailHandlerSendsPayload(t *testing.T) {
	emails := &fakeEmails{}
	payload, err := json.Marshal(sampleOrder())
	require.NoError(t, err)

	h := notify.EmailHandler{Emails: emails}
	require.NoError(t, h.ProcessTask(context.Background(), asynq.NewTask(notify.TaskSendOrderEmails, payload)))
	require.Len(t, emails.sent, 1)
	require.Equal(t, "ORD-1", emails.sent[0].OrderNumber)
}

func TestEmailHandlerSkipsRetryOnRejection(t *testing.T) {
	payload, err := json.Marshal(sampleOrder())
	require.NoError(t, err)
	task := asynq.NewTask(notify.TaskSendOrderEmails, payload)

	rejected := notify.EmailHandler{Emails: &fakeEmails{err: &commerce.APIError{Status: http.StatusBadRequest, Message: "bad email"}}}
	require.ErrorIs(t, rejected.ProcessTask(context.Background(), task), asynq.SkipRetry)

	outage := notify.EmailHandler{Emails: &fakeEmails{err: commerce.ErrUnavailable}}
	err = outage.ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, commerce.ErrUnavailable)
	require.False(t, errors.Is(err, asynq.SkipRetry))

	malformed := notify.EmailHandler{Emails: &fakeEmails{}}
	require.ErrorIs(t, malformed.ProcessTask(context.Background(), asynq.NewTask(notify.TaskSendOrderEmails, []byte("{"))), asynq.SkipRetry)
}
