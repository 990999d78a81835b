package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
)

// Enqueuer is the subset of *asynq.Client the notifier uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskNotifier enqueues order emails for the worker. Enqueue returns as soon
// as the task is stored; delivery and retries happen out of band.
type TaskNotifier struct {
	Client    Enqueuer
	Queue     string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

func (n TaskNotifier) Finalize(ctx context.Context, order Order) error {
	if n.Client == nil {
		return errors.New("notify: task client not configured")
	}
	if err := order.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("notify: encode order: %w", err)
	}
	opts := []asynq.Option{asynq.MaxRetry(max(n.MaxRetry, 0))}
	if order.CheckoutID != "" {
		// one task per checkout even when finalize is retried
		opts = append(opts, asynq.TaskID(TaskSendOrderEmails+":"+order.CheckoutID))
	}
	if n.Queue != "" {
		opts = append(opts, asynq.Queue(n.Queue))
	}
	if n.Timeout > 0 {
		opts = append(opts, asynq.Timeout(n.Timeout))
	}
	if n.Retention > 0 {
		opts = append(opts, asynq.Retention(n.Retention))
	}
	info, err := n.Client.EnqueueContext(ctx, asynq.NewTask(TaskSendOrderEmails, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify: enqueue order emails: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("task_id", info.ID).Str("queue", info.Queue).Str("order_id", order.OrderID).Msg("order emails enqueued")
	return nil
}

// EmailHandler processes order email tasks on the worker.
type EmailHandler struct {
	Emails EmailSender
	Logger *zerolog.Logger
}

// Register mounts the handler on mux.
func (h EmailHandler) Register(mux *asynq.ServeMux) {
	mux.Handle(TaskSendOrderEmails, h)
}

// ProcessTask posts the order emails. Malformed payloads and rejections by
// the backend are not retried.
func (h EmailHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logger := zerolog.Nop()
	if h.Logger != nil {
		logger = *h.Logger
	}
	var order Order
	if err := json.Unmarshal(t.Payload(), &order); err != nil {
		logger.Error().Err(err).Str("task", t.Type()).Msg("discard malformed order email task")
		return fmt.Errorf("notify: decode order: %w", asynq.SkipRetry)
	}
	if err := order.validate(); err != nil {
		logger.Error().Err(err).Str("checkout_id", order.CheckoutID).Msg("discard incomplete order email task")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log := logger.With().Str("checkout_id", order.CheckoutID).Str("order_id", order.OrderID).Logger()
	if err := h.Emails.SendOrderEmails(ctx, order.emailRequest()); err != nil {
		if apiErr, ok := commerce.AsAPIError(err); ok && apiErr.Status != http.StatusTooManyRequests {
			log.Error().Err(err).Msg("order emails rejected")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		log.Warn().Err(err).Msg("order emails failed, will retry")
		return err
	}
	log.Info().Msg("order emails sent")
	return nil
}
