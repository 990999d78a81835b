package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/checkout"
	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/config"
	"github.com/noah-isme/storefront-checkout/internal/events"
	"github.com/noah-isme/storefront-checkout/internal/health"
	"github.com/noah-isme/storefront-checkout/internal/lock"
	"github.com/noah-isme/storefront-checkout/internal/notify"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/ratelimit"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
	"github.com/noah-isme/storefront-checkout/internal/shipping"
	"github.com/noah-isme/storefront-checkout/internal/store"
	"github.com/noah-isme/storefront-checkout/internal/threeds"
	"github.com/noah-isme/storefront-checkout/internal/voucher"
)

// dependencies is everything main serves and closes.
type dependencies struct {
	Service  *checkout.Service
	Checkout *checkout.Handler
	Health   *health.Handler

	closers []func()
}

// Close releases connections in reverse order of creation.
func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// wire builds the checkout service. Without REDIS_URL every shared
// component falls back to its in-process variant, which is only correct for
// a single instance.
func wire(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*dependencies, error) {
	deps := &dependencies{}
	fail := func(err error) (*dependencies, error) {
		deps.Close()
		return nil, err
	}

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	probes := map[string]health.Probe{}
	if rdb != nil {
		deps.closers = append(deps.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		})
		probes["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		logger.Warn().Msg("redis_not_configured_using_in_process_state")
	}

	bus := &events.Bus{Notifiers: []events.Notifier{logNotifier(logger)}}
	if cfg.DatabaseURL != "" {
		pool, err := openDatabase(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		deps.closers = append(deps.closers, pool.Close)
		probes["postgres"] = pool.Ping
		st := store.New(pool)
		bus.Store = st
		bus.Notifiers = append(bus.Notifiers, store.Recorder{W: st})
	}

	commerceBreaker := resilience.NewBreaker("commerce", cfg.BreakerMinCalls, cfg.BreakerRatio, cfg.BreakerCoolOff).WithLogger(logger)
	backend := commerce.New(cfg.CommerceBaseURL, resilience.HTTPClient{
		Client:      commerce.NewHTTPClient(cfg.UpstreamTimeout),
		Breaker:     commerceBreaker,
		BaseBackoff: cfg.UpstreamBackoff,
		MaxAttempts: cfg.UpstreamRetries,
		Jitter:      0.2,
		Timeout:     cfg.UpstreamTimeout,
	})
	probes["commerce"] = func(context.Context) error {
		if commerceBreaker.State() == resilience.Open {
			return errors.New("circuit open")
		}
		return nil
	}

	rails, err := buildRails(cfg, backend, rdb, logger)
	if err != nil {
		return fail(err)
	}
	vouchers, err := buildVouchers(cfg, backend)
	if err != nil {
		return fail(err)
	}
	coord, err := buildCoordinator(cfg, backend, rdb, logger)
	if err != nil {
		return fail(err)
	}
	finalizer := notify.Finalizer(notify.DirectNotifier{Emails: backend})
	if cfg.NotifyMode == "queue" {
		if cfg.RedisURL == "" {
			logger.Warn().Msg("notify_queue_needs_redis_sending_directly")
		} else {
			opt, err := asynq.ParseRedisURI(cfg.RedisURL)
			if err != nil {
				return fail(fmt.Errorf("parse redis url for tasks: %w", err))
			}
			tasks := asynq.NewClient(opt)
			deps.closers = append(deps.closers, func() { _ = tasks.Close() })
			finalizer = notify.TaskNotifier{
				Client:    tasks,
				Queue:     notify.QueueNotifications,
				MaxRetry:  8,
				Timeout:   30 * time.Second,
				Retention: 24 * time.Hour,
			}
		}
	}

	sessions := checkout.Store(checkout.NewMemoryStore())
	locker := lock.Locker(lock.NewLocal())
	if rdb != nil {
		sessions = checkout.RedisStore{R: rdb, TTL: cfg.SessionTTL}
		locker = lock.Redis{R: rdb}
	}
	svc, err := checkout.NewService(checkout.Config{
		Store:       sessions,
		Locker:      locker,
		Rails:       rails,
		Vouchers:    vouchers,
		Coordinator: coord,
		Finalizer:   finalizer,
		Bus:         bus,
		Rules:       cfg.Pricing,
		LockTTL:     cfg.LockTTL,
		Logger:      logger,
	})
	if err != nil {
		return fail(err)
	}
	deps.Service = svc

	limitStore, err := ratelimit.NewStore(rdb, "checkout:limit")
	if err != nil {
		return fail(err)
	}
	voucherLimit, err := ratelimit.New(limitStore, cfg.RateLimitVoucher)
	if err != nil {
		return fail(err)
	}
	confirmLimit, err := ratelimit.New(limitStore, cfg.RateLimitConfirm)
	if err != nil {
		return fail(err)
	}
	deps.Checkout = &checkout.Handler{
		Svc:          svc,
		Idempotency:  common.Idem{R: rdb, TTL: cfg.IdempotencyTTL}.Middleware,
		VoucherLimit: ratelimit.Handler{Limiter: voucherLimit, Scope: "voucher"}.Middleware,
		ConfirmLimit: ratelimit.Handler{Limiter: confirmLimit, Scope: "confirm"}.Middleware,
	}
	deps.Health = &health.Handler{
		Probes:   probes,
		Optional: map[string]bool{"commerce": true},
		Timeout:  500 * time.Millisecond,
	}
	return deps, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("instrument redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(rdb); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("instrument redis metrics: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.DatabaseURL)
}

// buildRails creates the enabled rails in configured order. Each rail is
// instrumented and memoised so a repeated initiation reuses the session.
func buildRails(cfg *config.Config, backend *commerce.Client, rdb *redis.Client, logger zerolog.Logger) (*payment.Registry, error) {
	cache := payment.SessionCache(payment.NewMemorySessionCache())
	ledger := payment.Ledger(payment.NewMemoryLedger())
	if rdb != nil {
		cache = payment.RedisSessionCache{R: rdb}
		ledger = payment.RedisLedger{R: rdb, TTL: 7 * 24 * time.Hour}
	}
	breaker := func(kind payment.Kind) *resilience.Breaker {
		return resilience.NewBreaker(string(kind), cfg.BreakerMinCalls, cfg.BreakerRatio, cfg.BreakerCoolOff).WithLogger(logger)
	}
	rates := shipping.Client(shipping.HTTPClient{Backend: backend})
	if !cfg.IsProduction() {
		rates = shipping.MultiClient{Couriers: map[string]shipping.Client{
			"commerce": rates,
			"mock":     shipping.MockClient{},
		}}
	}

	kinds := make([]payment.Kind, 0, len(cfg.PaymentRails))
	rails := make([]payment.Rail, 0, len(cfg.PaymentRails))
	for _, name := range cfg.PaymentRails {
		kind, err := payment.ParseKind(name)
		if err != nil {
			return nil, err
		}
		var rail payment.Rail
		switch kind {
		case payment.KindStripe:
			sr, err := payment.NewStripeRail(payment.StripeConfig{
				SecretKey: cfg.StripeSecretKey,
				ReturnURL: cfg.StripeReturnURL,
				Status:    backend,
				Breaker:   breaker(kind),
				Ledger:    ledger,
			})
			if err != nil {
				return nil, err
			}
			rail = sr
		case payment.KindPayPal:
			rail = payment.NewPayPalRail(backend, breaker(kind), ledger)
		case payment.KindGooglePay:
			rail = payment.NewGooglePayRail(backend, breaker(kind), ledger)
		case payment.KindCardForm:
			rail = payment.NewCardFormRail(backend, breaker(kind), ledger)
		case payment.KindAfterpay:
			rail = payment.NewAfterpayRail(backend, rates, cfg.Pricing, breaker(kind), ledger)
		}
		kinds = append(kinds, kind)
		rails = append(rails, payment.NewMemo(payment.Instrument(rail), cache, cfg.SessionTTL))
	}
	return payment.NewRegistry(kinds, rails...), nil
}

func buildVouchers(cfg *config.Config, backend *commerce.Client) (voucher.Validator, error) {
	if cfg.VoucherMode != "static" {
		return voucher.HTTPValidator{Backend: backend}, nil
	}
	rules, err := voucher.ParseRules(cfg.VoucherStaticRules)
	if err != nil {
		return nil, fmt.Errorf("VOUCHER_STATIC_RULES: %w", err)
	}
	return voucher.StaticValidator{Rules: rules}, nil
}

func buildCoordinator(cfg *config.Config, backend *commerce.Client, rdb *redis.Client, logger zerolog.Logger) (*threeds.Coordinator, error) {
	// the return state must outlive the window it was issued for
	signer, err := threeds.NewStateSigner([]byte(cfg.ThreeDSSecret), cfg.StepUpTimeout+time.Minute)
	if err != nil {
		return nil, err
	}
	opener := threeds.Opener(threeds.NewMemoryBroker())
	slots := threeds.Slots(threeds.NewMemorySlots())
	if rdb != nil {
		opener = threeds.RedisBroker{R: rdb, Logger: logger}
		slots = threeds.RedisSlots{R: rdb}
	}
	return threeds.NewCoordinator(threeds.Config{
		Authorizer: backend,
		Opener:     opener,
		Slots:      slots,
		Signer:     signer,
		ReturnURL:  cfg.ThreeDSReturn,
		Origin:     cfg.PublicOrigin,
		Timeout:    cfg.StepUpTimeout,
		Logger:     logger,
	})
}

func logNotifier(logger zerolog.Logger) events.Notifier {
	return events.NotifierFunc(func(_ context.Context, ev events.Event) error {
		logger.Info().Str("topic", ev.Topic).Str("checkout_id", ev.CheckoutID).Msg("checkout_event")
		return nil
	})
}
