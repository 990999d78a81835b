package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/shipping"
)

type fakeBackend struct {
	mu        sync.Mutex
	creates   int32
	captures  int32
	cancels   int32
	lastCapt  commerce.CaptureRequest
	lastCreat commerce.CreateIntentRequest

	createFn  func(commerce.CreateIntentRequest) (commerce.CreateIntentResponse, error)
	confirmFn func(commerce.ConfirmRequest) (commerce.ConfirmResponse, error)
	captureFn func(commerce.CaptureRequest) (commerce.CaptureResponse, error)
}

func (f *fakeBackend) CreateIntent(_ context.Context, req commerce.CreateIntentRequest) (commerce.CreateIntentResponse, error) {
	atomic.AddInt32(&f.creates, 1)
	f.mu.Lock()
	f.lastCreat = req
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(req)
	}
	return commerce.CreateIntentResponse{ID: "ORDER-1"}, nil
}

func (f *fakeBackend) Confirm(_ context.Context, req commerce.ConfirmRequest) (commerce.ConfirmResponse, error) {
	return f.confirmFn(req)
}

func (f *fakeBackend) Capture(_ context.Context, req commerce.CaptureRequest) (commerce.CaptureResponse, error) {
	atomic.AddInt32(&f.captures, 1)
	f.mu.Lock()
	f.lastCapt = req
	f.mu.Unlock()
	if f.captureFn != nil {
		return f.captureFn(req)
	}
	time.Sleep(5 * time.Millisecond)
	return commerce.CaptureResponse{OrderID: "WEB-1001", CaptureID: "CAP-1", Status: "COMPLETED"}, nil
}

func (f *fakeBackend) Cancel(context.Context, commerce.CancelRequest) error {
	atomic.AddInt32(&f.cancels, 1)
	return nil
}

func testRequest(t *testing.T, checkoutID string) InitiateRequest {
	t.Helper()
	cart, err := pricing.NewCart([]pricing.LineItem{{ProductID: "tee", Name: "Tee", UnitPrice: 6000, Quantity: 2}})
	require.NoError(t, err)
	return InitiateRequest{
		CheckoutID: checkoutID,
		Cart:       cart,
		Totals:     pricing.Compute(pricing.Input{Cart: cart}, pricing.DefaultRules()),
		Currency:   "USD",
		Customer:   commerce.Customer{Email: "a@example.com", FirstName: "Ada", LastName: "Lovelace"},
		Shipping:   &commerce.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
	}
}

func TestPayPalCaptureIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	rail := NewPayPalRail(backend, nil, NewMemoryLedger())
	ctx := context.Background()

	s, err := rail.Initiate(ctx, testRequest(t, "co-1"))
	require.NoError(t, err)
	require.Equal(t, "ORDER-1", s.ID)

	var wg sync.WaitGroup
	outs := make([]Outcome, 5)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i] = rail.Confirm(ctx, s, ConfirmInput{})
		}()
	}
	wg.Wait()
	again := rail.Confirm(ctx, s, ConfirmInput{})

	require.EqualValues(t, 1, atomic.LoadInt32(&backend.captures))
	for _, out := range append(outs, again) {
		require.Equal(t, OutcomeCaptured, out.Status)
		require.Equal(t, "WEB-1001", out.OrderID)
	}
}

func TestRedisLedgerKeepsFirstCapture(t *testing.T) {
	mr := miniredis.RunT(t)
	ledger := RedisLedger{R: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	ctx := context.Background()

	rec, err := ledger.Record(ctx, KindPayPal, "ORDER-1", CaptureRecord{OrderID: "WEB-1"})
	require.NoError(t, err)
	require.Equal(t, "WEB-1", rec.OrderID)
	rec, err = ledger.Record(ctx, KindPayPal, "ORDER-1", CaptureRecord{OrderID: "WEB-2"})
	require.NoError(t, err)
	require.Equal(t, "WEB-1", rec.OrderID)

	got, ok, err := ledger.Lookup(ctx, KindPayPal, "ORDER-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "WEB-1", got.OrderID)
}

func TestCardFormRejectsBeforeNetwork(t *testing.T) {
	backend := &fakeBackend{}
	rail := NewCardFormRail(backend, nil, nil)
	rail.now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }
	s := Session{Rail: KindCardForm, ID: "ORDER-9"}

	out := rail.Confirm(context.Background(), s, ConfirmInput{Card: &CardInput{Number: "4111 1111 1111", Expiry: "02/26", CVV: "12"}})
	require.Equal(t, OutcomeFailed, out.Status)
	require.False(t, out.Retryable)
	require.Contains(t, out.Message, "13 to 19 digits")
	require.Zero(t, atomic.LoadInt32(&backend.captures))

	out = rail.Confirm(context.Background(), s, ConfirmInput{Card: &CardInput{Name: "Ada", Number: "4111-1111-1111-1111", Expiry: "03/26", CVV: "123"}})
	require.Equal(t, OutcomeCaptured, out.Status)
	require.Equal(t, "4111111111111111", backend.lastCapt.Card.Number)
	require.Equal(t, string(BrandVisa), backend.lastCapt.Card.Brand)
}

func TestCardFormContingencyAsksForStepUp(t *testing.T) {
	backend := &fakeBackend{captureFn: func(commerce.CaptureRequest) (commerce.CaptureResponse, error) {
		return commerce.CaptureResponse{}, &commerce.APIError{Status: 422, Name: "UNPROCESSABLE_ENTITY", Details: []commerce.ErrorDetail{{Issue: "PAYER_ACTION_REQUIRED"}}}
	}}
	rail := NewCardFormRail(backend, nil, nil)
	rail.now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }
	out := rail.Confirm(context.Background(), Session{Rail: KindCardForm, ID: "ORDER-3"},
		ConfirmInput{Card: &CardInput{Number: "5555555555554444", Expiry: "12/29", CVV: "123"}})
	require.Equal(t, OutcomeAwaitingAction, out.Status)
	require.Equal(t, ActionThreeDS, out.Action.Kind)
	require.Equal(t, "ORDER-3", out.Action.OrderID)
}

func googlePayInput() ConfirmInput {
	return ConfirmInput{GooglePay: &GooglePayData{
		Token: json.RawMessage(`{"signature":"x"}`),
		ShippingAddress: &GooglePayAddress{
			Name: "Ada Lovelace", Address1: "10 Downing St", Address2: "Flat", Address3: "2",
			Locality: "London", PostalCode: "SW1A 2AA", CountryCode: "gb",
		},
	}}
}

func TestGooglePayOutcomes(t *testing.T) {
	ctx := context.Background()
	s := Session{Rail: KindGooglePay, ID: "ORDER-G"}

	t.Run("completed", func(t *testing.T) {
		backend := &fakeBackend{confirmFn: func(commerce.ConfirmRequest) (commerce.ConfirmResponse, error) {
			return commerce.ConfirmResponse{OrderID: "ORDER-G", Status: "COMPLETED"}, nil
		}}
		out := NewGooglePayRail(backend, nil, nil).Confirm(ctx, s, googlePayInput())
		require.Equal(t, OutcomeCaptured, out.Status)
		require.Zero(t, atomic.LoadInt32(&backend.captures))
	})

	t.Run("approved captures with token addresses", func(t *testing.T) {
		backend := &fakeBackend{confirmFn: func(commerce.ConfirmRequest) (commerce.ConfirmResponse, error) {
			return commerce.ConfirmResponse{OrderID: "ORDER-G", Status: "APPROVED"}, nil
		}}
		out := NewGooglePayRail(backend, nil, nil).Confirm(ctx, s, googlePayInput())
		require.Equal(t, OutcomeCaptured, out.Status)
		require.EqualValues(t, 1, atomic.LoadInt32(&backend.captures))
		require.Equal(t, "London", backend.lastCapt.ShippingAddress.City)
		require.Equal(t, "GB", backend.lastCapt.ShippingAddress.Country)
		require.Equal(t, "Flat 2", backend.lastCapt.ShippingAddress.Line2)
	})

	t.Run("contingency error steps up", func(t *testing.T) {
		backend := &fakeBackend{confirmFn: func(commerce.ConfirmRequest) (commerce.ConfirmResponse, error) {
			return commerce.ConfirmResponse{}, &commerce.APIError{Status: 422, Name: "UNPROCESSABLE_ENTITY", Details: []commerce.ErrorDetail{{Issue: "3DS_REQUIRED"}}}
		}}
		rail := NewGooglePayRail(backend, nil, nil)
		out := rail.Confirm(ctx, s, googlePayInput())
		require.Equal(t, OutcomeAwaitingAction, out.Status)
		require.Equal(t, ActionThreeDS, out.Action.Kind)

		out = rail.CompleteStepUp(ctx, s)
		require.Equal(t, OutcomeCaptured, out.Status)
		require.Equal(t, "London", backend.lastCapt.ShippingAddress.City)
	})

	t.Run("unknown status steps up", func(t *testing.T) {
		backend := &fakeBackend{confirmFn: func(commerce.ConfirmRequest) (commerce.ConfirmResponse, error) {
			return commerce.ConfirmResponse{OrderID: "ORDER-G", Status: "SAVED"}, nil
		}}
		out := NewGooglePayRail(backend, nil, nil).Confirm(ctx, s, googlePayInput())
		require.Equal(t, OutcomeAwaitingAction, out.Status)
	})

	t.Run("rejection keeps provider message", func(t *testing.T) {
		backend := &fakeBackend{confirmFn: func(commerce.ConfirmRequest) (commerce.ConfirmResponse, error) {
			return commerce.ConfirmResponse{}, &commerce.APIError{Status: 422, Name: "INSTRUMENT_DECLINED", Message: "Card declined"}
		}}
		out := NewGooglePayRail(backend, nil, nil).Confirm(ctx, s, googlePayInput())
		require.Equal(t, OutcomeFailed, out.Status)
		require.Equal(t, "Card declined", out.Message)
		require.False(t, out.Retryable)
	})

	t.Run("transport failure suggests retry", func(t *testing.T) {
		backend := &fakeBackend{confirmFn: func(commerce.ConfirmRequest) (commerce.ConfirmResponse, error) {
			return commerce.ConfirmResponse{}, commerce.ErrUnavailable
		}}
		out := NewGooglePayRail(backend, nil, nil).Confirm(ctx, s, googlePayInput())
		require.Equal(t, OutcomeFailed, out.Status)
		require.Equal(t, MsgRetry, out.Message)
		require.True(t, out.Retryable)
	})
}

type rateFunc func(context.Context, shipping.RateReq) ([]shipping.Rate, error)

func (f rateFunc) Rates(ctx context.Context, r shipping.RateReq) ([]shipping.Rate, error) { return f(ctx, r) }

func TestAfterpayRequiresConsent(t *testing.T) {
	backend := &fakeBackend{}
	rail := NewAfterpayRail(backend, shipping.MockClient{}, pricing.DefaultRules(), nil, nil)
	_, err := rail.Initiate(context.Background(), testRequest(t, "co-ap"))
	require.ErrorIs(t, err, ErrTermsNotAccepted)
	require.Zero(t, atomic.LoadInt32(&backend.creates))
}

func TestAfterpayShippingRejections(t *testing.T) {
	s := Session{Rail: KindAfterpay, ID: "tok", Currency: "USD"}
	cases := map[error]RejectReason{
		shipping.ErrAddressUnrecognized: RejectAddressUnrecognized,
		shipping.ErrAddressUnsupported:  RejectAddressUnsupported,
		shipping.ErrServiceUnavailable:  RejectServiceUnavailable,
		errors.New("boom"):              RejectServiceUnavailable,
	}
	for cause, want := range cases {
		rail := NewAfterpayRail(&fakeBackend{}, rateFunc(func(context.Context, shipping.RateReq) ([]shipping.Rate, error) {
			return nil, cause
		}), pricing.DefaultRules(), nil, nil)
		_, err := rail.ShippingAddressChanged(context.Background(), s, testRequest(t, "co").Cart, commerce.Address{Country: "US"})
		var rej *ShippingRejection
		require.ErrorAs(t, err, &rej)
		require.Equal(t, want, rej.Reason)
	}
}

func TestAfterpayOptionRepricesAndCompletes(t *testing.T) {
	backend := &fakeBackend{}
	rail := NewAfterpayRail(backend, shipping.MockClient{}, pricing.DefaultRules(), nil, nil)
	req := testRequest(t, "co-ap")
	req.TermsAccepted = true
	s, err := rail.Initiate(context.Background(), req)
	require.NoError(t, err)

	totals := rail.ShippingOptionChanged(pricing.Input{Cart: req.Cart, Discount: 500}, shipping.Rate{ID: "express", Amount: 1500})
	require.Equal(t, pricing.Money(1500), totals.Shipping)
	require.Equal(t, pricing.Money(12000+1500-500), totals.GrandTotal)

	require.Equal(t, OutcomeFailed, rail.Confirm(context.Background(), s, ConfirmInput{AfterpayStatus: "CANCELLED"}).Status)
	out := rail.Confirm(context.Background(), s, ConfirmInput{AfterpayStatus: "SUCCESS"})
	require.Equal(t, OutcomeCaptured, out.Status)
	require.Equal(t, AfterpaySuccess, backend.lastCapt.Status)
}

func TestMemoReusesInitiatedSession(t *testing.T) {
	backend := &fakeBackend{}
	rail := NewMemo(NewPayPalRail(backend, nil, nil), NewMemorySessionCache(), time.Minute)
	ctx := context.Background()
	req := testRequest(t, "co-memo")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = rail.Initiate(ctx, req)
		}()
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))
	s, err := rail.Initiate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "ORDER-1", s.ID)
	require.EqualValues(t, 1, atomic.LoadInt32(&backend.creates))

	req.Totals.Discount, req.Totals.GrandTotal = 100, req.Totals.GrandTotal-100
	_, err = rail.Initiate(ctx, req)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&backend.creates))

	require.NoError(t, rail.Cancel(ctx, s))
	_, err = rail.Initiate(ctx, testRequest(t, "co-memo"))
	require.NoError(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&backend.creates))
}

func TestMemoCancelForgetsAfterTotalsMove(t *testing.T) {
	backend := &fakeBackend{}
	rail := NewMemo(NewPayPalRail(backend, nil, nil), NewMemorySessionCache(), time.Minute)
	ctx := context.Background()
	req := testRequest(t, "co-moved")

	s, err := rail.Initiate(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, s.MemoKey)

	s.Totals.Shipping += 500
	s.Totals.GrandTotal += 500
	require.NoError(t, rail.Cancel(ctx, s))

	_, err = rail.Initiate(ctx, req)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&backend.creates))
}

func TestAsFindsRailBehindDecorators(t *testing.T) {
	rail := NewMemo(Instrument(NewGooglePayRail(&fakeBackend{}, nil, nil)), NewMemorySessionCache(), 0)
	_, ok := As[StepUpCompleter](rail)
	require.True(t, ok)
	_, ok = As[*AfterpayRail](rail)
	require.False(t, ok)
	memo, ok := As[*Memo](rail)
	require.True(t, ok)
	require.Same(t, rail, memo)
}

func TestRegistryFiltersByFlag(t *testing.T) {
	reg := NewRegistry([]Kind{KindPayPal, KindCardForm},
		NewPayPalRail(&fakeBackend{}, nil, nil),
		NewCardFormRail(&fakeBackend{}, nil, nil),
		NewGooglePayRail(&fakeBackend{}, nil, nil))
	require.Equal(t, []Kind{KindPayPal, KindCardForm}, reg.Kinds())
	_, err := reg.Get(KindGooglePay)
	require.ErrorIs(t, err, ErrRailUnavailable)

	infos := reg.Available(context.Background())
	require.Len(t, infos, 2)
	require.True(t, infos[0].Available)
}

type fakeIntents struct {
	newFn     func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getFn     func(string) (*stripe.PaymentIntent, error)
	confirmFn func(string, *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	cancelled int32
}

func (f *fakeIntents) New(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return f.newFn(p)
}

func (f *fakeIntents) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return f.getFn(id)
}

func (f *fakeIntents) Confirm(id string, p *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return f.confirmFn(id, p)
}

func (f *fakeIntents) Cancel(string, *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	atomic.AddInt32(&f.cancelled, 1)
	return &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, nil
}

type statusSyncFunc func(context.Context, commerce.PaymentStatusRequest) error

func (f statusSyncFunc) UpdatePaymentStatus(ctx context.Context, req commerce.PaymentStatusRequest) error {
	return f(ctx, req)
}

func TestStripeCapturedDespiteStatusSyncFailure(t *testing.T) {
	var synced int32
	intents := &fakeIntents{
		newFn: func(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			require.Equal(t, int64(12000), *p.Amount)
			require.Equal(t, "usd", *p.Currency)
			require.Equal(t, "co-stripe", p.Metadata["checkout_id"])
			return &stripe.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret"}, nil
		},
		getFn: func(id string) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded, LatestCharge: &stripe.Charge{ID: "ch_1"}}, nil
		},
	}
	rail, err := NewStripeRail(StripeConfig{
		intents: intents,
		Status: statusSyncFunc(func(context.Context, commerce.PaymentStatusRequest) error {
			atomic.AddInt32(&synced, 1)
			return &commerce.APIError{Status: 500, Message: "internal"}
		}),
	})
	require.NoError(t, err)

	s, err := rail.Initiate(context.Background(), testRequest(t, "co-stripe"))
	require.NoError(t, err)
	require.Equal(t, "pi_1_secret", s.ClientSecret)

	out := rail.Confirm(context.Background(), s, ConfirmInput{})
	require.Equal(t, OutcomeCaptured, out.Status)
	require.Equal(t, "ch_1", out.CaptureID)
	require.EqualValues(t, 1, atomic.LoadInt32(&synced))
}

func TestStripeRedirectAndDecline(t *testing.T) {
	intents := &fakeIntents{
		confirmFn: func(id string, p *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
			if *p.PaymentMethod == "pm_declined" {
				return nil, &stripe.Error{Type: stripe.ErrorTypeCard, HTTPStatusCode: 402, Msg: "Your card has insufficient funds."}
			}
			return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusRequiresAction,
				NextAction: &stripe.PaymentIntentNextAction{RedirectToURL: &stripe.PaymentIntentNextActionRedirectToURL{URL: "https://bank.example/auth"}}}, nil
		},
	}
	rail, err := NewStripeRail(StripeConfig{intents: intents, ReturnURL: "https://shop.example/return"})
	require.NoError(t, err)
	s := Session{Rail: KindStripe, ID: "pi_2"}

	out := rail.Confirm(context.Background(), s, ConfirmInput{PaymentMethodID: "pm_bank"})
	require.Equal(t, OutcomeAwaitingAction, out.Status)
	require.Equal(t, ActionRedirect, out.Action.Kind)
	require.Equal(t, "https://bank.example/auth", out.Action.URL)

	out = rail.Confirm(context.Background(), s, ConfirmInput{PaymentMethodID: "pm_declined"})
	require.Equal(t, OutcomeFailed, out.Status)
	require.Equal(t, "Your card has insufficient funds.", out.Message)
	require.False(t, out.Retryable)

	require.NoError(t, rail.Cancel(context.Background(), s))
	require.EqualValues(t, 1, atomic.LoadInt32(&intents.cancelled))
}
