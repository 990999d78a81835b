package threeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
)

const origin = "https://shop.example"

var secret = []byte("0123456789abcdef0123456789abcdef")

type authorizeFunc func(commerce.AuthorizeRequest) (commerce.AuthorizeResponse, error)

func (f authorizeFunc) Authorize(_ context.Context, req commerce.AuthorizeRequest) (commerce.AuthorizeResponse, error) {
	return f(req)
}

func challenge(commerce.AuthorizeRequest) (commerce.AuthorizeResponse, error) {
	return commerce.AuthorizeResponse{Status: "PAYER_ACTION_REQUIRED", PayerActionURL: "https://bank.example/challenge?id=1"}, nil
}

func newCoordinator(t *testing.T, auth authorizeFunc, opener Opener, timeout time.Duration) *Coordinator {
	t.Helper()
	signer, err := NewStateSigner(secret, time.Minute)
	require.NoError(t, err)
	c, err := NewCoordinator(Config{
		Authorizer: auth,
		Opener:     opener,
		Signer:     signer,
		ReturnURL:  origin + "/checkout/3ds-return",
		Origin:     origin,
		Timeout:    timeout,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func stateFrom(t *testing.T, challengeURL string) string {
	t.Helper()
	u, err := url.Parse(challengeURL)
	require.NoError(t, err)
	ret, err := url.Parse(u.Query().Get("redirect_uri"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ret.String(), origin+"/checkout/3ds-return"))
	return ret.Query().Get("state")
}

func TestStepUpFrictionless(t *testing.T) {
	broker := NewMemoryBroker()
	for _, status := range []string{"COMPLETED", "APPROVED"} {
		c := newCoordinator(t, func(req commerce.AuthorizeRequest) (commerce.AuthorizeResponse, error) {
			require.Equal(t, "SCA_WHEN_REQUIRED", req.SCAMethod)
			return commerce.AuthorizeResponse{Status: status}, nil
		}, broker, time.Second)
		res, err := c.HandleStepUp(context.Background(), "tab-1", "ORDER-1", "")
		require.NoError(t, err)
		require.True(t, res.Authenticated)
		require.False(t, broker.Listening("tab-1"))
	}
}

func TestStepUpChallengeSucceeds(t *testing.T) {
	broker := NewMemoryBroker()
	c := newCoordinator(t, challenge, broker, time.Second)
	ctx := context.Background()

	f, err := c.Begin(ctx, "tab-1", "ORDER-1", "SCA_ALWAYS")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(f.URL, "https://bank.example/challenge?"))
	require.True(t, broker.Listening("tab-1"))

	state := stateFrom(t, f.URL)
	go func() {
		// a foreign origin and a stale order must both be ignored
		_, _ = c.Deliver(ctx, "https://evil.example", state, Message{Type: MessageFailed})
		_ = broker.Deliver(ctx, "tab-1", Message{Type: MessageFailed, OrderID: "ORDER-OLD", Origin: origin})
		_, _ = c.Deliver(ctx, origin, state, Message{Type: MessageSuccess, Payload: json.RawMessage(`{"liabilityShift":"POSSIBLE"}`)})
	}()

	res, err := c.Wait(ctx, f)
	require.NoError(t, err)
	require.True(t, res.Authenticated)
	require.Equal(t, "ORDER-1", res.OrderID)
	require.JSONEq(t, `{"liabilityShift":"POSSIBLE"}`, string(res.Payload))
	require.False(t, broker.Listening("tab-1"))
}

func TestStepUpResolvesExactlyOnce(t *testing.T) {
	cases := []struct {
		name    string
		deliver func(c *Coordinator, state string)
		check   func(t *testing.T, res Result, err error)
	}{
		{
			name: "failed",
			deliver: func(c *Coordinator, state string) {
				_, _ = c.Deliver(context.Background(), origin, state, Message{Type: MessageFailed, Message: "Authentication rejected"})
			},
			check: func(t *testing.T, _ Result, err error) {
				var fe *FailedError
				require.ErrorAs(t, err, &fe)
				require.Equal(t, "Authentication rejected", fe.Message)
			},
		},
		{
			name: "closed",
			deliver: func(c *Coordinator, state string) {
				_, _ = c.Closed(context.Background(), origin, state)
			},
			check: func(t *testing.T, _ Result, err error) {
				require.ErrorIs(t, err, ErrCancelled)
			},
		},
		{
			name: "blocked",
			deliver: func(c *Coordinator, state string) {
				_, _ = c.Deliver(context.Background(), origin, state, Message{Type: MessageBlocked})
			},
			check: func(t *testing.T, res Result, err error) {
				require.NoError(t, err)
				require.True(t, res.Redirect)
				require.NotEmpty(t, res.URL)
			},
		},
		{
			name:    "timeout",
			deliver: func(*Coordinator, string) {},
			check: func(t *testing.T, _ Result, err error) {
				require.ErrorIs(t, err, ErrTimeout)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			broker := NewMemoryBroker()
			c := newCoordinator(t, challenge, broker, 50*time.Millisecond)
			f, err := c.Begin(context.Background(), "tab-x", "ORDER-X", "")
			require.NoError(t, err)
			tc.deliver(c, stateFrom(t, f.URL))
			res, err := c.Wait(context.Background(), f)
			tc.check(t, res, err)
			require.False(t, broker.Listening("tab-x"))

			// the slot was released, so the tab can start again
			f, err = c.Begin(context.Background(), "tab-x", "ORDER-Y", "")
			require.NoError(t, err)
			f.popup.Release()
		})
	}
}

func TestStepUpOnePerTab(t *testing.T) {
	c := newCoordinator(t, challenge, NewMemoryBroker(), time.Second)
	f, err := c.Begin(context.Background(), "tab-1", "ORDER-1", "")
	require.NoError(t, err)
	defer f.popup.Release()

	_, err = c.Begin(context.Background(), "tab-1", "ORDER-2", "")
	require.ErrorIs(t, err, ErrStepUpInProgress)
	_, err = c.Begin(context.Background(), "tab-2", "ORDER-2", "")
	require.NoError(t, err)
}

func TestStepUpBlockedFallsBackToRedirect(t *testing.T) {
	broker := NewMemoryBroker()
	broker.Blocked = true
	c := newCoordinator(t, challenge, broker, time.Second)
	res, err := c.HandleStepUp(context.Background(), "tab-1", "ORDER-1", "")
	require.NoError(t, err)
	require.True(t, res.Redirect)
	require.Contains(t, res.URL, "redirect_uri=")
}

func TestStepUpAuthorizeRejected(t *testing.T) {
	c := newCoordinator(t, func(commerce.AuthorizeRequest) (commerce.AuthorizeResponse, error) {
		return commerce.AuthorizeResponse{}, &commerce.APIError{Status: 422, Name: "INSTRUMENT_DECLINED", Message: "Declined by issuer"}
	}, NewMemoryBroker(), time.Second)
	_, err := c.HandleStepUp(context.Background(), "tab-1", "ORDER-1", "")
	var fe *FailedError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "Declined by issuer", fe.Message)
}

func TestStepUpAuthorizeOutageIsNotADecline(t *testing.T) {
	c := newCoordinator(t, func(commerce.AuthorizeRequest) (commerce.AuthorizeResponse, error) {
		return commerce.AuthorizeResponse{}, fmt.Errorf("%w: connection refused", commerce.ErrUnavailable)
	}, NewMemoryBroker(), time.Second)
	_, err := c.HandleStepUp(context.Background(), "tab-1", "ORDER-1", "")
	require.ErrorIs(t, err, commerce.ErrUnavailable)
	var fe *FailedError
	require.False(t, errors.As(err, &fe))
}

func TestStepUpContextCancel(t *testing.T) {
	c := newCoordinator(t, challenge, NewMemoryBroker(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	f, err := c.Begin(ctx, "tab-1", "ORDER-1", "")
	require.NoError(t, err)
	cancel()
	_, err = c.Wait(ctx, f)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestStateTokenRejectsTampering(t *testing.T) {
	signer, err := NewStateSigner(secret, time.Minute)
	require.NoError(t, err)
	token, err := signer.Sign("ORDER-1", "tab-1")
	require.NoError(t, err)

	st, err := signer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, State{OrderID: "ORDER-1", TabID: "tab-1"}, st)

	other, err := NewStateSigner([]byte("fedcba9876543210fedcba9876543210"), time.Minute)
	require.NoError(t, err)
	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidState)

	signer.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = signer.Verify(token)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = NewStateSigner([]byte("short"), time.Minute)
	require.Error(t, err)
}

func TestRedisBrokerAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	waiter := RedisBroker{R: redis.NewClient(&redis.Options{Addr: mr.Addr()}), Logger: zerolog.Nop()}
	other := RedisBroker{R: redis.NewClient(&redis.Options{Addr: mr.Addr()}), Logger: zerolog.Nop()}

	c := newCoordinator(t, challenge, waiter, 2*time.Second)
	c.slots = RedisSlots{R: waiter.R}
	f, err := c.Begin(context.Background(), "tab-r", "ORDER-R", "")
	require.NoError(t, err)

	remote := newCoordinator(t, challenge, other, time.Second)
	_, err = remote.Deliver(context.Background(), origin, stateFrom(t, f.URL), Message{Type: MessageSuccess})
	require.NoError(t, err)

	res, err := c.Wait(context.Background(), f)
	require.NoError(t, err)
	require.True(t, res.Authenticated)
	require.False(t, mr.Exists(slotKey("tab-r")))
}

func TestRedisSlots(t *testing.T) {
	mr := miniredis.RunT(t)
	slots := RedisSlots{R: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	ctx := context.Background()

	require.NoError(t, slots.Claim(ctx, "tab", "A", time.Minute))
	require.NoError(t, slots.Claim(ctx, "tab", "A", time.Minute))
	require.ErrorIs(t, slots.Claim(ctx, "tab", "B", time.Minute), ErrStepUpInProgress)
	require.NoError(t, slots.Release(ctx, "tab", "B"))
	require.ErrorIs(t, slots.Claim(ctx, "tab", "B", time.Minute), ErrStepUpInProgress)
	require.NoError(t, slots.Release(ctx, "tab", "A"))
	require.NoError(t, slots.Claim(ctx, "tab", "B", time.Minute))
}
