package threeds

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	stateIssuer = "checkout-3ds"
	tabClaim    = "tab"
)

// ErrInvalidState is returned for tampered, expired or foreign return states.
var ErrInvalidState = errors.New("threeds: invalid return state")

// State is what the return page proves about the flow it belongs to.
type State struct {
	OrderID string
	TabID   string
}

// StateSigner issues and verifies the HS256 token carried through the
// challenge redirect.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner requires a secret of at least 32 bytes.
func NewStateSigner(secret []byte, ttl time.Duration) (*StateSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("threeds: state secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateSigner{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Sign binds orderID to the tab that started the step-up.
func (s *StateSigner) Sign(orderID, tabID string) (string, error) {
	now := s.now()
	token, err := jwt.NewBuilder().
		Issuer(stateIssuer).
		Subject(orderID).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim(tabClaim, tabID).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// Verify checks signature, issuer and expiry and returns the bound flow.
func (s *StateSigner) Verify(raw string) (State, error) {
	tok, err := jwt.ParseString(raw,
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(stateIssuer),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	st := State{OrderID: tok.Subject()}
	if v, ok := tok.Get(tabClaim); ok {
		st.TabID, _ = v.(string)
	}
	if st.OrderID == "" || st.TabID == "" {
		return State{}, ErrInvalidState
	}
	return st, nil
}
