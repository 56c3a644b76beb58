// Package oauth drives the authorization-code dance against the external
// broker: it mints the CSRF-safe redirect state, validates callbacks, and
// hands the code to the matching provider adapter for exchange.
package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	ErrStateInvalid  = errors.New("oauth: invalid state")
	ErrStateExpired  = errors.New("oauth: expired state")
	ErrStateReplayed = errors.New("oauth: replayed state")
)

// State is the decoded redirect state. Nonce is single-use; ReturnContext
// carries the caller's original connect query verbatim.
type State struct {
	Nonce         string
	Provider      string
	ReturnContext string
}

// Signer mints and verifies state tokens as HS256-signed JWTs. HMAC
// verification inside the JWT library is constant-time.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("oauth: empty state secret")
	}
	return &Signer{key: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign issues a fresh state token for a connect redirect.
func (s *Signer) Sign(providerName, returnContext string) (State, string, error) {
	st := State{
		Nonce:         uuid.NewString(),
		Provider:      providerName,
		ReturnContext: returnContext,
	}
	now := s.now()
	tok, err := jwt.NewBuilder().
		JwtID(st.Nonce).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim("provider", st.Provider).
		Claim("return", st.ReturnContext).
		Build()
	if err != nil {
		return State{}, "", fmt.Errorf("oauth: building state: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return State{}, "", fmt.Errorf("oauth: signing state: %w", err)
	}
	return st, string(signed), nil
}

// Verify checks signature and expiry and decodes the claims. It does not
// consume the nonce; the store does that exactly once.
func (s *Signer) Verify(raw string) (State, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return State{}, ErrStateExpired
		}
		return State{}, fmt.Errorf("%w: %v", ErrStateInvalid, err)
	}
	st := State{Nonce: tok.JwtID()}
	if v, ok := tok.Get("provider"); ok {
		st.Provider, _ = v.(string)
	}
	if v, ok := tok.Get("return"); ok {
		st.ReturnContext, _ = v.(string)
	}
	if st.Nonce == "" || st.Provider == "" {
		return State{}, fmt.Errorf("%w: missing claims", ErrStateInvalid)
	}
	return st, nil
}
