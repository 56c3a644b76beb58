package oauth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"relaygate/internal/provider"
)

// Broker abstracts the external authorization service. The gateway only ever
// builds redirects to it; the user-facing consent flow is the broker's.
type Broker interface {
	ConnectURL(authKind, state string) string
}

// HTTPBroker points at a broker reachable under a base URL with the
// conventional /connect/{kind} layout.
type HTTPBroker struct {
	Base string
}

func (b HTTPBroker) ConnectURL(authKind, state string) string {
	return fmt.Sprintf("%s/connect/%s?state=%s",
		strings.TrimRight(b.Base, "/"), url.PathEscape(authKind), url.QueryEscape(state))
}

// Bridge ties the signer, the nonce store, the broker, and the provider
// registry into the per-attempt authorization state machine.
type Bridge struct {
	signer *Signer
	store  StateStore
	broker Broker
	reg    *provider.Registry
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewBridge(signer *Signer, store StateStore, broker Broker, reg *provider.Registry, ttl time.Duration, log *zap.SugaredLogger) *Bridge {
	return &Bridge{signer: signer, store: store, broker: broker, reg: reg, ttl: ttl, log: log}
}

// Connect mints a single-use state for the provider and returns the broker
// redirect target. returnContext is the caller's raw connect query, carried
// through the dance untouched.
func (b *Bridge) Connect(ctx context.Context, providerName, returnContext string) (string, error) {
	adapter, err := b.reg.Resolve(providerName)
	if err != nil {
		return "", err
	}
	st, signed, err := b.signer.Sign(providerName, returnContext)
	if err != nil {
		return "", err
	}
	if err := b.store.Issue(ctx, st.Nonce, b.ttl); err != nil {
		return "", fmt.Errorf("oauth: registering state: %w", err)
	}
	return b.broker.ConnectURL(adapter.AuthKind(), signed), nil
}

// Callback validates and consumes the state, then exchanges the code through
// the originating provider's adapter. A failed or replayed state never
// yields credentials.
func (b *Bridge) Callback(ctx context.Context, rawState, code string) (provider.CredentialSet, error) {
	st, err := b.signer.Verify(rawState)
	if err != nil {
		return provider.CredentialSet{}, err
	}
	ok, err := b.store.Consume(ctx, st.Nonce)
	if err != nil {
		return provider.CredentialSet{}, fmt.Errorf("oauth: consuming state: %w", err)
	}
	if !ok {
		return provider.CredentialSet{}, ErrStateReplayed
	}
	adapter, err := b.reg.Resolve(st.Provider)
	if err != nil {
		return provider.CredentialSet{}, fmt.Errorf("%w: %v", ErrStateInvalid, err)
	}
	creds, err := adapter.ExchangeAuthCode(ctx, code)
	if err != nil {
		return provider.CredentialSet{}, err
	}
	b.log.Infow("authorization complete", "provider", st.Provider)
	return creds, nil
}

// Logout revokes upstream best-effort. The client discards its bundle either
// way, so a failed revoke is reported internally, never to the caller.
func (b *Bridge) Logout(ctx context.Context, adapter provider.Adapter, creds provider.CredentialSet) {
	if err := adapter.Revoke(ctx, creds); err != nil {
		b.log.Warnw("upstream revoke failed", "provider", adapter.Name(), "err", err)
	}
}
