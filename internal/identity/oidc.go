// oidc.go -- Verifies bearers as OIDC ID tokens.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gofrs/uuid/v5"
)

// OIDCProvider checks signature, issuer, audience and expiry locally against
// the issuer's published keys.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCProvider fetches the issuer's discovery document.
// Makes an outbound HTTP request at startup; returns an error if unreachable.
// ctx also scopes later key refreshes, so pass a long-lived one.
func NewOIDCProvider(ctx context.Context, issuer, clientID string) (*OIDCProvider, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	var meta struct {
		Issuer  string   `json:"issuer"`
		JWKSURI string   `json:"jwks_uri"`
		Algs    []string `json:"id_token_signing_alg_values_supported"`
	}
	if err := p.Claims(&meta); err != nil {
		return nil, fmt.Errorf("oidc discovery claims: %w", err)
	}
	keys := &fetchTrackingKeySet{remote: oidc.NewRemoteKeySet(ctx, meta.JWKSURI)}
	return &OIDCProvider{verifier: oidc.NewVerifier(meta.Issuer, keys, &oidc.Config{
		ClientID:             clientID,
		SupportedSigningAlgs: meta.Algs,
	})}, nil
}

// Verify returns the token subject as a user id. The subject must be a UUID.
// A failed key refresh wraps ErrUnavailable; every other rejection is
// ErrInvalidToken.
func (p *OIDCProvider) Verify(ctx context.Context, bearer string) (uuid.UUID, error) {
	if bearer == "" {
		return uuid.Nil, ErrInvalidToken
	}
	var fetchErr error
	tok, err := p.verifier.Verify(context.WithValue(ctx, fetchErrKey{}, &fetchErr), bearer)
	if err != nil {
		if fetchErr != nil {
			return uuid.Nil, fmt.Errorf("%w: %w", ErrUnavailable, fetchErr)
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, err := uuid.FromString(tok.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	return id, nil
}

type fetchErrKey struct{}

// fetchTrackingKeySet records key-fetch failures on the Verify call's context.
// The verifier flattens key set errors into text, so they cannot be told
// apart after it returns. RemoteKeySet wraps a cause only when fetching keys
// failed; bad signatures come back unwrapped.
type fetchTrackingKeySet struct {
	remote oidc.KeySet
}

func (k *fetchTrackingKeySet) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	payload, err := k.remote.VerifySignature(ctx, jwt)
	if err != nil && errors.Unwrap(err) != nil {
		if slot, ok := ctx.Value(fetchErrKey{}).(*error); ok {
			*slot = err
		}
	}
	return payload, err
}
