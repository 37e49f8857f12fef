// http.go -- Verifies bearers against a GoTrue-style /auth/v1/user endpoint.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/oauth2"
)

// HTTPProvider asks the identity service who a bearer belongs to.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider returns a provider for the service at baseURL. apiKey is
// the project's public key, sent as the apikey header.
// Uses a 5s timeout on the outbound HTTP client.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Verify forwards the bearer and returns the user id from the response.
// 401 and 403 map to ErrInvalidToken; transport failures and 5xx wrap
// ErrUnavailable.
func (p *HTTPProvider) Verify(ctx context.Context, bearer string) (uuid.UUID, error) {
	if bearer == "" {
		return uuid.Nil, ErrInvalidToken
	}

	// oauth2.NewClient would drop Timeout, so wrap the transport directly.
	client := &http.Client{
		Timeout: p.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"}),
			Base:   p.httpClient.Transport,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("identity: building request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return uuid.Nil, ErrInvalidToken
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= http.StatusInternalServerError {
			return uuid.Nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		return uuid.Nil, fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}

	var user struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return uuid.Nil, fmt.Errorf("identity: decoding user: %w", err)
	}
	id, err := uuid.FromString(user.ID)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: user id %q", ErrInvalidToken, user.ID)
	}
	return id, nil
}
