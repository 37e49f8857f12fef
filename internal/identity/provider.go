// provider.go -- Bearer token verification interface and shared errors.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"
)

var (
	// ErrInvalidToken means the bearer was missing, malformed, expired or rejected.
	// Callers map it to 401 without saying which.
	ErrInvalidToken = errors.New("invalid bearer token")
	// ErrUnavailable means the identity service or its key endpoint could not
	// be reached, so the bearer was never judged.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// Provider verifies a bearer token and returns the user it belongs to.
// Implementations never trust client-supplied user ids.
type Provider interface {
	Verify(ctx context.Context, bearer string) (uuid.UUID, error)
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" unless the header is "Bearer <token>" (scheme case-insensitive).
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
