// csrf.go -- Double-submit CSRF protection without server-side sessions.
//
// Issue mints a random token for the client and a cookie holding its keyed
// hash (HMAC-SHA256 under the server secret). State-changing requests echo
// the token in X-CSRF-Token; Validate hashes it and compares against the
// cookie in constant time. Tokens are reusable until the cookie expires.
package guard

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MGallo-Code/chiroport/internal/httpx"
	"github.com/MGallo-Code/chiroport/internal/metrics"
)

const (
	// CSRFCookieName holds the token hash.
	CSRFCookieName = "csrf-token"
	// CSRFHeaderName carries the plaintext token on mutating requests.
	CSRFHeaderName = "X-CSRF-Token"

	// MinCSRFSecretLen is the shortest accepted HMAC secret.
	MinCSRFSecretLen = 32

	defaultCSRFTTL = 24 * time.Hour
)

// ErrWeakSecret is returned when the CSRF secret is too short.
var ErrWeakSecret = errors.New("csrf secret too short")

// CSRFOptions configures cookie attributes and enforcement.
type CSRFOptions struct {
	// Secure adds the Secure attribute (production).
	Secure bool
	// Enforce rejects mismatched tokens with 403. When false, failures are
	// logged and counted but the request proceeds.
	Enforce bool
	// TTL is the cookie Max-Age. Default 24h.
	TTL time.Duration
}

// CSRFGuard issues and validates double-submit tokens. Safe for concurrent use.
type CSRFGuard struct {
	secret []byte
	opts   CSRFOptions
}

// NewCSRFGuard returns a guard keyed by secret.
func NewCSRFGuard(secret []byte, opts CSRFOptions) (*CSRFGuard, error) {
	if len(secret) < MinCSRFSecretLen {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinCSRFSecretLen, len(secret))
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultCSRFTTL
	}
	return &CSRFGuard{secret: append([]byte(nil), secret...), opts: opts}, nil
}

// Enforcing reports whether invalid tokens are rejected.
func (g *CSRFGuard) Enforcing() bool { return g.opts.Enforce }

// Issue generates a 256-bit token and the cookie carrying its hash.
func (g *CSRFGuard) Issue() (string, *http.Cookie, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", nil, fmt.Errorf("generating token with rand: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw[:])

	cookie := &http.Cookie{
		Name:     CSRFCookieName,
		Value:    g.Hash(token),
		Path:     "/",
		MaxAge:   int(g.opts.TTL / time.Second),
		HttpOnly: true,
		Secure:   g.opts.Secure,
		SameSite: http.SameSiteStrictMode,
	}
	return token, cookie, nil
}

// Hash returns the hex HMAC-SHA256 of token under the guard's secret.
func (g *CSRFGuard) Hash(token string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate reports whether supplied hashes to cookieHash. Empty inputs and
// length mismatches are false before the constant-time compare runs.
func (g *CSRFGuard) Validate(supplied, cookieHash string) bool {
	if supplied == "" || cookieHash == "" {
		return false
	}
	expected := g.Hash(supplied)
	if len(expected) != len(cookieHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(cookieHash)) == 1
}

// Middleware checks the double-submit pair on state-changing requests.
// GET, HEAD, OPTIONS and TRACE pass through unchecked.
func (g *CSRFGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}

		outcome := g.check(r)
		metrics.CSRFValidations.WithLabelValues(outcome).Inc()
		if outcome == "valid" {
			next.ServeHTTP(w, r)
			return
		}

		if g.opts.Enforce {
			httpx.LogWarn(r, "csrf validation failed", "reason", outcome)
			httpx.Error(w, http.StatusForbidden, "invalid csrf token")
			return
		}
		httpx.LogWarn(r, "csrf validation failed, enforcement disabled", "reason", outcome)
		next.ServeHTTP(w, r)
	})
}

// check classifies the request's token pair: valid, missing_header,
// missing_cookie, or mismatch.
func (g *CSRFGuard) check(r *http.Request) string {
	supplied := r.Header.Get(CSRFHeaderName)
	if supplied == "" {
		return "missing_header"
	}
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return "missing_cookie"
	}
	if !g.Validate(supplied, cookie.Value) {
		return "mismatch"
	}
	return "valid"
}
