// handler.go -- HTTP handlers for all /api/* endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/MGallo-Code/chiroport/internal/guard"
	"github.com/MGallo-Code/chiroport/internal/httpx"
	"github.com/MGallo-Code/chiroport/internal/identity"
	"github.com/MGallo-Code/chiroport/internal/intake"
	"github.com/MGallo-Code/chiroport/internal/waitwhile"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

// QueueClient defines the queue provider operations the handlers need.
// Satisfied by *waitwhile.Client.
type QueueClient interface {
	// Submit forwards a validated intake and returns the queue entry.
	Submit(ctx context.Context, in intake.Intake) (*intake.SubmitResult, error)

	// GetVisit fetches a visit's live status.
	// Returns waitwhile.ErrVisitNotFound if the provider has no such visit.
	GetVisit(ctx context.Context, id string) (*waitwhile.Visit, error)
}

// ProfileStore defines the profile lookup behind the analytics endpoint.
// Satisfied by *store.PostgresStore.
type ProfileStore interface {
	// GetProfileRole returns the user's role, or store.ErrProfileNotFound.
	GetProfileRole(ctx context.Context, userID uuid.UUID) (string, error)
}

// HealthChecker is a dependency the health endpoint can ping.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// EmbedSigner issues signed analytics embed URLs.
// Satisfied by *metabase.Signer.
type EmbedSigner interface {
	EmbedURL() (string, time.Time, error)
}

// CaptchaVerifier checks a bot-challenge response.
// Satisfied by *captcha.TurnstileVerifier.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Handler holds the dependencies for every /api route.
// Nil optional dependencies disable their endpoint with a 503.
type Handler struct {
	CSRF     *guard.CSRFGuard
	Queue    QueueClient
	Identity identity.Provider
	Profiles ProfileStore
	Embed    EmbedSigner

	// Captcha, when set, gates intake submit on a challenge response.
	Captcha CaptchaVerifier

	// Health checks. Database is nil when no DATABASE_URL is configured.
	Counters HealthChecker
	Database HealthChecker

	// HealthSecret gates /api/health when set. In production an unset
	// secret hides the endpoint entirely.
	HealthSecret string
	Production   bool
	Started      time.Time
}

// Routes registers every /api route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/csrf-token", h.IssueCSRFToken)
	r.Get("/api/health", h.CheckHealth)

	// The bare paths exist so a missing id is a 400, not a router 404.
	r.Get("/api/waitwhile/visit", h.GetVisit)
	r.Get("/api/waitwhile/visit/", h.GetVisit)
	r.Get("/api/waitwhile/visit/{visitId}", h.GetVisit)
	r.With(h.CSRF.Middleware).Post("/api/waitwhile/submit", h.Submit)

	r.Get("/api/analytics/metabase", h.MetabaseEmbed)
}

type csrfTokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

// IssueCSRFToken handles GET /api/csrf-token. The token goes in the body for
// the X-CSRF-Token header; its HMAC goes in the csrf-token cookie.
func (h *Handler) IssueCSRFToken(w http.ResponseWriter, r *http.Request) {
	token, cookie, err := h.CSRF.Issue()
	if err != nil {
		httpx.InternalServerError(w, r, err)
		return
	}
	http.SetCookie(w, cookie)
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, csrfTokenResponse{Success: true, Token: token})
}
