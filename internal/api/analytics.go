// analytics.go -- Signed analytics embed for admins.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/MGallo-Code/chiroport/internal/httpx"
	"github.com/MGallo-Code/chiroport/internal/identity"
	"github.com/MGallo-Code/chiroport/internal/store"
)

const adminRole = "admin"

type embedResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MetabaseEmbed handles GET /api/analytics/metabase -- verifies the bearer
// token, requires the admin role, and returns a short-lived embed URL.
func (h *Handler) MetabaseEmbed(w http.ResponseWriter, r *http.Request) {
	if h.Embed == nil || h.Identity == nil || h.Profiles == nil {
		httpx.ServiceUnavailable(w, "analytics not configured")
		return
	}

	bearer := identity.BearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		httpx.Unauthorized(w, "unauthorized")
		return
	}

	userID, err := h.Identity.Verify(r.Context(), bearer)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			httpx.LogInfo(r, "analytics: invalid bearer token")
			httpx.Unauthorized(w, "unauthorized")
			return
		}
		httpx.LogError(r, "analytics: identity provider failed", "error", err)
		httpx.ServiceUnavailable(w, "identity provider unavailable")
		return
	}

	role, err := h.Profiles.GetProfileRole(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			httpx.LogInfo(r, "analytics: no profile", "user_id", userID)
			httpx.Forbidden(w)
			return
		}
		httpx.InternalServerError(w, r, err)
		return
	}
	if role != adminRole {
		httpx.LogInfo(r, "analytics: non-admin denied", "user_id", userID)
		httpx.Forbidden(w)
		return
	}

	url, exp, err := h.Embed.EmbedURL()
	if err != nil {
		httpx.InternalServerError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, embedResponse{URL: url, ExpiresAt: exp})
}
