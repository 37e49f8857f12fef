// queue.go -- Queue provider proxy handlers: visit status and intake submit.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/MGallo-Code/chiroport/internal/captcha"
	"github.com/MGallo-Code/chiroport/internal/httpx"
	"github.com/MGallo-Code/chiroport/internal/intake"
	"github.com/MGallo-Code/chiroport/internal/metrics"
	"github.com/MGallo-Code/chiroport/internal/waitwhile"
	"github.com/go-chi/chi/v5"
)

// maxIntakeBody caps the submit payload.
const maxIntakeBody = 64 << 10

// CaptchaHeader carries the Turnstile response on submit.
const CaptchaHeader = "CF-Turnstile-Response"

type providerErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// GetVisit handles GET /api/waitwhile/visit/{visitId}.
func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "visitId"))
	if id == "" {
		httpx.BadRequest(w, "visitId is required")
		return
	}
	if h.Queue == nil {
		httpx.ServiceUnavailable(w, "queue provider not configured")
		return
	}

	visit, err := h.Queue.GetVisit(r.Context(), id)
	if err != nil {
		if errors.Is(err, waitwhile.ErrVisitNotFound) {
			httpx.NotFound(w, "Visit not found")
			return
		}
		h.providerFailure(w, r, "visit lookup failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, visit)
}

// Submit handles POST /api/waitwhile/submit. CSRF is checked by middleware;
// the body is validated against the intake schema before reaching the provider.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		httpx.ServiceUnavailable(w, "queue provider not configured")
		return
	}

	var in intake.Intake
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIntakeBody)).Decode(&in); err != nil {
		httpx.BadRequest(w, "invalid request body")
		return
	}
	if fields := intake.Validate(in); fields != nil {
		metrics.WizardSubmissions.WithLabelValues("invalid").Inc()
		httpx.ValidationFailed(w, fields)
		return
	}
	if !h.captchaPassed(w, r) {
		return
	}

	res, err := h.Queue.Submit(r.Context(), in)
	if err != nil {
		metrics.WizardSubmissions.WithLabelValues("failed").Inc()
		h.providerFailure(w, r, "intake submit failed", err)
		return
	}

	if res.AlreadyInQueue {
		metrics.WizardSubmissions.WithLabelValues("already_queued").Inc()
		httpx.LogInfo(r, "intake matched an existing visit", "visit_id", res.QueueEntryID)
	} else {
		metrics.WizardSubmissions.WithLabelValues("succeeded").Inc()
		httpx.LogInfo(r, "intake queued", "visit_id", res.QueueEntryID, "location_id", in.LocationID)
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

// captchaPassed runs the optional bot check and writes the rejection when
// it returns false. Client failures are 403; an unreachable verifier is 503.
func (h *Handler) captchaPassed(w http.ResponseWriter, r *http.Request) bool {
	if h.Captcha == nil {
		return true
	}
	err := h.Captcha.Verify(r.Context(), r.Header.Get(CaptchaHeader), httpx.ClientIP(r))
	switch {
	case err == nil:
		return true
	case errors.Is(err, captcha.ErrMissingToken), errors.Is(err, captcha.ErrRejected):
		metrics.WizardSubmissions.WithLabelValues("captcha_failed").Inc()
		httpx.LogInfo(r, "intake captcha failed", "error", err)
		httpx.Error(w, http.StatusForbidden, "captcha verification failed")
	default:
		httpx.LogError(r, "captcha verifier unavailable", "error", err)
		httpx.ServiceUnavailable(w, "captcha verification unavailable")
	}
	return false
}

// providerFailure maps a queue provider error onto a response. Provider
// rejections carry their code and message through; unreachable or
// unconfigured providers are 503; anything else is a generic 500.
func (h *Handler) providerFailure(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var perr *waitwhile.ProviderError
	var nerr net.Error
	switch {
	case errors.As(err, &perr):
		httpx.LogError(r, msg, "status", perr.Status, "code", perr.Code, "error", perr.Message)
		httpx.WriteJSON(w, http.StatusInternalServerError, providerErrorResponse{Error: perr.Message, Code: perr.Code})
	case errors.Is(err, waitwhile.ErrNotConfigured):
		httpx.ServiceUnavailable(w, "queue provider not configured")
	case errors.As(err, &nerr):
		httpx.LogError(r, msg, "error", err)
		httpx.ServiceUnavailable(w, "queue provider unavailable")
	default:
		httpx.InternalServerError(w, r, err)
	}
}
