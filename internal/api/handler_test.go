// handler_test.go

// unit tests for the /api route handlers.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/chiroport/internal/guard"
	"github.com/MGallo-Code/chiroport/internal/httpx"
	"github.com/MGallo-Code/chiroport/internal/identity"
	"github.com/MGallo-Code/chiroport/internal/intake"
	"github.com/MGallo-Code/chiroport/internal/store"
	"github.com/MGallo-Code/chiroport/internal/testutil"
	"github.com/MGallo-Code/chiroport/internal/waitwhile"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

// --- Helper Functions ---

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	g, err := guard.NewCSRFGuard(testSecret, guard.CSRFOptions{Enforce: true})
	if err != nil {
		t.Fatalf("NewCSRFGuard: %v", err)
	}
	return &Handler{
		CSRF:     g,
		Queue:    testutil.NewMockQueue(),
		Counters: &testutil.MockHealthChecker{},
		Started:  time.Now().Add(-time.Minute),
	}
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodNotAllowed(httpx.MethodNotAllowed)
	h.Routes(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return body
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status: expected %d, got %d (body %s)", want, w.Code, w.Body.String())
	}
}

// csrfPair fetches a token and its cookie through the real endpoint.
func csrfPair(t *testing.T, h *Handler) (string, *http.Cookie) {
	t.Helper()
	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	assertStatus(t, w, http.StatusOK)
	body := decode(t, w)
	token, _ := body["token"].(string)
	for _, c := range w.Result().Cookies() {
		if c.Name == guard.CSRFCookieName {
			return token, c
		}
	}
	t.Fatal("no csrf cookie set")
	return "", nil
}

// --- IssueCSRFToken ---

func TestIssueCSRFToken(t *testing.T) {
	t.Run("returns token and sets hashed cookie", func(t *testing.T) {
		h := newTestHandler(t)
		w := serve(h, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
		assertStatus(t, w, http.StatusOK)

		body := decode(t, w)
		if body["success"] != true {
			t.Errorf("success: expected true, got %v", body["success"])
		}
		token, _ := body["token"].(string)
		if token == "" {
			t.Fatal("expected non-empty token")
		}

		var cookie *http.Cookie
		for _, c := range w.Result().Cookies() {
			if c.Name == guard.CSRFCookieName {
				cookie = c
			}
		}
		if cookie == nil {
			t.Fatal("expected csrf-token cookie")
		}
		if cookie.Value != h.CSRF.Hash(token) {
			t.Error("cookie value should be the token's hash")
		}
		if !cookie.HttpOnly || cookie.SameSite != http.SameSiteStrictMode || cookie.Path != "/" {
			t.Errorf("cookie attributes: HttpOnly=%v SameSite=%v Path=%q", cookie.HttpOnly, cookie.SameSite, cookie.Path)
		}
	})

	t.Run("non-GET is 405 JSON", func(t *testing.T) {
		h := newTestHandler(t)
		w := serve(h, httptest.NewRequest(http.MethodPost, "/api/csrf-token", nil))
		assertStatus(t, w, http.StatusMethodNotAllowed)
		if body := decode(t, w); body["error"] != "method not allowed" {
			t.Errorf("error: got %v", body["error"])
		}
	})
}

// --- CheckHealth ---

func TestCheckHealth(t *testing.T) {
	get := func(secret string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		if secret != "" {
			req.Header.Set("x-health-secret", secret)
		}
		return req
	}

	t.Run("open in development without a secret", func(t *testing.T) {
		h := newTestHandler(t)
		w := serve(h, get(""))
		assertStatus(t, w, http.StatusOK)

		body := decode(t, w)
		if body["status"] != "ok" {
			t.Errorf("status: expected ok, got %v", body["status"])
		}
		if up, _ := body["uptime_seconds"].(float64); up < 59 {
			t.Errorf("uptime_seconds: expected >= 59, got %v", body["uptime_seconds"])
		}
		services, _ := body["services"].(map[string]any)
		if services["waitwhile"] != true || services["metabase"] != false {
			t.Errorf("services: got %v", services)
		}
		checks, _ := body["checks"].(map[string]any)
		if checks["counter_store"] != "ok" || checks["database"] != "not_configured" {
			t.Errorf("checks: got %v", checks)
		}
		if _, ok := body["memory"].(map[string]any); !ok {
			t.Error("expected memory object")
		}
	})

	t.Run("404 in production without a secret", func(t *testing.T) {
		h := newTestHandler(t)
		h.Production = true
		assertStatus(t, serve(h, get("anything")), http.StatusNotFound)
	})

	t.Run("401 on missing or wrong secret", func(t *testing.T) {
		h := newTestHandler(t)
		h.HealthSecret = "s3cret"
		assertStatus(t, serve(h, get("")), http.StatusUnauthorized)
		assertStatus(t, serve(h, get("wrong")), http.StatusUnauthorized)
	})

	t.Run("200 on matching secret", func(t *testing.T) {
		h := newTestHandler(t)
		h.HealthSecret = "s3cret"
		h.Production = true
		assertStatus(t, serve(h, get("s3cret")), http.StatusOK)
	})

	t.Run("local counter store reports disabled", func(t *testing.T) {
		h := newTestHandler(t)
		h.Counters = &testutil.MockHealthChecker{CheckHealthErr: store.ErrCacheDisabled}
		w := serve(h, get(""))
		assertStatus(t, w, http.StatusOK)
		checks, _ := decode(t, w)["checks"].(map[string]any)
		if checks["counter_store"] != "disabled" {
			t.Errorf("counter_store: expected disabled, got %v", checks["counter_store"])
		}
	})

	t.Run("503 when a dependency fails", func(t *testing.T) {
		h := newTestHandler(t)
		h.Database = &testutil.MockHealthChecker{CheckHealthErr: errors.New("connection refused")}
		w := serve(h, get(""))
		assertStatus(t, w, http.StatusServiceUnavailable)
		body := decode(t, w)
		if body["status"] != "degraded" {
			t.Errorf("status: expected degraded, got %v", body["status"])
		}
	})
}

// --- GetVisit ---

func TestGetVisit(t *testing.T) {
	pos := 3
	visit := &waitwhile.Visit{ID: "v-1", LocationID: "loc-1", Status: "WAITING", Position: &pos}

	t.Run("returns the visit", func(t *testing.T) {
		h := newTestHandler(t)
		h.Queue = testutil.NewMockQueue(visit)
		w := serve(h, httptest.NewRequest(http.MethodGet, "/api/waitwhile/visit/v-1", nil))
		assertStatus(t, w, http.StatusOK)
		body := decode(t, w)
		if body["id"] != "v-1" || body["status"] != "WAITING" || body["position"] != float64(3) {
			t.Errorf("body: got %v", body)
		}
	})

	t.Run("404 when provider has no such visit", func(t *testing.T) {
		h := newTestHandler(t)
		w := serve(h, httptest.NewRequest(http.MethodGet, "/api/waitwhile/visit/missing", nil))
		assertStatus(t, w, http.StatusNotFound)
		if body := decode(t, w); body["error"] != "Visit not found" {
			t.Errorf("error: got %v", body["error"])
		}
	})

	t.Run("400 when visitId is missing", func(t *testing.T) {
		h := newTestHandler(t)
		assertStatus(t, serve(h, httptest.NewRequest(http.MethodGet, "/api/waitwhile/visit/", nil)), http.StatusBadRequest)
		assertStatus(t, serve(h, httptest.NewRequest(http.MethodGet, "/api/waitwhile/visit", nil)), http.StatusBadRequest)
	})

	t.Run("500 carries provider code and message", func(t *testing.T) {
		h := newTestHandler(t)
		h.Queue = &testutil.MockQueue{GetVisitErr: &waitwhile.ProviderError{Status: 502, Code: "upstream", Message: "bad gateway"}}
		w := serve(h, httptest.NewRequest(http.MethodGet, "/api/waitwhile/visit/v-1", nil))
		assertStatus(t, w, http.StatusInternalServerError)
		body := decode(t, w)
		if body["error"] != "bad gateway" || body["code"] != "upstream" {
			t.Errorf("body: got %v", body)
		}
	})

	t.Run("503 when provider is unreachable", func(t *testing.T) {
		h := newTestHandler(t)
		h.Queue = &testutil.MockQueue{GetVisitErr: &url.Error{Op: "Get", URL: "https://x", Err: context.DeadlineExceeded}}
		assertStatus(t, serve(h, httptest.NewRequest(http.MethodGet, "/api/waitwhile/visit/v-1", nil)), http.StatusServiceUnavailable)
	})

	t.Run("503 when provider is not configured", func(t *testing.T) {
		h := newTestHandler(t)
		h.Queue = nil
		assertStatus(t, serve(h, httptest.NewRequest(http.MethodGet, "/api/waitwhile/visit/v-1", nil)), http.StatusServiceUnavailable)
	})
}

// --- Submit ---

const validIntake = `{
	"locationId": "loc-1",
	"name": "Jane Doe",
	"phone": "(555) 123-4567",
	"email": "jane@example.com",
	"birthday": "01/02/1990",
	"discomfort": ["Neck"],
	"consent": true
}`

func submitRequest(body, token string, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/waitwhile/submit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(guard.CSRFHeaderName, token)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func TestSubmit(t *testing.T) {
	t.Run("queues a valid intake", func(t *testing.T) {
		h := newTestHandler(t)
		queue := testutil.NewMockQueue()
		h.Queue = queue
		token, cookie := csrfPair(t, h)

		w := serve(h, submitRequest(validIntake, token, cookie))
		assertStatus(t, w, http.StatusCreated)
		body := decode(t, w)
		if body["queueEntryId"] != "visit-1" || body["queueId"] != "loc-1" {
			t.Errorf("body: got %v", body)
		}
		if queue.SubmitCount() != 1 {
			t.Errorf("submits: expected 1, got %d", queue.SubmitCount())
		}
		if got := queue.Submitted[0].Discomfort; len(got) != 1 || got[0] != "Neck" {
			t.Errorf("discomfort forwarded: got %v", got)
		}
	})

	t.Run("403 without csrf pair when enforced", func(t *testing.T) {
		h := newTestHandler(t)
		queue := testutil.NewMockQueue()
		h.Queue = queue

		w := serve(h, submitRequest(validIntake, "", nil))
		assertStatus(t, w, http.StatusForbidden)
		if queue.SubmitCount() != 0 {
			t.Error("provider should not be called")
		}
	})

	t.Run("400 with field errors on invalid payload", func(t *testing.T) {
		h := newTestHandler(t)
		queue := testutil.NewMockQueue()
		h.Queue = queue
		token, cookie := csrfPair(t, h)

		bad := strings.Replace(validIntake, `"consent": true`, `"consent": false`, 1)
		bad = strings.Replace(bad, `"jane@example.com"`, `"not-an-email"`, 1)
		w := serve(h, submitRequest(bad, token, cookie))
		assertStatus(t, w, http.StatusBadRequest)

		body := decode(t, w)
		fields, _ := body["fields"].(map[string]any)
		if _, ok := fields["consent"]; !ok {
			t.Errorf("expected consent field error, got %v", fields)
		}
		if _, ok := fields["email"]; !ok {
			t.Errorf("expected email field error, got %v", fields)
		}
		if queue.SubmitCount() != 0 {
			t.Error("provider should not be called")
		}
	})

	t.Run("400 on malformed JSON", func(t *testing.T) {
		h := newTestHandler(t)
		token, cookie := csrfPair(t, h)
		assertStatus(t, serve(h, submitRequest("{", token, cookie)), http.StatusBadRequest)
	})

	t.Run("existing visit is returned as already in queue", func(t *testing.T) {
		h := newTestHandler(t)
		queue := testutil.NewMockQueue()
		queue.Result = &intake.SubmitResult{QueueEntryID: "old", AlreadyInQueue: true}
		h.Queue = queue
		token, cookie := csrfPair(t, h)

		w := serve(h, submitRequest(validIntake, token, cookie))
		assertStatus(t, w, http.StatusCreated)
		if body := decode(t, w); body["alreadyInQueue"] != true {
			t.Errorf("alreadyInQueue: got %v", body["alreadyInQueue"])
		}
	})

	t.Run("provider rejection is 500 with code", func(t *testing.T) {
		h := newTestHandler(t)
		h.Queue = &testutil.MockQueue{SubmitErr: &waitwhile.ProviderError{Status: 422, Code: "invalid_phone", Message: "phone rejected"}}
		token, cookie := csrfPair(t, h)

		w := serve(h, submitRequest(validIntake, token, cookie))
		assertStatus(t, w, http.StatusInternalServerError)
		if body := decode(t, w); body["code"] != "invalid_phone" {
			t.Errorf("code: got %v", body["code"])
		}
	})

	t.Run("unexpected error is a generic 500", func(t *testing.T) {
		h := newTestHandler(t)
		h.Queue = &testutil.MockQueue{SubmitErr: errors.New("boom")}
		token, cookie := csrfPair(t, h)

		w := serve(h, submitRequest(validIntake, token, cookie))
		assertStatus(t, w, http.StatusInternalServerError)
		if body := decode(t, w); body["error"] != "internal server error" {
			t.Errorf("error: got %v", body["error"])
		}
	})

	t.Run("503 when provider is not configured", func(t *testing.T) {
		h := newTestHandler(t)
		h.Queue = nil
		token, cookie := csrfPair(t, h)
		assertStatus(t, serve(h, submitRequest(validIntake, token, cookie)), http.StatusServiceUnavailable)
	})

	t.Run("captcha gates the provider call", func(t *testing.T) {
		h := newTestHandler(t)
		queue := testutil.NewMockQueue()
		h.Queue = queue
		h.Captcha = &testutil.MockCaptcha{Tokens: map[string]bool{"human": true}}
		token, cookie := csrfPair(t, h)

		assertStatus(t, serve(h, submitRequest(validIntake, token, cookie)), http.StatusForbidden)

		req := submitRequest(validIntake, token, cookie)
		req.Header.Set(CaptchaHeader, "robot")
		assertStatus(t, serve(h, req), http.StatusForbidden)

		if queue.SubmitCount() != 0 {
			t.Fatal("provider should not be called before captcha passes")
		}

		req = submitRequest(validIntake, token, cookie)
		req.Header.Set(CaptchaHeader, "human")
		assertStatus(t, serve(h, req), http.StatusCreated)
	})

	t.Run("503 when captcha verifier is unreachable", func(t *testing.T) {
		h := newTestHandler(t)
		h.Captcha = &testutil.MockCaptcha{VerifyErr: errors.New("turnstile: request failed")}
		token, cookie := csrfPair(t, h)

		req := submitRequest(validIntake, token, cookie)
		req.Header.Set(CaptchaHeader, "human")
		assertStatus(t, serve(h, req), http.StatusServiceUnavailable)
	})
}

// --- MetabaseEmbed ---

func TestMetabaseEmbed(t *testing.T) {
	admin := uuid.Must(uuid.NewV4())
	staff := uuid.Must(uuid.NewV4())
	stranger := uuid.Must(uuid.NewV4())
	exp := time.Date(2025, time.March, 3, 9, 10, 0, 0, time.UTC)

	setup := func(t *testing.T) *Handler {
		h := newTestHandler(t)
		h.Identity = &testutil.MockIdentity{Tokens: map[string]uuid.UUID{
			"admin-token":    admin,
			"staff-token":    staff,
			"stranger-token": stranger,
		}}
		h.Profiles = &testutil.MockProfileStore{Roles: map[uuid.UUID]string{
			admin: "admin",
			staff: "staff",
		}}
		h.Embed = &testutil.MockEmbed{URL: "https://mb.example/embed/dashboard/jwt#bordered=true&titled=true", ExpiresAt: exp}
		return h
	}

	get := func(auth string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/analytics/metabase", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return req
	}

	t.Run("admin receives a signed url", func(t *testing.T) {
		w := serve(setup(t), get("Bearer admin-token"))
		assertStatus(t, w, http.StatusOK)
		body := decode(t, w)
		if !strings.HasPrefix(body["url"].(string), "https://mb.example/embed/dashboard/") {
			t.Errorf("url: got %v", body["url"])
		}
		if body["expiresAt"] != exp.Format(time.RFC3339) {
			t.Errorf("expiresAt: got %v", body["expiresAt"])
		}
	})

	t.Run("401 without bearer", func(t *testing.T) {
		assertStatus(t, serve(setup(t), get("")), http.StatusUnauthorized)
		assertStatus(t, serve(setup(t), get("Basic abc")), http.StatusUnauthorized)
	})

	t.Run("401 on invalid token", func(t *testing.T) {
		assertStatus(t, serve(setup(t), get("Bearer forged")), http.StatusUnauthorized)
	})

	t.Run("403 for non-admin", func(t *testing.T) {
		assertStatus(t, serve(setup(t), get("Bearer staff-token")), http.StatusForbidden)
	})

	t.Run("403 without a profile", func(t *testing.T) {
		assertStatus(t, serve(setup(t), get("Bearer stranger-token")), http.StatusForbidden)
	})

	t.Run("503 when identity provider fails", func(t *testing.T) {
		h := setup(t)
		h.Identity = &testutil.MockIdentity{VerifyErr: fmt.Errorf("%w: dial tcp: refused", identity.ErrUnavailable)}
		assertStatus(t, serve(h, get("Bearer admin-token")), http.StatusServiceUnavailable)
	})

	t.Run("500 when profile lookup fails", func(t *testing.T) {
		h := setup(t)
		h.Profiles = &testutil.MockProfileStore{GetProfileRoleErr: errors.New("pool closed")}
		assertStatus(t, serve(h, get("Bearer admin-token")), http.StatusInternalServerError)
	})

	t.Run("503 when not configured", func(t *testing.T) {
		h := setup(t)
		h.Embed = nil
		assertStatus(t, serve(h, get("Bearer admin-token")), http.StatusServiceUnavailable)
	})

	t.Run("identity errors wrapping ErrInvalidToken are 401", func(t *testing.T) {
		h := setup(t)
		h.Identity = &testutil.MockIdentity{VerifyErr: identity.ErrInvalidToken}
		assertStatus(t, serve(h, get("Bearer admin-token")), http.StatusUnauthorized)
	})
}
