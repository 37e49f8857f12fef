// edge.go -- The chokepoint every inbound request passes through.
//
// Static assets pass untouched. Pages get security headers. API paths are
// rate limited per client IP and path class, then get rate-limit and security
// headers. Any failure inside classification or limiting lets the request
// through and logs the error.
package guard

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/chiroport/internal/httpx"
	"github.com/MGallo-Code/chiroport/internal/metrics"
	"github.com/MGallo-Code/chiroport/internal/ratelimit"
)

// PathClass is the coarse endpoint class used for rule selection and bucket keys.
type PathClass string

const (
	ClassStatic PathClass = "static"
	ClassSubmit PathClass = "submit"
	ClassHealth PathClass = "health"
	ClassAPI    PathClass = "api"
	ClassPage   PathClass = "page"
)

const (
	apiPrefix  = "/api/"
	submitPath = "/api/waitwhile/submit"
	healthPath = "/api/health"
)

var staticPrefixes = []string{"/_next/", "/static/", "/images/", "/fonts/"}

var staticFiles = map[string]bool{
	"/favicon.ico": true,
	"/robots.txt":  true,
	"/sitemap.xml": true,
}

var staticExts = map[string]bool{
	".js": true, ".css": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".ico": true, ".webp": true, ".avif": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true,
}

// ClassifyPath maps a request path to its class. API paths win over
// extension matching, so /api/x.json is still rate limited.
func ClassifyPath(p string) PathClass {
	switch {
	case p == submitPath || strings.HasPrefix(p, submitPath+"/"):
		return ClassSubmit
	case p == healthPath:
		return ClassHealth
	case p == "/api" || strings.HasPrefix(p, apiPrefix):
		return ClassAPI
	case staticFiles[p]:
		return ClassStatic
	}
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return ClassStatic
		}
	}
	if staticExts[strings.ToLower(path.Ext(p))] {
		return ClassStatic
	}
	return ClassPage
}

// Limit is a max-requests-per-window pair.
type Limit struct {
	Max    int
	Window time.Duration
}

// RuleSet holds the per-class limits.
type RuleSet struct {
	Submit Limit
	Health Limit
	API    Limit
}

// DefaultRuleSet is 5 submissions per 5 minutes, 60 health checks per minute
// and 100 other API calls per minute.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Submit: Limit{Max: 5, Window: 5 * time.Minute},
		Health: Limit{Max: 60, Window: time.Minute},
		API:    Limit{Max: 100, Window: time.Minute},
	}
}

// RulesFor returns the rules for a class and client IP. Static and page
// classes have none. Bucket keys are ip:<ip>:<class>; "unknown" is one shared
// bucket for every unattributable client.
func (rs RuleSet) RulesFor(class PathClass, ip string) []ratelimit.Rule {
	var l Limit
	switch class {
	case ClassSubmit:
		l = rs.Submit
	case ClassHealth:
		l = rs.Health
	case ClassAPI:
		l = rs.API
	default:
		return nil
	}
	return []ratelimit.Rule{{
		BucketKey: "ip:" + ip + ":" + string(class),
		Limit:     l.Max,
		Window:    l.Window,
	}}
}

// Evaluator is the rate-limit decision source; satisfied by *ratelimit.Limiter.
type Evaluator interface {
	Evaluate(ctx context.Context, rules ...ratelimit.Rule) ratelimit.Result
}

// Edge applies classification, rate limiting and security headers.
type Edge struct {
	limiter Evaluator
	rules   RuleSet
	headers map[string]string
}

// NewEdge precomputes the security header set once; it never varies per request.
func NewEdge(limiter Evaluator, rules RuleSet, extraOrigins ...string) *Edge {
	return &Edge{
		limiter: limiter,
		rules:   rules,
		headers: SecurityHeaders(extraOrigins...),
	}
}

// rateLimitBody is the 429 JSON shape.
type rateLimitBody struct {
	Error rateLimitError `json:"error"`
}

type rateLimitError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// Middleware wraps next with the edge pipeline.
func (e *Edge) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := e.classify(r)
		if class == ClassStatic {
			next.ServeHTTP(w, r)
			return
		}

		applyHeaders(w.Header(), e.headers)
		if class == ClassPage {
			next.ServeHTTP(w, r)
			return
		}

		res, err := e.limit(r, class)
		if err != nil {
			httpx.LogError(r, "rate limiting failed, allowing request", "class", class, "error", err)
			metrics.RateLimitDecisions.WithLabelValues(string(class), "error").Inc()
			next.ServeHTTP(w, r)
			return
		}
		if len(res.Decisions) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		agg := res.Aggregate
		setRateLimitHeaders(w.Header(), agg)

		if !agg.Allowed {
			metrics.RateLimitDecisions.WithLabelValues(string(class), "denied").Inc()
			httpx.LogInfo(r, "rate limit exceeded",
				"class", class,
				"bucket", agg.Rule.BucketKey,
				"count", agg.Count,
				"retry_after", agg.RetryAfterSeconds,
			)
			w.Header().Set("Retry-After", strconv.Itoa(agg.RetryAfterSeconds))
			httpx.WriteJSON(w, http.StatusTooManyRequests, rateLimitBody{Error: rateLimitError{
				Code:       "rate_limited",
				Message:    "Too many requests. Please try again later.",
				RetryAfter: agg.RetryAfterSeconds,
			}})
			return
		}

		outcome := "allowed"
		if res.Degraded {
			outcome = "degraded"
		}
		metrics.RateLimitDecisions.WithLabelValues(string(class), outcome).Inc()
		next.ServeHTTP(w, r)
	})
}

// classify treats a panicking classification as a page request.
func (e *Edge) classify(r *http.Request) (class PathClass) {
	defer func() {
		if p := recover(); p != nil {
			httpx.LogError(r, "path classification panicked", "panic", p)
			class = ClassPage
		}
	}()
	return ClassifyPath(r.URL.Path)
}

// limit evaluates the class rules, converting a panic into an error.
func (e *Edge) limit(r *http.Request, class PathClass) (res ratelimit.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rate limiter panicked: %v", p)
		}
	}()
	if e.limiter == nil {
		return ratelimit.Result{}, nil
	}
	rules := e.rules.RulesFor(class, httpx.ClientIP(r))
	return e.limiter.Evaluate(r.Context(), rules...), nil
}

// setRateLimitHeaders writes X-RateLimit-*; Reset is ISO-8601 UTC.
func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Rule.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(time.RFC3339))
}
