// headers.go -- Security header policy applied to every non-static response.
package guard

import (
	"net/http"
	"slices"
	"strings"
)

// cspDirective is one Content-Security-Policy directive and its sources.
type cspDirective struct {
	name    string
	sources []string
	// extra marks directives that also receive the configured extra origins.
	extra bool
}

// baseCSP lists directives in emission order.
var baseCSP = []cspDirective{
	{name: "default-src", sources: []string{"'self'"}},
	{name: "script-src", sources: []string{
		"'self'", "'unsafe-inline'",
		"https://www.googletagmanager.com", "https://www.google-analytics.com",
	}},
	{name: "style-src", sources: []string{"'self'", "'unsafe-inline'", "https://fonts.googleapis.com"}},
	{name: "font-src", sources: []string{"'self'", "data:", "https://fonts.gstatic.com"}},
	{name: "img-src", sources: []string{
		"'self'", "data:", "blob:",
		"https://www.googletagmanager.com", "https://www.google-analytics.com",
	}, extra: true},
	{name: "connect-src", sources: []string{
		"'self'",
		"https://api.waitwhile.com",
		"https://www.google-analytics.com", "https://region1.google-analytics.com",
	}, extra: true},
	{name: "frame-src", sources: []string{"'self'"}, extra: true},
	{name: "frame-ancestors", sources: []string{"'none'"}},
	{name: "base-uri", sources: []string{"'self'"}},
	{name: "form-action", sources: []string{"'self'"}},
	{name: "object-src", sources: []string{"'none'"}},
}

// ContentSecurityPolicy renders the CSP with extraOrigins added to the
// img, connect and frame directives. Empty and duplicate origins are skipped.
func ContentSecurityPolicy(extraOrigins ...string) string {
	parts := make([]string, 0, len(baseCSP))
	for _, d := range baseCSP {
		sources := d.sources
		if d.extra {
			sources = appendOrigins(sources, extraOrigins)
		}
		parts = append(parts, d.name+" "+strings.Join(sources, " "))
	}
	return strings.Join(parts, "; ")
}

func appendOrigins(sources, extra []string) []string {
	out := append([]string(nil), sources...)
	for _, o := range extra {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" || slices.Contains(out, o) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// SecurityHeaders returns the header set for every page and API response.
// Pure and deterministic: the same origins always yield the same values.
func SecurityHeaders(extraOrigins ...string) map[string]string {
	return map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
		"Content-Security-Policy": ContentSecurityPolicy(extraOrigins...),
	}
}

// applyHeaders copies a precomputed header set onto h.
func applyHeaders(h http.Header, headers map[string]string) {
	for k, v := range headers {
		h.Set(k, v)
	}
}
