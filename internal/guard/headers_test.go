package guard

import (
	"strings"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	t.Run("always includes the baseline set", func(t *testing.T) {
		h := SecurityHeaders()
		want := map[string]string{
			"X-Frame-Options":        "DENY",
			"X-Content-Type-Options": "nosniff",
			"Referrer-Policy":        "strict-origin-when-cross-origin",
		}
		for k, v := range want {
			if h[k] != v {
				t.Errorf("%s: expected %q, got %q", k, v, h[k])
			}
		}
		if !strings.HasPrefix(h["Content-Security-Policy"], "default-src 'self'; ") {
			t.Errorf("CSP: unexpected prefix %q", h["Content-Security-Policy"])
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		a := SecurityHeaders("https://metabase.example.com")
		b := SecurityHeaders("https://metabase.example.com")
		for k := range a {
			if a[k] != b[k] {
				t.Errorf("%s differs between calls", k)
			}
		}
	})
}

func TestContentSecurityPolicy(t *testing.T) {
	directive := func(csp, name string) string {
		for _, d := range strings.Split(csp, "; ") {
			if strings.HasPrefix(d, name+" ") {
				return d
			}
		}
		return ""
	}

	t.Run("extra origins land in img, connect and frame only", func(t *testing.T) {
		csp := ContentSecurityPolicy("https://metabase.example.com/")
		for _, name := range []string{"img-src", "connect-src", "frame-src"} {
			if !strings.Contains(directive(csp, name), "https://metabase.example.com") {
				t.Errorf("%s: missing extra origin", name)
			}
		}
		if strings.Contains(directive(csp, "script-src"), "metabase") {
			t.Error("script-src must not receive extra origins")
		}
		if strings.Contains(csp, "https://metabase.example.com/") {
			t.Error("trailing slash should be trimmed")
		}
	})

	t.Run("empty and duplicate origins skipped", func(t *testing.T) {
		csp := ContentSecurityPolicy("", " ", "'self'", "https://a.example", "https://a.example")
		if got := strings.Count(directive(csp, "connect-src"), "https://a.example"); got != 1 {
			t.Errorf("expected origin once, got %d", got)
		}
		if got := strings.Count(directive(csp, "frame-src"), "'self'"); got != 1 {
			t.Errorf("expected 'self' once, got %d", got)
		}
	})

	t.Run("frames are denied and objects blocked", func(t *testing.T) {
		csp := ContentSecurityPolicy()
		if directive(csp, "frame-ancestors") != "frame-ancestors 'none'" {
			t.Errorf("frame-ancestors: got %q", directive(csp, "frame-ancestors"))
		}
		if directive(csp, "object-src") != "object-src 'none'" {
			t.Errorf("object-src: got %q", directive(csp, "object-src"))
		}
	})
}
