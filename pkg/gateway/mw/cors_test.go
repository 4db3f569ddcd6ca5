package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_DisabledByDefault_NoHeaders(t *testing.T) {
	h := CORS(nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS headers, got Access-Control-Allow-Origin=%q", got)
	}
}

func TestCORS_AllowlistedOrigin_AttachesHeaders(t *testing.T) {
	h := CORS(map[string]struct{}{"http://localhost:3000": {}}, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
	if got := rr.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("Vary=%q", got)
	}
	if got := rr.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-ID" {
		t.Fatalf("Access-Control-Expose-Headers=%q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	allowed := map[string]struct{}{"https://app.example.com": {}}
	h := CORS(allowed, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called for preflight")
	}))

	for _, tc := range []struct {
		origin string
		want   int
	}{
		{"https://app.example.com", http.StatusNoContent},
		{"https://evil.example.com", http.StatusForbidden},
		{"", http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodOptions, "/v1/live", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		req.Header.Set("Access-Control-Request-Method", "GET")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != tc.want {
			t.Fatalf("origin=%q status=%d want %d", tc.origin, rr.Code, tc.want)
		}
		if tc.want == http.StatusNoContent && rr.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Fatal("expected allow-methods header")
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	allowed := map[string]struct{}{"https://app.example.com": {}}

	if !OriginAllowed(nil, req("https://anything.example")) {
		t.Fatal("empty allowlist should allow every origin")
	}
	if !OriginAllowed(allowed, req("")) {
		t.Fatal("missing origin should be allowed")
	}
	if !OriginAllowed(allowed, req("https://app.example.com")) {
		t.Fatal("listed origin should be allowed")
	}
	if OriginAllowed(allowed, req("https://evil.example.com")) {
		t.Fatal("unlisted origin should be rejected")
	}
}
