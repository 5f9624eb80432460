package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractToken_QueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?token=abc123", nil)
	if got := extractToken(r); got != "abc123" {
		t.Errorf("extractToken() = %q, want abc123", got)
	}
}

func TestExtractToken_Cookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: cookieName, Value: "cookie-token"})
	if got := extractToken(r); got != "cookie-token" {
		t.Errorf("extractToken() = %q, want cookie-token", got)
	}
}

func TestExtractToken_AuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	if got := extractToken(r); got != "header-token" {
		t.Errorf("extractToken() = %q, want header-token", got)
	}
}

func TestExtractToken_PrefersQueryOverCookieOverHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?token=query-token", nil)
	r.AddCookie(&http.Cookie{Name: cookieName, Value: "cookie-token"})
	r.Header.Set("Authorization", "Bearer header-token")
	if got := extractToken(r); got != "query-token" {
		t.Errorf("extractToken() = %q, want query-token", got)
	}
}

func TestExtractToken_Missing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := extractToken(r); got != "" {
		t.Errorf("extractToken() = %q, want empty", got)
	}
}

func TestCheckOrigin_AllowsListedOrigin(t *testing.T) {
	h := &Handler{origins: map[string]bool{"https://chat.example.com": true}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://chat.example.com")
	if !h.checkOrigin(r) {
		t.Error("checkOrigin() = false, want true for allow-listed origin")
	}
}

func TestCheckOrigin_RejectsUnlistedOrigin(t *testing.T) {
	h := &Handler{origins: map[string]bool{"https://chat.example.com": true}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	if h.checkOrigin(r) {
		t.Error("checkOrigin() = true, want false for unlisted origin")
	}
}

func TestCheckOrigin_AllowsNoOriginHeader(t *testing.T) {
	h := &Handler{origins: map[string]bool{"https://chat.example.com": true}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if !h.checkOrigin(r) {
		t.Error("checkOrigin() = false, want true when no Origin header is present (non-browser client)")
	}
}
