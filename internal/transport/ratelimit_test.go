package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"
)

func TestRateLimiter_AllowsUpToBurst(t *testing.T) {
	rl := newRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !rl.allow("1.2.3.4") {
			t.Fatalf("request %d: allow() = false, want true within burst", i)
		}
	}
	if rl.allow("1.2.3.4") {
		t.Error("allow() = true, want false once burst is exhausted")
	}
}

func TestRateLimiter_PerIPIndependent(t *testing.T) {
	rl := newRateLimiter(rate.Limit(1), 1)
	if !rl.allow("1.1.1.1") {
		t.Fatal("first request from 1.1.1.1 should be allowed")
	}
	if !rl.allow("2.2.2.2") {
		t.Fatal("first request from a different IP should be allowed independently")
	}
}

func TestClientIP_PrefersXForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	r.RemoteAddr = "192.168.1.1:5000"
	if got := clientIP(r); got != "10.0.0.1" {
		t.Errorf("clientIP() = %q, want 10.0.0.1", got)
	}
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.168.1.1:5000"
	if got := clientIP(r); got != "192.168.1.1" {
		t.Errorf("clientIP() = %q, want 192.168.1.1", got)
	}
}
