package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestIPLimiter(t *testing.T) {
	t.Run("enforces the burst per ip", func(t *testing.T) {
		l := newIPLimiter(rate.Limit(0.001), 3, time.Hour)
		for i := 0; i < 3; i++ {
			if !l.allow("10.0.0.1") {
				t.Fatalf("attempt %d should be allowed", i)
			}
		}
		if l.allow("10.0.0.1") {
			t.Fatal("expected the burst to be exhausted")
		}
	})

	t.Run("ips are independent", func(t *testing.T) {
		l := newIPLimiter(rate.Limit(0.001), 1, time.Hour)
		if !l.allow("10.0.0.1") {
			t.Fatal("first ip should be allowed")
		}
		if !l.allow("10.0.0.2") {
			t.Fatal("second ip should be allowed")
		}
	})

	t.Run("idle entries are evicted", func(t *testing.T) {
		l := newIPLimiter(rate.Limit(0.001), 1, 10*time.Millisecond)
		l.allow("10.0.0.1")
		time.Sleep(20 * time.Millisecond)
		l.allow("10.0.0.2")
		l.mu.Lock()
		_, present := l.entries["10.0.0.1"]
		l.mu.Unlock()
		if present {
			t.Fatal("expected idle entry to be evicted")
		}
	})
}

func TestClientIP(t *testing.T) {
	t.Run("prefers x-real-ip", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sync", nil)
		r.Header.Set("X-Real-Ip", "203.0.113.9")
		if ip := clientIP(r); ip != "203.0.113.9" {
			t.Fatalf("unexpected ip: %s", ip)
		}
	})

	t.Run("falls back to the peer address", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sync", nil)
		r.RemoteAddr = "192.0.2.4:5123"
		if ip := clientIP(r); ip != "192.0.2.4" {
			t.Fatalf("unexpected ip: %s", ip)
		}
	})

	t.Run("unknown when nothing is available", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sync", nil)
		r.RemoteAddr = ""
		if ip := clientIP(r); ip != "unknown" {
			t.Fatalf("unexpected ip: %s", ip)
		}
	})
}
