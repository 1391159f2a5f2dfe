package admission

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kinic-gateway/memory-agent/engine/domain"
)

func TestAuthenticateOpenWhenNoAPIKey(t *testing.T) {
	l := New("", nil, nil)
	r := httptest.NewRequest("POST", "/insert", nil)
	if err := l.Authenticate(r); err != nil {
		t.Fatalf("expected open admission, got %v", err)
	}
}

func TestAuthenticateRejectsMissingKey(t *testing.T) {
	l := New("secret", nil, nil)
	r := httptest.NewRequest("POST", "/insert", nil)

	err := l.Authenticate(r)
	var e *domain.Error
	if !errors.As(err, &e) || e.Kind != domain.KindUnauthorized {
		t.Fatalf("expected KindUnauthorized, got %v", err)
	}
}

func TestAuthenticateRejectsWrongKey(t *testing.T) {
	l := New("secret", nil, nil)
	r := httptest.NewRequest("POST", "/insert", nil)
	r.Header.Set("X-API-Key", "wrong")

	err := l.Authenticate(r)
	var e *domain.Error
	if !errors.As(err, &e) || e.Kind != domain.KindUnauthorized {
		t.Fatalf("expected KindUnauthorized, got %v", err)
	}
}

func TestAuthenticateAcceptsCorrectKey(t *testing.T) {
	l := New("secret", nil, nil)
	r := httptest.NewRequest("POST", "/insert", nil)
	r.Header.Set("X-API-Key", "secret")

	if err := l.Authenticate(r); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAllowOriginWildcard(t *testing.T) {
	l := New("", []string{"*"}, nil)
	if !l.AllowOrigin("https://anything.example") {
		t.Fatal("expected wildcard to allow any origin")
	}
}

func TestAllowOriginExactMatch(t *testing.T) {
	l := New("", []string{"https://example.com"}, nil)
	if !l.AllowOrigin("https://example.com") {
		t.Fatal("expected exact match to be allowed")
	}
	if l.AllowOrigin("http://example.com") {
		t.Fatal("expected scheme-sensitive rejection of http variant")
	}
	if l.AllowOrigin("https://evil.example") {
		t.Fatal("expected unlisted origin to be rejected")
	}
}

func TestAllowRateLimitsPerEndpointAndAddress(t *testing.T) {
	l := New("", nil, map[string]RatePerMinute{"insert": 2})

	for i := 0; i < 2; i++ {
		if err := l.Allow("insert", "1.2.3.4"); err != nil {
			t.Fatalf("unexpected rate limit on attempt %d: %v", i, err)
		}
	}
	err := l.Allow("insert", "1.2.3.4")
	var e *domain.Error
	if !errors.As(err, &e) || e.Kind != domain.KindRateLimited {
		t.Fatalf("expected KindRateLimited on exhaustion, got %v", err)
	}

	// A distinct source address gets its own bucket.
	if err := l.Allow("insert", "5.6.7.8"); err != nil {
		t.Fatalf("expected separate shard for different address, got %v", err)
	}
}

func TestAllowBurstMatchesPerMinuteRate(t *testing.T) {
	l := New("", nil, nil) // default policies: chat 10/minute

	for i := 0; i < 10; i++ {
		if err := l.Allow("chat", "1.2.3.4"); err != nil {
			t.Fatalf("expected call %d of 10 to succeed within the per-minute quota, got %v", i+1, err)
		}
	}
	err := l.Allow("chat", "1.2.3.4")
	var e *domain.Error
	if !errors.As(err, &e) || e.Kind != domain.KindRateLimited {
		t.Fatalf("expected the 11th call to be rate limited, got %v", err)
	}
}

func TestAllowUnlimitedForUnknownEndpoint(t *testing.T) {
	l := New("", nil, nil)
	for i := 0; i < 100; i++ {
		if err := l.Allow("unlisted-endpoint", "1.2.3.4"); err != nil {
			t.Fatalf("expected unlimited endpoint to never rate limit, got %v at %d", err, i)
		}
	}
}

func TestReadBodyRejectsOversized(t *testing.T) {
	big := strings.Repeat("a", domain.MaxRequestBodyBytes+10)
	r := httptest.NewRequest("POST", "/insert", strings.NewReader(big))

	_, err := ReadBody(r)
	var e *domain.Error
	if !errors.As(err, &e) || e.Kind != domain.KindPayloadTooLarge {
		t.Fatalf("expected KindPayloadTooLarge, got %v", err)
	}
}

func TestReadBodyAcceptsWithinBound(t *testing.T) {
	body := strings.Repeat("a", 100)
	r := httptest.NewRequest("POST", "/insert", strings.NewReader(body))

	got, err := ReadBody(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != body {
		t.Errorf("body mismatch, got %d bytes, want %d", len(got), len(body))
	}
}

func TestSourceAddrPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:54321"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	if got := SourceAddr(r); got != "203.0.113.5" {
		t.Errorf("SourceAddr() = %q, want %q", got, "203.0.113.5")
	}
}

func TestSourceAddrFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:54321"

	if got := SourceAddr(r); got != "10.0.0.1" {
		t.Errorf("SourceAddr() = %q, want %q", got, "10.0.0.1")
	}
}

func TestSourceAddrRawWhenUnsplittable(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "not-a-host-port"

	if got := SourceAddr(r); got != "not-a-host-port" {
		t.Errorf("SourceAddr() = %q, want raw RemoteAddr", got)
	}
}
