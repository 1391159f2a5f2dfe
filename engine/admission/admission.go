// Package admission implements the gateway's AdmissionLayer (C8): API-key
// auth, per-endpoint per-source-address rate limiting, request body size
// bounds, and the CORS origin allow-list — everything that runs before a
// request reaches the pipeline.
package admission

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/kinic-gateway/memory-agent/engine/domain"
	"github.com/kinic-gateway/memory-agent/pkg/resilience"
)

// RatePerMinute describes a token-bucket policy expressed the way operators
// configure it: N requests per minute. A policy of 0 means unlimited.
type RatePerMinute float64

// DefaultPolicies are the per-endpoint limits of spec §4.8, keyed by the
// logical endpoint name (not the HTTP path).
var DefaultPolicies = map[string]RatePerMinute{
	"insert":  20,
	"search":  30,
	"chat":    10,
	"refresh": 5,
}

// Layer is the admission gate shared across all requests. Rate limiter
// state is sharded by endpoint and then by source address, each shard
// guarded by its own lock, matching §5's "no global lock" requirement.
type Layer struct {
	apiKey   string
	origins  map[string]bool
	wildcard bool
	policies map[string]RatePerMinute

	mu     sync.Mutex
	shards map[string]map[string]*resilience.Limiter
}

// New builds an admission Layer. An empty apiKey disables authentication.
// A nil or empty rateLimits overrides falls back to DefaultPolicies for any
// endpoint not present in the override map.
func New(apiKey string, allowedOrigins []string, rateLimits map[string]RatePerMinute) *Layer {
	origins := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		origins[o] = true
	}

	policies := make(map[string]RatePerMinute, len(DefaultPolicies))
	for k, v := range DefaultPolicies {
		policies[k] = v
	}
	for k, v := range rateLimits {
		policies[k] = v
	}

	return &Layer{
		apiKey:   apiKey,
		origins:  origins,
		wildcard: wildcard,
		policies: policies,
		shards:   make(map[string]map[string]*resilience.Limiter),
	}
}

// Authenticate checks the X-API-Key header against the configured key. When
// no key is configured the layer is open and every request passes.
func (l *Layer) Authenticate(r *http.Request) error {
	if l.apiKey == "" {
		return nil
	}
	if r.Header.Get("X-API-Key") != l.apiKey {
		return domain.NewError(domain.KindUnauthorized, "missing or invalid API key")
	}
	return nil
}

// AllowOrigin reports whether origin (the request's Origin header, which may
// be empty for non-browser clients) may receive CORS headers.
func (l *Layer) AllowOrigin(origin string) bool {
	if l.wildcard {
		return true
	}
	return origin != "" && l.origins[origin]
}

// Allow checks the token bucket for (endpoint, sourceAddr), creating the
// shard lazily on first use. Endpoints with no configured policy (or a
// policy of 0) are unlimited.
func (l *Layer) Allow(endpoint, sourceAddr string) error {
	rate, ok := l.policies[endpoint]
	if !ok || rate <= 0 {
		return nil
	}

	limiter := l.limiterFor(endpoint, sourceAddr, rate)
	if !limiter.Allow() {
		return domain.NewError(domain.KindRateLimited, "rate limit exceeded for "+endpoint)
	}
	return nil
}

func (l *Layer) limiterFor(endpoint, sourceAddr string, rate RatePerMinute) *resilience.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	shard, ok := l.shards[endpoint]
	if !ok {
		shard = make(map[string]*resilience.Limiter)
		l.shards[endpoint] = shard
	}
	lim, ok := shard[sourceAddr]
	if !ok {
		lim = resilience.NewLimiter(resilience.LimiterOpts{
			Rate:  float64(rate) / 60,
			Burst: burstFor(rate),
		})
		shard[sourceAddr] = lim
	}
	return lim
}

// burstFor sizes a shard's bucket from its own policy rate so a full
// minute's quota can be consumed immediately (spec §8 scenario S4: 10 calls
// to a 10/minute endpoint in quick succession must all succeed before the
// 11th is rejected), rather than truncating every endpoint to a fixed burst.
func burstFor(rate RatePerMinute) int {
	burst := int(rate)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// ReadBody enforces the 128 KiB request body cap before any deserialization
// is attempted, per spec §4.8.
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, domain.MaxRequestBodyBytes+1))
	if err != nil {
		return nil, domain.Wrap(domain.KindBadRequest, "failed to read request body", err)
	}
	if len(body) > domain.MaxRequestBodyBytes {
		return nil, domain.NewError(domain.KindPayloadTooLarge, "request body exceeds 128 KiB")
	}
	return body, nil
}

// SourceAddr extracts the client address used to shard rate limiter state,
// preferring X-Forwarded-For's first hop when present (the gateway usually
// sits behind a reverse proxy) and falling back to RemoteAddr.
func SourceAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
