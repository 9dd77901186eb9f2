package api

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Auth guards the HTTP API with an optional IP allowlist, an API key and a
// per-IP limit on failed key attempts.
type Auth struct {
	key     string
	allowed []netip.Prefix

	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAuth parses allowlist entries, each a single IP or a CIDR. An empty key
// disables the key check; an empty allowlist admits every address. At most
// attempts failures per window are tolerated from one address.
func NewAuth(key string, allowlist []string, attempts int, window time.Duration) (*Auth, error) {
	a := &Auth{
		key:      key,
		limit:    rate.Every(window / time.Duration(max(attempts, 1))),
		burst:    max(attempts, 1),
		visitors: make(map[string]*visitor),
	}

	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("allowed_ips: %w", err)
			}
			a.allowed = append(a.allowed, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("allowed_ips: %w", err)
		}
		addr = addr.Unmap()
		a.allowed = append(a.allowed, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return a, nil
}

// Middleware rejects throttled clients with 429, addresses outside the
// allowlist with 403 and a missing or wrong key with 401.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if a.throttled(ip) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		if !a.Allowed(ip) {
			a.fail(ip)
			writeError(w, http.StatusForbidden, "IP not allowed")
			return
		}
		if !a.CheckKey(requestKey(r)) {
			a.fail(ip)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed reports whether ip passes the allowlist.
func (a *Auth) Allowed(ip string) bool {
	if len(a.allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (a *Auth) CheckKey(got string) bool {
	if a.key == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.key)) == 1
}

func (a *Auth) throttled(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.visitors[ip]
	if !ok {
		return false
	}
	return v.limiter.Tokens() < 1
}

func (a *Auth) fail(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(a.limit, a.burst)}
		a.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	v.limiter.Allow()
}

// Prune forgets addresses with no failed attempt since before.
func (a *Auth) Prune(before time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for ip, v := range a.visitors {
		if v.lastSeen.Before(before) {
			delete(a.visitors, ip)
			n++
		}
	}
	return n
}

func requestKey(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
