// Package proxy decides which connection pool and proxy each request
// attempt of a run goes through.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrUnsupportedScheme = errors.New("unsupported proxy scheme")

// Mode is the connection strategy chosen once per run.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeHTTP   Mode = "http"
	ModeSOCKS  Mode = "socks"
)

// Plan is the resolved proxy configuration of a run.
//
// When any SOCKS proxy is configured only SOCKS proxies are used; the HTTP
// proxies are listed in Ignored so the precedence is visible to callers.
type Plan struct {
	Mode    Mode
	HTTP    []*url.URL
	SOCKS   []*url.URL
	Ignored []string
}

// Scheme returns the lower-cased scheme prefix of a proxy URI, or "".
func Scheme(raw string) string {
	l := strings.ToLower(raw)
	for _, s := range []string{"http", "https", "socks4", "socks5"} {
		if strings.HasPrefix(l, s+"://") {
			return s
		}
	}
	return ""
}

// Validate checks that every proxy uses a supported scheme.
func Validate(proxies []string) error {
	for _, p := range proxies {
		if Scheme(p) == "" {
			return fmt.Errorf("%w: %s", ErrUnsupportedScheme, p)
		}
	}
	return nil
}

// NewPlan splits proxies by class and picks the mode.
func NewPlan(proxies []string) (Plan, error) {
	var (
		plan      Plan
		httpRaw   []string
		httpLike  []*url.URL
		socksLike []*url.URL
	)
	for _, p := range proxies {
		scheme := Scheme(p)
		if scheme == "" {
			return Plan{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, p)
		}
		u, err := url.Parse(p)
		if err != nil {
			return Plan{}, fmt.Errorf("parse proxy %q: %w", p, err)
		}
		if u.Host == "" {
			return Plan{}, fmt.Errorf("proxy %q has no host", p)
		}
		u.Scheme = scheme
		switch scheme {
		case "http", "https":
			httpLike = append(httpLike, u)
			httpRaw = append(httpRaw, p)
		default:
			socksLike = append(socksLike, u)
		}
	}

	switch {
	case len(socksLike) > 0:
		plan.Mode = ModeSOCKS
		plan.SOCKS = socksLike
		plan.Ignored = httpRaw
	case len(httpLike) > 0:
		plan.Mode = ModeHTTP
		plan.HTTP = httpLike
	default:
		plan.Mode = ModeDirect
	}
	return plan, nil
}
