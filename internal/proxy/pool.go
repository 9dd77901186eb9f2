package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"
	"h12.io/socks"
)

// Timeouts bound a single request attempt. Read is an idle limit applied to
// every socket read, so a body that keeps streaming never times out.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = 5 * time.Second
	}
	if t.Read <= 0 {
		t.Read = 5 * time.Second
	}
	return t
}

type proxyKey struct{}

// WithProxy attaches the HTTP proxy an attempt should go through.
func WithProxy(ctx context.Context, u *url.URL) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, proxyKey{}, u)
}

func proxyFromContext(req *http.Request) (*url.URL, error) {
	u, _ := req.Context().Value(proxyKey{}).(*url.URL)
	return u, nil
}

// Pools holds the connection pools of one run: a shared pool for direct and
// HTTP-proxy traffic, or one pool per SOCKS proxy.
type Pools struct {
	Shared *http.Client
	SOCKS  []*http.Client

	transports []*http.Transport
	closeOnce  sync.Once
}

// Open builds the pools needed by plan.
func Open(plan Plan, lanes int, t Timeouts) (*Pools, error) {
	t = t.withDefaults()
	p := &Pools{}

	if plan.Mode != ModeSOCKS {
		tr := newTransport(lanes, t)
		tr.DialContext = readDeadline((&net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}).DialContext, t.Read)
		tr.Proxy = proxyFromContext
		p.Shared = p.client(tr, t)
		return p, nil
	}

	for _, u := range plan.SOCKS {
		dial, err := socksDialer(u, t)
		if err != nil {
			p.Close()
			return nil, err
		}
		tr := newTransport(lanes, t)
		tr.Proxy = nil
		tr.DialContext = readDeadline(dial, t.Read)
		p.SOCKS = append(p.SOCKS, p.client(tr, t))
	}
	return p, nil
}

func (p *Pools) client(tr *http.Transport, t Timeouts) *http.Client {
	p.transports = append(p.transports, tr)
	return &http.Client{Transport: tr}
}

// Close releases idle connections of every pool. It is safe to call more
// than once.
func (p *Pools) Close() {
	p.closeOnce.Do(func() {
		for _, tr := range p.transports {
			tr.CloseIdleConnections()
		}
	})
}

func newTransport(lanes int, t Timeouts) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	idle := max(lanes, 2)
	tr.MaxIdleConns = idle
	tr.MaxIdleConnsPerHost = idle
	tr.IdleConnTimeout = 30 * time.Second
	tr.ResponseHeaderTimeout = t.Read
	tr.TLSHandshakeTimeout = t.Connect
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return tr
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// idleConn fails a read that waits longer than timeout for data.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func readDeadline(dial dialFunc, timeout time.Duration) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &idleConn{Conn: conn, timeout: timeout}, nil
	}
}

func socksDialer(u *url.URL, t Timeouts) (dialFunc, error) {
	switch u.Scheme {
	case "socks5":
		d, err := xproxy.FromURL(u, &net.Dialer{Timeout: t.Connect})
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", u.Host, err)
		}
		if cd, ok := d.(xproxy.ContextDialer); ok {
			return cd.DialContext, nil
		}
		return func(_ context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}, nil
	case "socks4":
		uri := *u
		q := uri.Query()
		q.Set("timeout", t.Connect.String())
		uri.RawQuery = q.Encode()
		dial := socks.Dial(uri.String())
		return func(_ context.Context, network, addr string) (net.Conn, error) {
			return dial(network, addr)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}
