// Package netguard keeps upstream traffic off loopback, private and
// link-local networks.
//
// Validation happens twice: once when a URL is screened, and again inside
// DialContext immediately before the socket is opened. The second pass
// resolves the hostname afresh and dials the validated IP, so a DNS answer
// that changes between the two (rebinding) is caught at use time.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidURL is returned for URLs that fail the static syntax pass.
	ErrInvalidURL = errors.New("invalid upstream url")
	// ErrBlocked is returned when a host or any of its addresses is in a blocked range.
	ErrBlocked = errors.New("upstream address blocked")
	// ErrResolve is returned when DNS resolution fails or times out.
	ErrResolve = errors.New("upstream resolution failed")
)

var blockedNets = mustParseCIDRs(
	"0.0.0.0/32",
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::/128",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("netguard: bad cidr %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// IsBlockedAddress reports whether ip is loopback, private, link-local,
// carrier-grade NAT, unique-local or unspecified. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlockedAddress(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsBlockedHost checks hostname literals without touching DNS.
func IsBlockedHost(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(strings.Trim(host, "[]"), "."))
	if h == "" || h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return IsBlockedAddress(ip)
	}
	return false
}

// Resolver is the subset of *net.Resolver the guard depends on.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Guard validates upstream URLs and dials only to vetted addresses.
type Guard struct {
	resolver   Resolver
	dnsTimeout time.Duration
	allow      []*net.IPNet
	dialer     *net.Dialer
	log        *zap.Logger
}

// Option customises a Guard.
type Option func(*Guard)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option { return func(g *Guard) { g.resolver = r } }

// WithDNSTimeout bounds every lookup.
func WithDNSTimeout(d time.Duration) Option { return func(g *Guard) { g.dnsTimeout = d } }

// WithAllowedCIDRs exempts the given networks from the blocklist. Intended
// for local development where upstreams legitimately live on loopback.
func WithAllowedCIDRs(cidrs []string) Option {
	return func(g *Guard) {
		for _, c := range cidrs {
			if _, n, err := net.ParseCIDR(strings.TrimSpace(c)); err == nil {
				g.allow = append(g.allow, n)
			} else {
				g.log.Warn("ignoring invalid allow cidr", zap.String("cidr", c), zap.Error(err))
			}
		}
	}
}

func New(log *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		resolver:   net.DefaultResolver,
		dnsTimeout: 3 * time.Second,
		dialer:     &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second},
		log:        log,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) allowed(ip net.IP) bool {
	for _, n := range g.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *Guard) blocked(ip net.IP) bool {
	if g.allowed(ip) {
		return false
	}
	return IsBlockedAddress(ip)
}

// CheckSyntax is the static pass: http(s) only, a host must be present, no
// userinfo, and no literal blocked hostnames.
func (g *Guard) CheckSyntax(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: userinfo not allowed", ErrInvalidURL)
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if g.blocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, host)
		}
		return u, nil
	}
	if IsBlockedHost(host) {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, host)
	}
	return u, nil
}

// Resolve looks host up and returns its addresses only if every one of them
// is safe. A single blocked address rejects the whole answer.
func (g *Guard) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if g.blocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, ip)
		}
		return []net.IP{ip}, nil
	}
	if IsBlockedHost(host) {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, host)
	}

	ctx, cancel := context.WithTimeout(ctx, g.dnsTimeout)
	defer cancel()
	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrResolve, host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if g.blocked(a.IP) {
			g.log.Warn("blocked upstream address",
				zap.String("host", host),
				zap.String("ip", a.IP.String()),
			)
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlocked, host, a.IP)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// ValidateUpstream runs the static pass followed by a DNS pass.
func (g *Guard) ValidateUpstream(ctx context.Context, raw string) error {
	u, err := g.CheckSyntax(raw)
	if err != nil {
		return err
	}
	_, err = g.Resolve(ctx, u.Hostname())
	return err
}

// LookupTXT resolves TXT records under the guard's DNS timeout.
func (g *Guard) LookupTXT(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.dnsTimeout)
	defer cancel()
	recs, err := g.resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: txt %s: %v", ErrResolve, name, err)
	}
	return recs, nil
}

// DialContext resolves addr's host, validates every answer, and connects to
// the first validated IP. It is meant to be installed as an http.Transport
// dialer so the check runs at connect time for every connection, including
// redirects and reconnects.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	ips, err := g.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := g.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Client returns an *http.Client whose every connection goes through
// DialContext. The URL keeps the original hostname, so the Host header and
// TLS SNI are unchanged while the socket targets the pinned address.
// Redirects are returned to the caller rather than followed.
func (g *Guard) Client(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:                 nil,
		DialContext:           g.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
