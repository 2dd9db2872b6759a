// Package domainverify proves a provider controls the host behind a
// service's upstream, either with a well-known file or a DNS TXT record.
package domainverify

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/highstation/gatekeeper/internal/service"
)

const (
	WellKnownPath = "/.well-known/x402-verify.txt"
	TXTPrefix     = "highstation-verification="

	maxBodyBytes = 4 << 10
)

type Method string

const (
	MethodHTTP Method = "http"
	MethodDNS  Method = "dns"
)

var (
	ErrUnknownMethod = errors.New("unknown verification method")
	ErrNoToken       = errors.New("no verification token issued")
	ErrNotProven     = errors.New("ownership not proven")
)

// Net is the DNS and HTTP surface verification needs. *netguard.Guard
// provides all three methods.
type Net interface {
	ValidateUpstream(ctx context.Context, raw string) error
	LookupTXT(ctx context.Context, name string) ([]string, error)
	Client(timeout time.Duration) *http.Client
}

// Instructions tells the provider where to publish the token.
type Instructions struct {
	Token string    `json:"token"`
	HTTP  HTTPProof `json:"http"`
	DNS   DNSProof  `json:"dns"`
}

type HTTPProof struct {
	URL     string `json:"url"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

type DNSProof struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Verifier struct {
	repo    service.Repository
	net     Net
	client  *http.Client
	timeout time.Duration
	log     *zap.Logger
}

func NewVerifier(repo service.Repository, n Net, timeout time.Duration, log *zap.Logger) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{repo: repo, net: n, client: n.Client(timeout), timeout: timeout, log: log}
}

// IssueToken returns 16 random bytes, hex encoded.
func IssueToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ApexHost returns the registrable domain (eTLD+1) of host, so
// api.example.co.uk maps to example.co.uk. IP literals, single labels and
// bare public suffixes come back unchanged.
func ApexHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	apex, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return apex
}

// Start issues and stores a fresh token for svc and returns the publishing
// instructions. Any previous token stops being accepted.
func (v *Verifier) Start(ctx context.Context, svc *service.Config) (*Instructions, error) {
	u, err := parseUpstream(svc.UpstreamURL)
	if err != nil {
		return nil, err
	}
	token, err := IssueToken()
	if err != nil {
		return nil, err
	}
	if err := v.repo.SetVerificationToken(ctx, svc.Slug, token); err != nil {
		return nil, err
	}
	v.log.Info("verification token issued", zap.String("slug", svc.Slug))
	return &Instructions{
		Token: token,
		HTTP: HTTPProof{
			URL:     u.Scheme + "://" + u.Host + WellKnownPath,
			Path:    WellKnownPath,
			Content: token,
		},
		DNS: DNSProof{
			Name:  ApexHost(u.Hostname()),
			Type:  "TXT",
			Value: TXTPrefix + token,
		},
	}, nil
}

// Check runs method against the stored token and marks svc verified on
// success. Every failure of the method itself, including fetch and DNS
// errors, wraps ErrNotProven. Suspended services are refused up front.
func (v *Verifier) Check(ctx context.Context, svc *service.Config, method Method) error {
	if svc.Status == service.StatusSuspended {
		return &service.NotAdmittedError{Status: svc.Status}
	}
	if svc.VerificationToken == "" {
		return ErrNoToken
	}
	var err error
	switch method {
	case MethodHTTP:
		err = v.checkHTTP(ctx, svc.UpstreamURL, svc.VerificationToken)
	case MethodDNS:
		err = v.checkDNS(ctx, svc.UpstreamURL, svc.VerificationToken)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if err != nil {
		v.log.Warn("domain verification failed",
			zap.String("slug", svc.Slug),
			zap.String("method", string(method)),
			zap.Error(err),
		)
		if !errors.Is(err, ErrNotProven) {
			err = fmt.Errorf("%w: %w", ErrNotProven, err)
		}
		return err
	}
	if err := v.repo.MarkVerified(ctx, svc.Slug); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	v.log.Info("service verified", zap.String("slug", svc.Slug), zap.String("method", string(method)))
	return nil
}

func (v *Verifier) checkHTTP(ctx context.Context, upstream, token string) error {
	u, err := parseUpstream(upstream)
	if err != nil {
		return err
	}
	target := u.Scheme + "://" + u.Host + WellKnownPath
	if err := v.net.ValidateUpstream(ctx, target); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", WellKnownPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrNotProven, WellKnownPath, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", WellKnownPath, err)
	}
	if !bytes.Contains(body, []byte(token)) {
		return fmt.Errorf("%w: token not in %s", ErrNotProven, WellKnownPath)
	}
	return nil
}

func (v *Verifier) checkDNS(ctx context.Context, upstream, token string) error {
	u, err := parseUpstream(upstream)
	if err != nil {
		return err
	}
	apex := ApexHost(u.Hostname())
	records, err := v.net.LookupTXT(ctx, apex)
	if err != nil {
		return err
	}
	want := TXTPrefix + token
	for _, r := range records {
		if strings.Contains(r, want) {
			return nil
		}
	}
	return fmt.Errorf("%w: no TXT record on %s", ErrNotProven, apex)
}

func parseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, errors.New("upstream url: missing host")
	}
	return u, nil
}
