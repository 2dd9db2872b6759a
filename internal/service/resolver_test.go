package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// ── Mocks ─────────────────────────────────────────────────────────────────────

type memRepo struct {
	mu       sync.Mutex
	services map[string]*Config
}

func (m *memRepo) GetBySlug(_ context.Context, slug string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *memRepo) ListVerified(context.Context, string, int) ([]*Config, error) { return nil, nil }
func (m *memRepo) SetVerificationToken(context.Context, string, string) error   { return nil }
func (m *memRepo) MarkVerified(context.Context, string) error                   { return nil }

type stubValidator struct {
	err   error
	calls int
}

func (v *stubValidator) ValidateUpstream(context.Context, string) error {
	v.calls++
	return v.err
}

func newResolver(svcs map[string]*Config, v *stubValidator, owner OwnerCheck, production bool) *Resolver {
	return NewResolver(&memRepo{services: svcs}, v, owner, "https://gw.example.com", production, zap.NewNop())
}

// ── Resolve ───────────────────────────────────────────────────────────────────

func TestResolve_BadSlug(t *testing.T) {
	r := newResolver(nil, &stubValidator{}, nil, false)
	for _, slug := range []string{"", "a/b", "a b", "../etc", "x.y"} {
		if _, err := r.Resolve(context.Background(), slug, nil); !errors.Is(err, ErrBadSlug) {
			t.Errorf("slug %q: got %v, want ErrBadSlug", slug, err)
		}
	}
}

func TestResolve_NotFound(t *testing.T) {
	r := newResolver(map[string]*Config{}, &stubValidator{}, nil, false)
	if _, err := r.Resolve(context.Background(), "missing", nil); !IsNotFound(err) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestResolve_Verified(t *testing.T) {
	v := &stubValidator{}
	r := newResolver(map[string]*Config{
		"weather": {Slug: "weather", Status: StatusVerified, UpstreamURL: "https://api.example.com"},
	}, v, nil, false)
	res, err := r.Resolve(context.Background(), "weather", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Bypass != BypassNone || res.Demo {
		t.Errorf("unexpected resolution %+v", res)
	}
	if v.calls != 1 {
		t.Errorf("upstream must be screened once, got %d", v.calls)
	}
}

func TestResolve_UnverifiedDisclosesStatus(t *testing.T) {
	for _, st := range []Status{StatusPending, StatusSuspended, StatusActive} {
		r := newResolver(map[string]*Config{
			"s": {Slug: "s", Status: st, UpstreamURL: "https://api.example.com"},
		}, &stubValidator{}, nil, false)
		_, err := r.Resolve(context.Background(), "s", nil)
		var na *NotAdmittedError
		if !errors.As(err, &na) || na.Status != st {
			t.Errorf("status %s: got %v", st, err)
		}
		if !errors.Is(err, ErrNotAdmitted) {
			t.Errorf("status %s: error should unwrap to ErrNotAdmitted", st)
		}
	}
}

func TestResolve_UpstreamRejected(t *testing.T) {
	blocked := errors.New("blocked")
	r := newResolver(map[string]*Config{
		"s": {Slug: "s", Status: StatusVerified, UpstreamURL: "https://evil.example.com"},
	}, &stubValidator{err: blocked}, nil, false)
	_, err := r.Resolve(context.Background(), "s", nil)
	var ue *UpstreamError
	if !errors.As(err, &ue) || !errors.Is(err, blocked) {
		t.Fatalf("got %v, want UpstreamError wrapping cause", err)
	}
}

func TestResolve_DemoBypass(t *testing.T) {
	svcs := map[string]*Config{
		"demo": {Slug: "demo", Status: StatusPending, UpstreamURL: "https://gw.example.com/demo/echo"},
	}
	v := &stubValidator{err: errors.New("must not be called")}
	res, err := newResolver(svcs, v, nil, false).Resolve(context.Background(), "demo", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Bypass != BypassDemo || !res.Demo {
		t.Errorf("expected demo bypass, got %+v", res)
	}
	if v.calls != 0 {
		t.Error("demo upstreams skip DNS screening")
	}

	if _, err := newResolver(svcs, v, nil, true).Resolve(context.Background(), "demo", nil); !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("production must disable demo bypass, got %v", err)
	}
}

func TestResolve_OwnerBypass(t *testing.T) {
	const owner = "0xAbCdEf0000000000000000000000000000000001"
	svcs := map[string]*Config{
		"s": {Slug: "s", Status: StatusPending, OwnerAddress: owner, UpstreamURL: "https://api.example.com"},
	}
	check := func(wallet string, err error) OwnerCheck {
		return func(context.Context, string, http.Header) (string, error) { return wallet, err }
	}

	res, err := newResolver(svcs, &stubValidator{}, check("0xabcdef0000000000000000000000000000000001", nil), false).
		Resolve(context.Background(), "s", http.Header{})
	if err != nil || res.Bypass != BypassOwner {
		t.Fatalf("owner should bypass: %+v %v", res, err)
	}

	if _, err := newResolver(svcs, &stubValidator{}, check("0x0000000000000000000000000000000000000002", nil), false).
		Resolve(context.Background(), "s", http.Header{}); !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("non-owner must be rejected, got %v", err)
	}
	if _, err := newResolver(svcs, &stubValidator{}, check("", errors.New("no credential")), false).
		Resolve(context.Background(), "s", http.Header{}); !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("failed credential must be rejected, got %v", err)
	}
}

func TestResolve_OwnerBypassScopedToSlug(t *testing.T) {
	const owner = "0xabcdef0000000000000000000000000000000001"
	svcs := map[string]*Config{
		"weather": {Slug: "weather", Status: StatusPending, OwnerAddress: owner, UpstreamURL: "https://api.example.com"},
	}
	errScope := errors.New("credential not valid for this resource")
	var asked []string
	check := func(credentialFor string) OwnerCheck {
		return func(_ context.Context, slug string, _ http.Header) (string, error) {
			asked = append(asked, slug)
			if slug != credentialFor {
				return "", errScope
			}
			return owner, nil
		}
	}

	if _, err := newResolver(svcs, &stubValidator{}, check("billing"), false).
		Resolve(context.Background(), "weather", http.Header{}); !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("credential for another service must not bypass, got %v", err)
	}
	res, err := newResolver(svcs, &stubValidator{}, check("weather"), false).
		Resolve(context.Background(), "weather", http.Header{})
	if err != nil || res.Bypass != BypassOwner {
		t.Fatalf("scoped credential should bypass: %+v %v", res, err)
	}
	if len(asked) != 2 || asked[0] != "weather" || asked[1] != "weather" {
		t.Errorf("owner check must be asked for the requested slug, got %v", asked)
	}
}

func TestIsDemoUpstream(t *testing.T) {
	r := newResolver(nil, &stubValidator{}, nil, false)
	cases := map[string]bool{
		"https://gw.example.com/demo/echo":   true,
		"http://localhost:8080/demo/quote":   true,
		"http://127.0.0.1/demo/echo":         true,
		"http://[::1]:9000/demo/x":           true,
		"https://gw.example.com/api/echo":    false,
		"https://other.example.com/demo/x":   false,
		"http://gw.example.com/demo/echo":    false, // scheme differs from public URL
		"https://gw.example.com/demonstrate": false,
		"http://localhost/demo/../admin":     false,
		"ftp://localhost/demo/x":             false,
	}
	for raw, want := range cases {
		if got := r.IsDemoUpstream(raw); got != want {
			t.Errorf("IsDemoUpstream(%q) = %v, want %v", raw, got, want)
		}
	}
}

// ── Pricing ───────────────────────────────────────────────────────────────────

func TestPriceFor(t *testing.T) {
	s := &Config{
		PriceUSD: "0.01",
		EndpointPrices: map[string]string{
			"/premium":         "0.50",
			"/premium/reports": "2",
		},
	}
	cases := map[string]string{
		"":                    "1/100",
		"/basic":              "1/100",
		"premium/x":           "1/2",
		"/premium/reports/q1": "2/1",
		"/premium":            "1/2",
		"/premiumX":           "1/100",
		"/premium/reportsX":   "1/2",
		"//premium//x":        "1/2",
		"/free/../premium/x":  "1/2",
		"/premium/../basic":   "1/100",
	}
	for path, want := range cases {
		got, err := s.PriceFor(path)
		if err != nil {
			t.Fatalf("PriceFor(%q): %v", path, err)
		}
		if got.String() != want {
			t.Errorf("PriceFor(%q) = %s, want %s", path, got, want)
		}
	}

	if _, err := (&Config{PriceUSD: "abc"}).PriceFor("/"); err == nil {
		t.Error("expected error for invalid price")
	}
	free, _ := (&Config{}).PriceFor("/")
	if free.Sign() != 0 {
		t.Error("empty price means free")
	}
}
