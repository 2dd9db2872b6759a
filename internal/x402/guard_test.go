package x402

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const (
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo = "0x1111111111111111111111111111111111111111"
)

// ── Mocks ─────────────────────────────────────────────────────────────────────

type staticPrice struct{ p *big.Rat }

func (s staticPrice) Price(context.Context) (*big.Rat, error) { return s.p, nil }

type memNonces struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemNonces() *memNonces { return &memNonces{seen: make(map[string]time.Time)} }

func (m *memNonces) RecordNonce(_ context.Context, nonce, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[nonce]; ok {
		return ErrNonceReplay
	}
	m.seen[nonce] = time.Now()
	return nil
}

func (m *memNonces) SweepNonces(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, at := range m.seen {
		if at.Before(olderThan) {
			delete(m.seen, k)
			n++
		}
	}
	return n, nil
}

type mockFacilitator struct {
	mu          sync.Mutex
	verifyCalls int
	settleCalls int
	valid       bool
	settleOK    bool
	settleErr   error
}

func (f *mockFacilitator) Verify(_ context.Context, req *FacilitatorRequest) (*VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if !f.valid {
		return &VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"}, nil
	}
	return &VerifyResponse{IsValid: true, Payer: req.PaymentPayload.Payload.Authorization.From}, nil
}

func (f *mockFacilitator) Settle(context.Context, *FacilitatorRequest) (*SettleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	if !f.settleOK {
		return &SettleResponse{Success: false, ErrorReason: "tx reverted"}, nil
	}
	return &SettleResponse{Success: true, Transaction: "0xabc123", Network: "eip155:84532"}, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func testParams() Params {
	return Params{
		Asset:        testAsset,
		AssetName:    "USDC",
		AssetVersion: "2",
		Decimals:     6,
		ChainID:      84532,
		Network:      "eip155:84532",
		MarginPct:    "10",
	}
}

func newTestGuard(t *testing.T, f Facilitator, nonces NonceRepository) *Guard {
	t.Helper()
	g, err := NewGuard(f, nonces, staticPrice{big.NewRat(1, 1)}, testParams(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return g
}

func randomNonce(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return hexutil.Encode(b)
}

// proofHeader builds a signed, base64 encoded PaymentPayload.
func proofHeader(t *testing.T, g *Guard, key *ecdsa.PrivateKey, to, value string, validBefore time.Time, nonce string) string {
	t.Helper()
	auth := &Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          to,
		Value:       value,
		ValidAfter:  json.Number("0"),
		ValidBefore: json.Number(strconv.FormatInt(validBefore.Unix(), 10)),
		Nonce:       nonce,
	}
	sig, err := SignAuthorization(auth, key, g.Domain())
	if err != nil {
		t.Fatalf("SignAuthorization: %v", err)
	}
	p := PaymentPayload{
		X402Version: 1,
		Scheme:      SchemeExact,
		Network:     "eip155:84532",
		Payload:     EVMPayload{Signature: sig, Authorization: auth},
	}
	b, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(b)
}

func quote(t *testing.T, g *Guard) *Requirements {
	t.Helper()
	req, err := g.Quote(context.Background(), big.NewRat(1, 100), testPayTo, "https://gw.example.com/gatekeeper/weather/resource", "")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	return req
}

// ── Pricing ───────────────────────────────────────────────────────────────────

func TestAmountUnits(t *testing.T) {
	cases := []struct {
		base, margin, price string
		decimals            int
		want                string
	}{
		{"0.01", "10", "1", 6, "11000"},
		{"0.01", "0", "1", 6, "10000"},
		{"1", "0", "3", 6, "333334"}, // rounds up
		{"0.001", "25", "2000", 18, "625000000000"},
		{"0", "10", "1", 6, "0"},
	}
	for _, tc := range cases {
		base, _ := new(big.Rat).SetString(tc.base)
		margin, _ := new(big.Rat).SetString(tc.margin)
		price, _ := new(big.Rat).SetString(tc.price)
		got, err := AmountUnits(base, margin, price, tc.decimals)
		if err != nil {
			t.Fatalf("AmountUnits(%s,%s,%s): %v", tc.base, tc.margin, tc.price, err)
		}
		if got.String() != tc.want {
			t.Errorf("AmountUnits(%s,%s,%s,%d) = %s, want %s", tc.base, tc.margin, tc.price, tc.decimals, got, tc.want)
		}
	}
	if _, err := AmountUnits(big.NewRat(1, 1), nil, big.NewRat(0, 1), 6); err == nil {
		t.Error("zero asset price must fail")
	}
}

func TestQuote_ChallengeScenario(t *testing.T) {
	g := newTestGuard(t, &mockFacilitator{}, newMemNonces())
	req := quote(t, g)
	if req.MaxAmountRequired != "11000" {
		t.Errorf("maxAmountRequired: got %s want 11000", req.MaxAmountRequired)
	}
	if req.Scheme != "exact" || req.PayTo != testPayTo || req.Asset != testAsset || req.ChainID != 84532 {
		t.Errorf("unexpected requirement %+v", req)
	}

	h := WWWAuthenticate(req)
	for _, want := range []string{`realm="X402"`, `receiver="` + testPayTo + `"`, `chainId="84532"`, `amount="11000"`} {
		if !strings.Contains(h, want) {
			t.Errorf("WWW-Authenticate %q missing %s", h, want)
		}
	}

	body := Challenge(req, map[string]any{"grade": "A"})
	raw, _ := json.Marshal(body)
	var decoded map[string]any
	json.Unmarshal(raw, &decoded)
	reqs := decoded["requirements"].(map[string]any)
	if reqs["maxAmountRequired"] != "11000" {
		t.Errorf("body requirements.maxAmountRequired = %v", reqs["maxAmountRequired"])
	}
	if len(decoded["accepts"].([]any)) != 1 {
		t.Error("accepts must list the requirement")
	}
}

// ── Proof extraction ──────────────────────────────────────────────────────────

func TestProofFrom(t *testing.T) {
	cases := []struct {
		header, value, want string
	}{
		{"X-PAYMENT", "abc", "abc"},
		{"PAYMENT-SIGNATURE", "def", "def"},
		{"Authorization", "x402 ghi", "ghi"},
		{"Authorization", "X402   jkl", "jkl"},
		{"Authorization", "Bearer xyz", ""},
	}
	for _, tc := range cases {
		h := http.Header{}
		h.Set(tc.header, tc.value)
		if got := ProofFrom(h); got != tc.want {
			t.Errorf("%s: %q -> %q, want %q", tc.header, tc.value, got, tc.want)
		}
	}
}

func TestDecodeProof_Malformed(t *testing.T) {
	for _, raw := range []string{"!!!", base64.StdEncoding.EncodeToString([]byte("{")), base64.StdEncoding.EncodeToString([]byte(`{"payload":{}}`))} {
		if _, err := DecodeProof(raw); err == nil {
			t.Errorf("DecodeProof(%q): expected error", raw)
		}
	}
}

// ── EIP-3009 ──────────────────────────────────────────────────────────────────

func TestSignRecoverAuthorization(t *testing.T) {
	g := newTestGuard(t, &mockFacilitator{}, newMemNonces())
	key, _ := crypto.GenerateKey()
	auth := &Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          testPayTo,
		Value:       "11000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       randomNonce(t),
	}
	sig, err := SignAuthorization(auth, key, g.Domain())
	if err != nil {
		t.Fatal(err)
	}
	got, err := RecoverAuthorizer(auth, sig, g.Domain())
	if err != nil || got != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("recover: got %s err %v", got.Hex(), err)
	}

	other := g.Domain()
	other.ChainID = big.NewInt(1)
	if got, _ := RecoverAuthorizer(auth, sig, other); got == crypto.PubkeyToAddress(key.PublicKey) {
		t.Error("signature must be bound to the chain id")
	}
	auth.Value = "1"
	if got, _ := RecoverAuthorizer(auth, sig, g.Domain()); got == crypto.PubkeyToAddress(key.PublicKey) {
		t.Error("signature must be bound to the value")
	}
}

// ── Settle ────────────────────────────────────────────────────────────────────

func TestSettle_NoProof(t *testing.T) {
	g := newTestGuard(t, &mockFacilitator{}, newMemNonces())
	_, err := g.Settle(context.Background(), quote(t, g), http.Header{})
	if Code(err) != ErrCodePaymentRequired {
		t.Fatalf("got %v, want PAYMENT_REQUIRED", err)
	}
}

func TestSettle_Success(t *testing.T) {
	f := &mockFacilitator{valid: true, settleOK: true}
	g := newTestGuard(t, f, newMemNonces())
	key, _ := crypto.GenerateKey()
	req := quote(t, g)

	h := http.Header{}
	h.Set(HeaderPayment, proofHeader(t, g, key, testPayTo, "11000", time.Now().Add(time.Minute), randomNonce(t)))
	rc, err := g.Settle(context.Background(), req, h)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if rc.Transaction != "0xabc123" {
		t.Errorf("tx: %s", rc.Transaction)
	}
	if rc.Payer != strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()) {
		t.Errorf("payer: %s", rc.Payer)
	}
	raw, err := base64.StdEncoding.DecodeString(rc.Header)
	if err != nil {
		t.Fatal(err)
	}
	var pr PaymentResponse
	json.Unmarshal(raw, &pr)
	if !pr.Success || pr.Transaction != "0xabc123" {
		t.Errorf("payment response header: %+v", pr)
	}
}

func TestSettle_NonceReplay(t *testing.T) {
	f := &mockFacilitator{valid: true, settleOK: true}
	g := newTestGuard(t, f, newMemNonces())
	key, _ := crypto.GenerateKey()
	req := quote(t, g)

	h := http.Header{}
	h.Set(HeaderPayment, proofHeader(t, g, key, testPayTo, "11000", time.Now().Add(time.Minute), randomNonce(t)))
	if _, err := g.Settle(context.Background(), req, h); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err := g.Settle(context.Background(), req, h)
	if Code(err) != ErrCodeReplay || !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("replay: got %v", err)
	}
	if f.settleCalls != 1 {
		t.Errorf("replayed proof must not reach settlement, settle calls = %d", f.settleCalls)
	}
}

func TestSettle_SettleFailureBurnsNonce(t *testing.T) {
	f := &mockFacilitator{valid: true, settleErr: context.DeadlineExceeded}
	g := newTestGuard(t, f, newMemNonces())
	key, _ := crypto.GenerateKey()
	req := quote(t, g)
	h := http.Header{}
	h.Set(HeaderPayment, proofHeader(t, g, key, testPayTo, "11000", time.Now().Add(time.Minute), randomNonce(t)))

	if _, err := g.Settle(context.Background(), req, h); Code(err) != ErrCodeSettlementFailed {
		t.Fatalf("got %v, want SETTLEMENT_FAILED", err)
	}
	f.settleErr = nil
	f.settleOK = true
	if _, err := g.Settle(context.Background(), req, h); Code(err) != ErrCodeReplay {
		t.Fatalf("nonce must stay consumed after failed settlement, got %v", err)
	}
}

func TestSettle_Rejections(t *testing.T) {
	key, _ := crypto.GenerateKey()
	future := time.Now().Add(time.Minute)

	cases := []struct {
		name  string
		fac   *mockFacilitator
		proof func(g *Guard) string
		code  string
	}{
		{"garbage", &mockFacilitator{valid: true, settleOK: true}, func(*Guard) string { return "%%%" }, ErrCodeInvalidPayment},
		{"underpaid", &mockFacilitator{valid: true, settleOK: true}, func(g *Guard) string {
			return proofHeader(t, g, key, testPayTo, "10999", future, randomNonce(t))
		}, ErrCodeInsufficientAmount},
		{"wrong recipient", &mockFacilitator{valid: true, settleOK: true}, func(g *Guard) string {
			return proofHeader(t, g, key, "0x2222222222222222222222222222222222222222", "11000", future, randomNonce(t))
		}, ErrCodeWrongRecipient},
		{"expired", &mockFacilitator{valid: true, settleOK: true}, func(g *Guard) string {
			return proofHeader(t, g, key, testPayTo, "11000", time.Now().Add(-time.Second), randomNonce(t))
		}, ErrCodeExpiredPayment},
		{"facilitator says invalid", &mockFacilitator{valid: false}, func(g *Guard) string {
			return proofHeader(t, g, key, testPayTo, "11000", future, randomNonce(t))
		}, ErrCodeVerificationFailed},
		{"settlement rejected", &mockFacilitator{valid: true, settleOK: false}, func(g *Guard) string {
			return proofHeader(t, g, key, testPayTo, "11000", future, randomNonce(t))
		}, ErrCodeSettlementFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGuard(t, tc.fac, newMemNonces())
			h := http.Header{}
			h.Set(HeaderPayment, tc.proof(g))
			_, err := g.Settle(context.Background(), quote(t, g), h)
			if Code(err) != tc.code {
				t.Fatalf("got %v, want code %s", err, tc.code)
			}
		})
	}
}

func TestSettle_ForgedSigner(t *testing.T) {
	g := newTestGuard(t, &mockFacilitator{valid: true, settleOK: true}, newMemNonces())
	key, _ := crypto.GenerateKey()
	victim, _ := crypto.GenerateKey()
	raw := proofHeader(t, g, key, testPayTo, "11000", time.Now().Add(time.Minute), randomNonce(t))
	p, _ := DecodeProof(raw)
	p.Payload.Authorization.From = crypto.PubkeyToAddress(victim.PublicKey).Hex()
	b, _ := json.Marshal(p)

	h := http.Header{}
	h.Set(HeaderPayment, base64.StdEncoding.EncodeToString(b))
	if _, err := g.Settle(context.Background(), quote(t, g), h); Code(err) != ErrCodeInvalidPayment {
		t.Fatalf("got %v, want INVALID_PAYMENT", err)
	}
}

// ── Facilitator client ────────────────────────────────────────────────────────

func TestFacilitatorClient(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		var req FacilitatorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentRequirements == nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "0xpayer"})
		case "/settle":
			json.NewEncoder(w).Encode(SettleResponse{Success: true, Transaction: "0xtx"})
		}
	}))
	defer srv.Close()

	c := NewFacilitatorClient(srv.URL+"/", 2*time.Second)
	req := &FacilitatorRequest{X402Version: 1, PaymentPayload: &PaymentPayload{}, PaymentRequirements: &Requirements{}}
	vr, err := c.Verify(context.Background(), req)
	if err != nil || !vr.IsValid {
		t.Fatalf("Verify: %+v %v", vr, err)
	}
	sr, err := c.Settle(context.Background(), req)
	if err != nil || sr.Transaction != "0xtx" {
		t.Fatalf("Settle: %+v %v", sr, err)
	}
	if strings.Join(gotPaths, ",") != "/verify,/settle" {
		t.Errorf("paths: %v", gotPaths)
	}
}

func TestFacilitatorClient_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := NewFacilitatorClient(srv.URL, time.Second)
	if _, err := c.Verify(context.Background(), &FacilitatorRequest{}); err == nil {
		t.Fatal("expected error on 503")
	}
}

// ── Sweeper ───────────────────────────────────────────────────────────────────

func TestRunNonceSweeper(t *testing.T) {
	nonces := newMemNonces()
	nonces.seen["old"] = time.Now().Add(-48 * time.Hour)
	nonces.seen["new"] = time.Now()
	g := newTestGuard(t, &mockFacilitator{}, nonces)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.RunNonceSweeper(ctx, 24*time.Hour, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		nonces.mu.Lock()
		_, old := nonces.seen["old"]
		_, fresh := nonces.seen["new"]
		nonces.mu.Unlock()
		if !old {
			if !fresh {
				t.Fatal("fresh nonce must survive the sweep")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweeper never removed the expired nonce")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
