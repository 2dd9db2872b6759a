package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// PriceSource reports the USD price of one whole unit of the payment asset.
type PriceSource interface {
	Price(ctx context.Context) (*big.Rat, error)
}

// NonceRepository records consumed authorization nonces. RecordNonce must
// return ErrNonceReplay when the nonce already exists.
type NonceRepository interface {
	RecordNonce(ctx context.Context, nonce, agentID string) error
	SweepNonces(ctx context.Context, olderThan time.Time) (int64, error)
}

// Params are the operator-level payment settings.
type Params struct {
	Asset             string
	AssetName         string
	AssetVersion      string
	Decimals          int
	ChainID           int64
	Network           string
	MarginPct         string
	MaxTimeoutSeconds int
}

type Guard struct {
	facilitator Facilitator
	nonces      NonceRepository
	prices      PriceSource
	params      Params
	margin      *big.Rat
	domain      TokenDomain
	log         *zap.Logger
	now         func() time.Time
}

func NewGuard(f Facilitator, nonces NonceRepository, prices PriceSource, p Params, log *zap.Logger) (*Guard, error) {
	if !common.IsHexAddress(p.Asset) {
		return nil, fmt.Errorf("payment asset %q is not an address", p.Asset)
	}
	margin := new(big.Rat)
	if p.MarginPct != "" {
		if _, ok := margin.SetString(p.MarginPct); !ok || margin.Sign() < 0 {
			return nil, fmt.Errorf("invalid margin %q", p.MarginPct)
		}
	}
	if p.MaxTimeoutSeconds <= 0 {
		p.MaxTimeoutSeconds = 300
	}
	return &Guard{
		facilitator: f,
		nonces:      nonces,
		prices:      prices,
		params:      p,
		margin:      margin,
		domain: TokenDomain{
			Name:    p.AssetName,
			Version: p.AssetVersion,
			ChainID: big.NewInt(p.ChainID),
			Asset:   common.HexToAddress(p.Asset),
		},
		log: log,
		now: time.Now,
	}, nil
}

// Domain returns the EIP-712 domain authorizations must be signed under.
func (g *Guard) Domain() TokenDomain { return g.domain }

// Quote computes the payment requirement for a call priced at baseUSD.
func (g *Guard) Quote(ctx context.Context, baseUSD *big.Rat, payTo, resource, description string) (*Requirements, error) {
	price, err := g.prices.Price(ctx)
	if err != nil {
		return nil, fmt.Errorf("asset price: %w", err)
	}
	amount, err := AmountUnits(baseUSD, g.margin, price, g.params.Decimals)
	if err != nil {
		return nil, err
	}
	return &Requirements{
		Scheme:            SchemeExact,
		Network:           g.params.Network,
		ChainID:           g.params.ChainID,
		MaxAmountRequired: amount.String(),
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             payTo,
		MaxTimeoutSeconds: g.params.MaxTimeoutSeconds,
		Asset:             g.params.Asset,
		Extra: map[string]any{
			"name":    g.params.AssetName,
			"version": g.params.AssetVersion,
		},
	}, nil
}

// WWWAuthenticate renders the challenge header for req.
func WWWAuthenticate(req *Requirements) string {
	return fmt.Sprintf(`Token realm="X402", receiver=%q, asset=%q, chainId=%q, amount=%q`,
		req.PayTo, req.Asset, strconv.FormatInt(req.ChainID, 10), req.MaxAmountRequired)
}

// Challenge builds the 402 body for req. trust is advertised verbatim in
// the recommendation.
func Challenge(req *Requirements, trust any) ChallengeResponse {
	return ChallengeResponse{
		X402Version:  Version,
		Error:        "payment required",
		Message:      fmt.Sprintf("send %s units of %s to %s", req.MaxAmountRequired, req.Asset, req.PayTo),
		Requirements: req,
		Accepts:      []Requirements{*req},
		Recommendation: Recommendation{
			Action: "sign an EIP-3009 transferWithAuthorization and retry",
			Header: HeaderPayment,
			Scheme: SchemeExact,
			Trust:  trust,
		},
	}
}

// ProofFrom returns the raw proof carried in h, if any.
func ProofFrom(h http.Header) string {
	if v := strings.TrimSpace(h.Get(HeaderPayment)); v != "" {
		return v
	}
	if v := strings.TrimSpace(h.Get(HeaderPaymentSignature)); v != "" {
		return v
	}
	authz := strings.TrimSpace(h.Get("Authorization"))
	if len(authz) > 5 && strings.EqualFold(authz[:5], "x402 ") {
		return strings.TrimSpace(authz[5:])
	}
	return ""
}

// DecodeProof parses a base64 JSON PaymentPayload.
func DecodeProof(raw string) (*PaymentPayload, error) {
	var b []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err = enc.DecodeString(raw); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("proof encoding: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("proof json: %w", err)
	}
	if p.Payload.Authorization == nil || p.Payload.Signature == "" {
		return nil, errors.New("proof missing authorization or signature")
	}
	return &p, nil
}

// precheck validates the authorization against req without network calls.
func (g *Guard) precheck(p *PaymentPayload, req *Requirements) *PaymentError {
	if p.Scheme != "" && p.Scheme != req.Scheme {
		return newPaymentError(ErrCodeInvalidPayment, "unsupported scheme "+p.Scheme, nil)
	}
	if p.Network != "" && p.Network != req.Network {
		return newPaymentError(ErrCodeInvalidPayment, "wrong network "+p.Network, nil)
	}
	auth, err := p.Payload.Authorization.parse()
	if err != nil {
		return newPaymentError(ErrCodeInvalidPayment, "invalid authorization", err)
	}
	if auth.To != common.HexToAddress(req.PayTo) {
		return newPaymentError(ErrCodeWrongRecipient, "authorization pays the wrong recipient", nil)
	}
	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return newPaymentError(ErrCodeInternal, "invalid requirement amount", nil)
	}
	if auth.Value.Cmp(required) < 0 {
		return newPaymentError(ErrCodeInsufficientAmount,
			fmt.Sprintf("authorized %s units, %s required", auth.Value, required), nil)
	}
	now := big.NewInt(g.now().Unix())
	if now.Cmp(auth.ValidAfter) <= 0 || now.Cmp(auth.ValidBefore) >= 0 {
		return newPaymentError(ErrCodeExpiredPayment, "authorization outside its validity window", nil)
	}
	signer, err := RecoverAuthorizer(p.Payload.Authorization, p.Payload.Signature, g.domain)
	if err != nil {
		return newPaymentError(ErrCodeInvalidPayment, "invalid authorization signature", err)
	}
	if signer != auth.From {
		return newPaymentError(ErrCodeInvalidPayment, "authorization not signed by payer", nil)
	}
	return nil
}

// Settle consumes the proof in h against req. A nil error means the
// payment settled on-chain and the call may be proxied. Settlement
// ambiguity is always a rejection; a nonce is never released once recorded.
func (g *Guard) Settle(ctx context.Context, req *Requirements, h http.Header) (*Receipt, error) {
	raw := ProofFrom(h)
	if raw == "" {
		return nil, newPaymentError(ErrCodePaymentRequired, "payment required", nil)
	}
	payload, err := DecodeProof(raw)
	if err != nil {
		return nil, newPaymentError(ErrCodeInvalidPayment, "invalid payment proof", err)
	}
	if pe := g.precheck(payload, req); pe != nil {
		return nil, pe
	}
	auth := payload.Payload.Authorization
	payer := strings.ToLower(auth.From)

	freq := &FacilitatorRequest{X402Version: Version, PaymentPayload: payload, PaymentRequirements: req}

	vr, err := g.facilitator.Verify(ctx, freq)
	if err != nil {
		return nil, newPaymentError(ErrCodeVerificationFailed, "payment verification unavailable", err)
	}
	if !vr.IsValid {
		return nil, newPaymentError(ErrCodeVerificationFailed, "payment rejected: "+vr.InvalidReason, nil)
	}

	if err := g.nonces.RecordNonce(ctx, strings.ToLower(auth.Nonce), payer); err != nil {
		if errors.Is(err, ErrNonceReplay) {
			return nil, newPaymentError(ErrCodeReplay, "payment proof replay", err)
		}
		return nil, newPaymentError(ErrCodeInternal, "record nonce", err)
	}

	sr, err := g.facilitator.Settle(ctx, freq)
	if err != nil {
		g.log.Warn("settle failed", zap.String("payer", payer), zap.Error(err))
		return nil, newPaymentError(ErrCodeSettlementFailed, "settlement failed", err)
	}
	if !sr.Success {
		g.log.Warn("settle rejected", zap.String("payer", payer), zap.String("reason", sr.ErrorReason))
		return nil, newPaymentError(ErrCodeSettlementFailed, "settlement failed: "+sr.ErrorReason, nil)
	}

	network := sr.Network
	if network == "" {
		network = req.Network
	}
	if sr.Payer != "" {
		payer = strings.ToLower(sr.Payer)
	}
	hdr, _ := json.Marshal(PaymentResponse{Success: true, Transaction: sr.Transaction, Network: network, Payer: payer})
	return &Receipt{
		Payer:       payer,
		Transaction: sr.Transaction,
		Network:     network,
		Amount:      auth.Value,
		Nonce:       strings.ToLower(auth.Nonce),
		Header:      base64.StdEncoding.EncodeToString(hdr),
	}, nil
}

// RunNonceSweeper periodically deletes consumed nonces older than ttl.
func (g *Guard) RunNonceSweeper(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.log.Info("nonce sweeper started", zap.Duration("interval", interval), zap.Duration("ttl", ttl))

	for {
		select {
		case <-ctx.Done():
			g.log.Info("nonce sweeper stopped")
			return
		case <-ticker.C:
			n, err := g.nonces.SweepNonces(ctx, g.now().Add(-ttl))
			if err != nil {
				g.log.Error("sweep nonces", zap.Error(err))
				continue
			}
			if n > 0 {
				g.log.Info("swept nonces", zap.Int64("count", n))
			}
		}
	}
}
