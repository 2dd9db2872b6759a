// Package gateway is the HTTP surface of the gatekeeper: the gated
// request pipeline, service info, and the provider API.
package gateway

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/highstation/gatekeeper/internal/proxy"
	"github.com/highstation/gatekeeper/internal/reputation"
	"github.com/highstation/gatekeeper/internal/service"
	"github.com/highstation/gatekeeper/internal/telemetry"
	"github.com/highstation/gatekeeper/internal/x402"
)

const defaultMaxRequestBytes = 1 << 20

// Resolver is satisfied by *service.Resolver.
type Resolver interface {
	Lookup(ctx context.Context, slug string) (*service.Config, error)
	Resolve(ctx context.Context, slug string, h http.Header) (service.Resolution, error)
}

// Payments is satisfied by *x402.Guard.
type Payments interface {
	Quote(ctx context.Context, baseUSD *big.Rat, payTo, resource, description string) (*x402.Requirements, error)
	Settle(ctx context.Context, req *x402.Requirements, h http.Header) (*x402.Receipt, error)
}

// Forwarder is satisfied by *proxy.Forwarder.
type Forwarder interface {
	Forward(ctx context.Context, t proxy.Target, r proxy.Request) (*proxy.Response, error)
}

// TrustSource is satisfied by *reputation.Service.
type TrustSource interface {
	Signal(ctx context.Context, owner string) reputation.Signal
}

// RequestLogger is satisfied by *telemetry.Logger.
type RequestLogger interface {
	Log(rec telemetry.Record)
}

type Pipeline struct {
	resolver  Resolver
	payments  Payments
	forwarder Forwarder
	trust     TrustSource
	logs      RequestLogger
	publicURL string
	maxBody   int64
	log       *zap.Logger
}

func NewPipeline(resolver Resolver, payments Payments, forwarder Forwarder, trust TrustSource, logs RequestLogger, publicURL string, log *zap.Logger) *Pipeline {
	return &Pipeline{
		resolver:  resolver,
		payments:  payments,
		forwarder: forwarder,
		trust:     trust,
		logs:      logs,
		publicURL: strings.TrimRight(publicURL, "/"),
		maxBody:   defaultMaxRequestBytes,
		log:       log,
	}
}

// Register mounts the gated routes. /info and /resource share one
// catch-all because gin cannot mix a static child with a wildcard.
func (p *Pipeline) Register(r gin.IRoutes) {
	r.Any("/gatekeeper/:slug/*rest", p.handleCatchAll)
}

func (p *Pipeline) handleCatchAll(c *gin.Context) {
	rest := c.Param("rest")
	switch {
	case rest == "/info" || rest == "/info/":
		if c.Request.Method != http.MethodGet {
			abort(c, stageError(http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed", nil))
			return
		}
		p.handleInfo(c)
	case rest == "/resource" || strings.HasPrefix(rest, "/resource/"):
		subPath, ok := resourceSubPath(c.Request.URL.EscapedPath(), c.Param("slug"))
		if !ok {
			abort(c, stageError(http.StatusNotFound, CodeNotFound, "not found", nil))
			return
		}
		p.handleResource(c, subPath)
	default:
		abort(c, stageError(http.StatusNotFound, CodeNotFound, "not found", nil))
	}
}

// resourceSubPath returns the still-escaped remainder of a
// /gatekeeper/{slug}/resource path. gin matches routes on the decoded path,
// so the escaped form is taken from the request URL to keep encoded
// separators like %2F, %3F and %23 intact on the way upstream. The escaped
// slug segment must decode to the slug gin matched.
func resourceSubPath(escaped, slug string) (string, bool) {
	rest, ok := strings.CutPrefix(escaped, "/gatekeeper/")
	if !ok {
		return "", false
	}
	escSlug, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return "", false
	}
	if s, err := url.PathUnescape(escSlug); err != nil || s != slug {
		return "", false
	}
	switch {
	case rest == "resource":
		return "", true
	case strings.HasPrefix(rest, "resource/"):
		return strings.TrimPrefix(rest, "resource"), true
	default:
		return "", false
	}
}

// checkSubPath decodes subPath and rejects dot segments, which an upstream
// would resolve to a path priced differently than the one quoted.
func checkSubPath(subPath string) (string, error) {
	decoded, err := url.PathUnescape(subPath)
	if err != nil {
		return "", err
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == "." || seg == ".." {
			return "", errDotSegment
		}
	}
	return decoded, nil
}

var errDotSegment = errors.New("path contains dot segments")

// ── Info ──────────────────────────────────────────────────────────────────────

func (p *Pipeline) handleInfo(c *gin.Context) {
	info, err := p.Info(c.Request.Context(), c.Param("slug"))
	if err != nil {
		abort(c, resolveError(err))
		return
	}
	c.JSON(http.StatusOK, info)
}

// ── Resource ──────────────────────────────────────────────────────────────────

func (p *Pipeline) handleResource(c *gin.Context, subPath string) {
	rc := RequestContext{
		RequestID: uuid.NewString(),
		Slug:      c.Param("slug"),
		Method:    c.Request.Method,
		Path:      c.Request.URL.EscapedPath(),
		SubPath:   subPath,
		RawQuery:  c.Request.URL.RawQuery,
		StartedAt: time.Now(),
	}
	ctx := c.Request.Context()

	decoded, err := checkSubPath(subPath)
	if err != nil {
		abort(c, stageError(http.StatusBadRequest, CodeBadRequest, "invalid resource path", err))
		return
	}
	rc.PricePath = decoded

	// ── Resolve ─────────────────────────────────────────────────────────────
	res, err := p.resolver.Resolve(ctx, rc.Slug, c.Request.Header)
	if err != nil {
		se := resolveError(err)
		if se.Status != http.StatusBadRequest && se.Status != http.StatusNotFound {
			p.record(rc, telemetry.OutcomeRejected, se.Status, se.Reason(), nil)
		}
		abort(c, se)
		return
	}
	rc = rc.withResolution(res)
	rc = rc.withTrust(p.trust.Signal(ctx, rc.Owner()))

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, p.maxBody+1))
	if err != nil {
		abort(c, stageError(http.StatusBadRequest, CodeBadRequest, "read body", err))
		return
	}
	if int64(len(body)) > p.maxBody {
		abort(c, stageError(http.StatusBadRequest, CodeBadRequest, "request body too large", nil))
		return
	}

	// ── Pay ─────────────────────────────────────────────────────────────────
	rc, se := p.pay(c, rc)
	if se != nil {
		abort(c, se)
		return
	}
	if c.IsAborted() {
		return
	}

	// ── Forward ─────────────────────────────────────────────────────────────
	svc := rc.Service
	resp, err := p.forwarder.Forward(ctx, proxy.Target{
		Slug:            svc.Slug,
		Owner:           svc.OwnerAddress,
		UpstreamURL:     svc.UpstreamURL,
		SigningSecret:   svc.SigningSecret,
		RootHash:        svc.OpenSealRootHash,
		RequireOpenSeal: svc.Access.RequireOpenSeal,
		Demo:            rc.Demo,
	}, proxy.Request{
		Method:   rc.Method,
		SubPath:  rc.SubPath,
		RawQuery: rc.RawQuery,
		Header:   c.Request.Header,
		Body:     body,
	})
	if err != nil {
		se := forwardError(err)
		if rc.Receipt != nil {
			p.log.Warn("upstream failed after settlement",
				zap.String("slug", rc.Slug),
				zap.String("tx", rc.TxHash()),
				zap.Error(err),
			)
		}
		p.record(rc, telemetry.OutcomeUpstreamError, se.Status, se.Reason(), nil)
		abort(c, se)
		return
	}

	if resp.SealRejected {
		se := stageError(http.StatusForbidden, CodeForbidden, "openseal verification failed", nil)
		se.Detail = gin.H{"openseal": resp.Seal}
		c.Header(proxy.HeaderSealVerified, resp.Header.Get(proxy.HeaderSealVerified))
		c.Header(proxy.HeaderSealResult, resp.Header.Get(proxy.HeaderSealResult))
		p.record(rc, telemetry.OutcomeRejected, se.Status, "OPENSEAL_FAILED", resp)
		abort(c, se)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	c.Writer.Write(resp.Body) //nolint:errcheck
	p.record(rc, telemetry.OutcomeProxied, resp.StatusCode, "", resp)
}

// pay quotes the call and, when a proof is present, settles it. With no
// proof it writes the 402 challenge and aborts the context.
func (p *Pipeline) pay(c *gin.Context, rc RequestContext) (RequestContext, *StageError) {
	ctx := c.Request.Context()
	svc := rc.Service

	price, err := svc.PriceFor(rc.PricePath)
	if err != nil {
		return rc, stageError(http.StatusInternalServerError, CodeInternal, "service price misconfigured", err)
	}
	if price.Sign() == 0 {
		return rc, nil
	}

	payTo := payeeOf(svc)
	if payTo == "" {
		return rc, stageError(http.StatusInternalServerError, CodeInternal, "service has no settlement address", nil)
	}
	req, err := p.payments.Quote(ctx, price, payTo, p.publicURL+rc.Path, svc.Name)
	if err != nil {
		p.log.Warn("quote failed", zap.String("slug", rc.Slug), zap.Error(err))
		return rc, stageError(http.StatusBadGateway, CodeBadGateway, "price unavailable", err)
	}
	rc = rc.withRequirement(req)

	if x402.ProofFrom(c.Request.Header) == "" {
		c.Header("WWW-Authenticate", x402.WWWAuthenticate(req))
		c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.Challenge(req, trustAdvice(rc)))
		p.record(rc, telemetry.OutcomeChallenged, http.StatusPaymentRequired, "", nil)
		return rc, nil
	}

	receipt, err := p.payments.Settle(ctx, req, c.Request.Header)
	if err != nil {
		se := paymentError(err)
		p.record(rc, telemetry.OutcomeRejected, se.Status, se.Reason(), nil)
		return rc, se
	}
	c.Header(x402.HeaderPaymentResponse, receipt.Header)
	return rc.withReceipt(receipt), nil
}

// payeeOf returns the settlement address, falling back to the owner.
func payeeOf(svc *service.Config) string {
	for _, a := range []string{svc.SettlementAddress, svc.OwnerAddress} {
		if common.IsHexAddress(a) {
			return common.HexToAddress(a).Hex()
		}
	}
	return ""
}

type trustPayload struct {
	Score             int    `json:"score"`
	Grade             string `json:"grade"`
	MinGrade          string `json:"min_grade,omitempty"`
	MeetsMinGrade     bool   `json:"meets_min_grade"`
	OpenSealRequired  bool   `json:"openseal_required"`
	OpenSealAvailable bool   `json:"openseal_available"`
	ZKProofRequired   bool   `json:"zk_proof_required"`
}

func trustAdvice(rc RequestContext) trustPayload {
	svc := rc.Service
	return trustPayload{
		Score:             rc.Trust.Score,
		Grade:             rc.Trust.Grade,
		MinGrade:          svc.Access.MinGrade,
		MeetsMinGrade:     reputation.MeetsGrade(rc.Trust.Grade, svc.Access.MinGrade),
		OpenSealRequired:  svc.Access.RequireOpenSeal,
		OpenSealAvailable: svc.OpenSealRootHash != "",
		ZKProofRequired:   svc.Access.RequireZKProof,
	}
}

// ── Telemetry ─────────────────────────────────────────────────────────────────

func (p *Pipeline) record(rc RequestContext, outcome telemetry.Outcome, status int, reason string, resp *proxy.Response) {
	rec := telemetry.Record{
		ID:          rc.RequestID,
		Slug:        rc.Slug,
		Method:      rc.Method,
		Path:        rc.Path,
		StatusCode:  status,
		AmountUnits: rc.AmountUnits(),
		TxHash:      rc.TxHash(),
		Payer:       rc.Payer(),
		LatencyMS:   time.Since(rc.StartedAt).Milliseconds(),
		TrustGrade:  rc.Trust.Grade,
		Outcome:     outcome,
		ErrorReason: reason,
	}
	if rc.Trust.Grade != "" {
		score := rc.Trust.Score
		rec.TrustScore = &score
	}
	if resp != nil {
		rec.LatencyMS = resp.Latency.Milliseconds()
		rec.ResponseBytes = int64(len(resp.Body))
		rec.ContentType = resp.ContentType
		rec.IntegrityCheck = resp.IntegrityCheck
		if s := resp.Seal; s != nil {
			rec.OpenSealValid = boolPtr(s.Valid)
			rec.OpenSealSignatureVerified = boolPtr(s.SignatureVerified)
			rec.OpenSealIdentityVerified = boolPtr(s.IdentityVerified)
		}
	}
	p.logs.Log(rec)
}

func boolPtr(b bool) *bool { return &b }

// ── Info payload ──────────────────────────────────────────────────────────────

type ServiceInfo struct {
	Slug               string                     `json:"slug"`
	Name               string                     `json:"name"`
	Description        string                     `json:"description,omitempty"`
	Status             service.Status             `json:"status"`
	PriceUSD           string                     `json:"price_usd"`
	EndpointPrices     map[string]string          `json:"endpoint_prices,omitempty"`
	AccessRequirements service.AccessRequirements `json:"access_requirements"`
	Trust              reputation.Signal          `json:"trust"`
	OpenSeal           OpenSealInfo               `json:"openseal"`
	Payment            *x402.Requirements         `json:"payment,omitempty"`
	Entry              string                     `json:"entry"`
}

type OpenSealInfo struct {
	Enabled  bool   `json:"enabled"`
	RootHash string `json:"root_hash,omitempty"`
}

// Info builds the public description of slug. The payment block is a
// best-effort quote for the base price.
func (p *Pipeline) Info(ctx context.Context, slug string) (*ServiceInfo, error) {
	svc, err := p.resolver.Lookup(ctx, slug)
	if err != nil {
		return nil, err
	}
	entry := p.publicURL + "/gatekeeper/" + svc.Slug + "/resource"
	info := &ServiceInfo{
		Slug:               svc.Slug,
		Name:               svc.Name,
		Description:        svc.Description,
		Status:             svc.Status,
		PriceUSD:           svc.PriceUSD,
		EndpointPrices:     svc.EndpointPrices,
		AccessRequirements: svc.Access,
		Trust:              p.trust.Signal(ctx, svc.OwnerAddress),
		OpenSeal:           OpenSealInfo{Enabled: svc.OpenSealRootHash != "", RootHash: svc.OpenSealRootHash},
		Entry:              entry,
	}
	if price, err := svc.PriceFor(""); err == nil && price.Sign() > 0 {
		if payTo := payeeOf(svc); payTo != "" {
			req, err := p.payments.Quote(ctx, price, payTo, entry, svc.Name)
			if err != nil {
				p.log.Warn("info quote failed", zap.String("slug", slug), zap.Error(err))
			} else {
				info.Payment = req
			}
		}
	}
	return info, nil
}
