package gateway

import (
	"time"

	"github.com/highstation/gatekeeper/internal/reputation"
	"github.com/highstation/gatekeeper/internal/service"
	"github.com/highstation/gatekeeper/internal/x402"
)

// RequestContext accumulates what each stage learns about one call. It is
// passed by value; the with methods return updated copies.
type RequestContext struct {
	RequestID string
	Slug      string
	Method    string
	Path      string
	// SubPath is the escaped remainder forwarded upstream; PricePath is its
	// decoded form used for endpoint pricing.
	SubPath   string
	PricePath string
	RawQuery  string
	StartedAt time.Time

	Service     *service.Config
	Bypass      service.Bypass
	Demo        bool
	Trust       reputation.Signal
	Requirement *x402.Requirements
	Receipt     *x402.Receipt
}

func (rc RequestContext) withResolution(res service.Resolution) RequestContext {
	rc.Service = res.Service
	rc.Bypass = res.Bypass
	rc.Demo = res.Demo
	return rc
}

func (rc RequestContext) withTrust(sig reputation.Signal) RequestContext {
	rc.Trust = sig
	return rc
}

func (rc RequestContext) withRequirement(req *x402.Requirements) RequestContext {
	rc.Requirement = req
	return rc
}

func (rc RequestContext) withReceipt(r *x402.Receipt) RequestContext {
	rc.Receipt = r
	return rc
}

// AmountUnits is the quoted amount, or "" for free calls.
func (rc RequestContext) AmountUnits() string {
	if rc.Requirement == nil {
		return ""
	}
	return rc.Requirement.MaxAmountRequired
}

func (rc RequestContext) TxHash() string {
	if rc.Receipt == nil {
		return ""
	}
	return rc.Receipt.Transaction
}

func (rc RequestContext) Payer() string {
	if rc.Receipt == nil {
		return ""
	}
	return rc.Receipt.Payer
}

func (rc RequestContext) Owner() string {
	if rc.Service == nil {
		return ""
	}
	return rc.Service.OwnerAddress
}
