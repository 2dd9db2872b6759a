package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// demoPathPrefix marks upstreams served by the gateway process itself.
const demoPathPrefix = "/demo/"

type Bypass string

const (
	BypassNone  Bypass = ""
	BypassDemo  Bypass = "demo"
	BypassOwner Bypass = "owner"
)

// UpstreamValidator is satisfied by *netguard.Guard.
type UpstreamValidator interface {
	ValidateUpstream(ctx context.Context, raw string) error
}

// OwnerCheck authenticates the caller's provider credential for slug and
// returns the wallet address it proves. It returns an error when no valid
// credential scoped to slug is present.
type OwnerCheck func(ctx context.Context, slug string, h http.Header) (string, error)

// Resolution is an admitted service plus how it was admitted.
type Resolution struct {
	Service *Config
	Bypass  Bypass
	// Demo is true when the upstream is a same-process demo path; such
	// upstreams skip DNS screening and the pinned client.
	Demo bool
}

// NotAdmittedError discloses the status that blocked admission.
type NotAdmittedError struct {
	Status Status
}

func (e *NotAdmittedError) Error() string {
	return fmt.Sprintf("service is %s", e.Status)
}

func (e *NotAdmittedError) Unwrap() error { return ErrNotAdmitted }

// UpstreamError wraps a failed upstream screening.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "upstream rejected: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

type Resolver struct {
	repo       Repository
	upstream   UpstreamValidator
	owner      OwnerCheck
	publicURL  string
	production bool
	log        *zap.Logger
}

func NewResolver(repo Repository, upstream UpstreamValidator, owner OwnerCheck, publicURL string, production bool, log *zap.Logger) *Resolver {
	return &Resolver{
		repo:       repo,
		upstream:   upstream,
		owner:      owner,
		publicURL:  publicURL,
		production: production,
		log:        log,
	}
}

// ValidSlug reports whether slug is well-formed.
func ValidSlug(slug string) bool { return slugPattern.MatchString(slug) }

// Lookup fetches the service for slug without admission checks.
func (r *Resolver) Lookup(ctx context.Context, slug string) (*Config, error) {
	if !ValidSlug(slug) {
		return nil, ErrBadSlug
	}
	return r.repo.GetBySlug(ctx, slug)
}

// Resolve looks up slug, applies status gating and screens the upstream.
func (r *Resolver) Resolve(ctx context.Context, slug string, h http.Header) (Resolution, error) {
	svc, err := r.Lookup(ctx, slug)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{Service: svc, Demo: r.IsDemoUpstream(svc.UpstreamURL)}

	switch {
	case svc.Status == StatusVerified:
	case res.Demo:
		res.Bypass = BypassDemo
	case r.isOwner(ctx, svc, h):
		res.Bypass = BypassOwner
	default:
		return Resolution{}, &NotAdmittedError{Status: svc.Status}
	}

	if res.Demo {
		return res, nil
	}
	if err := r.upstream.ValidateUpstream(ctx, svc.UpstreamURL); err != nil {
		r.log.Warn("upstream screening failed", zap.String("slug", slug), zap.Error(err))
		return Resolution{}, &UpstreamError{Err: err}
	}
	return res, nil
}

func (r *Resolver) isOwner(ctx context.Context, svc *Config, h http.Header) bool {
	if r.owner == nil || svc.OwnerAddress == "" {
		return false
	}
	wallet, err := r.owner(ctx, svc.Slug, h)
	if err != nil {
		return false
	}
	ok := strings.EqualFold(wallet, svc.OwnerAddress)
	if ok {
		r.log.Info("owner bypass", zap.String("slug", svc.Slug), zap.String("wallet", wallet))
	}
	return ok
}

// IsDemoUpstream reports whether raw points at a same-process demo path on
// the gateway's own origin or on localhost. Always false in production.
func (r *Resolver) IsDemoUpstream(raw string) bool {
	if r.production {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if !strings.HasPrefix(u.EscapedPath()+"/", demoPathPrefix) || strings.Contains(u.Path, "..") {
		return false
	}
	if own, err := url.Parse(r.publicURL); err == nil && own.Host != "" &&
		strings.EqualFold(own.Scheme, u.Scheme) && strings.EqualFold(own.Host, u.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
