package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/highstation/gatekeeper/internal/auth"
	"github.com/highstation/gatekeeper/internal/domainverify"
	"github.com/highstation/gatekeeper/internal/service"
)

// DomainVerifier is satisfied by *domainverify.Verifier.
type DomainVerifier interface {
	Start(ctx context.Context, svc *service.Config) (*domainverify.Instructions, error)
	Check(ctx context.Context, svc *service.Config, method domainverify.Method) error
}

// ProviderAPI lets a service owner prove control of its upstream domain.
type ProviderAPI struct {
	resolver Resolver
	verifier DomainVerifier
	log      *zap.Logger
}

func NewProviderAPI(resolver Resolver, verifier DomainVerifier, log *zap.Logger) *ProviderAPI {
	return &ProviderAPI{resolver: resolver, verifier: verifier, log: log}
}

// Register mounts the routes; authMiddleware should already be applied to
// the group.
func (a *ProviderAPI) Register(rg gin.IRoutes) {
	rg.POST("/services/:slug/verification", a.withOwner(a.handleStart))
	rg.POST("/services/:slug/verification/check", a.withOwner(a.handleCheck))
}

// withOwner loads the service and requires the authenticated wallet to own it.
func (a *ProviderAPI) withOwner(next func(*gin.Context, *service.Config)) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, err := a.resolver.Lookup(c.Request.Context(), c.Param("slug"))
		if err != nil {
			abort(c, resolveError(err))
			return
		}
		wallet := c.GetString(auth.ContextWallet)
		if wallet == "" || !strings.EqualFold(wallet, svc.OwnerAddress) {
			abort(c, stageError(http.StatusForbidden, CodeForbidden, "not the service owner", nil))
			return
		}
		next(c, svc)
	}
}

func (a *ProviderAPI) handleStart(c *gin.Context, svc *service.Config) {
	ins, err := a.verifier.Start(c.Request.Context(), svc)
	if err != nil {
		a.log.Error("issue verification token", zap.String("slug", svc.Slug), zap.Error(err))
		abort(c, stageError(http.StatusInternalServerError, CodeInternal, "internal error", err))
		return
	}
	c.JSON(http.StatusOK, ins)
}

func (a *ProviderAPI) handleCheck(c *gin.Context, svc *service.Config) {
	var body struct {
		Method string `json:"method"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, stageError(http.StatusBadRequest, CodeBadRequest, "invalid request body", err))
		return
	}

	err := a.verifier.Check(c.Request.Context(), svc, domainverify.Method(strings.ToLower(body.Method)))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"verified": true, "slug": svc.Slug})
	case errors.Is(err, domainverify.ErrUnknownMethod), errors.Is(err, domainverify.ErrNoToken):
		abort(c, stageError(http.StatusBadRequest, CodeBadRequest, err.Error(), err))
	case errors.Is(err, domainverify.ErrNotProven):
		se := stageError(http.StatusForbidden, CodeForbidden, err.Error(), err)
		se.Detail = gin.H{"verified": false}
		abort(c, se)
	case errors.Is(err, service.ErrNotAdmitted):
		abort(c, resolveError(err))
	default:
		a.log.Error("verification check", zap.String("slug", svc.Slug), zap.Error(err))
		abort(c, stageError(http.StatusInternalServerError, CodeInternal, "internal error", err))
	}
}
