package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/highstation/gatekeeper/internal/netguard"
	"github.com/highstation/gatekeeper/internal/proxy"
	"github.com/highstation/gatekeeper/internal/service"
	"github.com/highstation/gatekeeper/internal/x402"
)

const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeNotFound        = "NOT_FOUND"
	CodeForbidden       = "FORBIDDEN"
	CodePaymentRequired = "PAYMENT_REQUIRED"
	CodeBadGateway      = "BAD_GATEWAY"
	CodeInternal        = "INTERNAL"
)

// StageError is a terminal pipeline failure.
type StageError struct {
	Status  int
	Code    string
	Message string
	Cause   error
	// Detail is extra JSON merged into the response body.
	Detail gin.H
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StageError) Unwrap() error { return e.Cause }

func stageError(status int, code, message string, cause error) *StageError {
	return &StageError{Status: status, Code: code, Message: message, Cause: cause}
}

// Reason is the short label written to the request log.
func (e *StageError) Reason() string {
	if code := x402.Code(e.Cause); code != "" {
		return code
	}
	return e.Code
}

func (e *StageError) body() gin.H {
	h := gin.H{"error": e.Code, "message": e.Message}
	for k, v := range e.Detail {
		h[k] = v
	}
	return h
}

func abort(c *gin.Context, e *StageError) {
	c.AbortWithStatusJSON(e.Status, e.body())
}

// resolveError maps service resolution failures.
func resolveError(err error) *StageError {
	var na *service.NotAdmittedError
	var ue *service.UpstreamError
	switch {
	case errors.Is(err, service.ErrBadSlug):
		return stageError(http.StatusBadRequest, CodeBadRequest, "invalid service slug", err)
	case service.IsNotFound(err):
		return stageError(http.StatusNotFound, CodeNotFound, "service not found", err)
	case errors.As(err, &na):
		e := stageError(http.StatusForbidden, CodeForbidden, fmt.Sprintf("service is %s", na.Status), err)
		e.Detail = gin.H{"status": na.Status}
		return e
	case errors.As(err, &ue) && errors.Is(err, netguard.ErrInvalidURL):
		return stageError(http.StatusBadRequest, CodeBadRequest, "invalid upstream url", err)
	case errors.As(err, &ue):
		return stageError(http.StatusBadGateway, CodeBadGateway, "upstream rejected", err)
	default:
		return stageError(http.StatusInternalServerError, CodeInternal, "internal error", err)
	}
}

// paymentError maps a failed settlement. Every proof failure is a 403;
// only internal faults surface as 500.
func paymentError(err error) *StageError {
	var pe *x402.PaymentError
	if !errors.As(err, &pe) {
		return stageError(http.StatusInternalServerError, CodeInternal, "internal error", err)
	}
	if pe.Code == x402.ErrCodeInternal {
		return stageError(http.StatusInternalServerError, CodeInternal, "internal error", err)
	}
	e := stageError(http.StatusForbidden, CodeForbidden, pe.Message, err)
	e.Detail = gin.H{"reason": pe.Code}
	return e
}

// forwardError maps a failed upstream call.
func forwardError(err error) *StageError {
	var ue *proxy.UpstreamError
	if errors.As(err, &ue) {
		msg := "upstream request failed"
		if errors.Is(err, netguard.ErrBlocked) {
			msg = "upstream address blocked"
		}
		return stageError(http.StatusBadGateway, CodeBadGateway, msg, err)
	}
	return stageError(http.StatusInternalServerError, CodeInternal, "internal error", err)
}
