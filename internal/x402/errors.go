package x402

import (
	"errors"
	"fmt"
)

// ErrNonceReplay is returned by a NonceRepository when the authorization
// nonce has already been consumed.
var ErrNonceReplay = errors.New("payment proof replay")

// PaymentError represents a rejected payment.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodePaymentRequired    = "PAYMENT_REQUIRED"
	ErrCodeInvalidPayment     = "INVALID_PAYMENT"
	ErrCodeVerificationFailed = "VERIFICATION_FAILED"
	ErrCodeReplay             = "PAYMENT_REPLAY"
	ErrCodeSettlementFailed   = "SETTLEMENT_FAILED"
	ErrCodeInsufficientAmount = "INSUFFICIENT_AMOUNT"
	ErrCodeExpiredPayment     = "EXPIRED_PAYMENT"
	ErrCodeWrongRecipient     = "WRONG_RECIPIENT"
	ErrCodeInternal           = "INTERNAL"
)

func newPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Cause: cause}
}

// Code extracts the error code from a PaymentError anywhere in err's chain.
func Code(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
