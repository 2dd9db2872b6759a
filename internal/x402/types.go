// Package x402 implements the pay-per-call challenge, verification and
// settlement flow in front of proxied services.
package x402

import "encoding/json"

const (
	Version     = 1
	SchemeExact = "exact"

	// Proof headers accepted from callers, in lookup order.
	HeaderPayment          = "X-PAYMENT"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	// HeaderPaymentResponse carries the base64 settlement receipt back.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Requirements describes what payment is required for a resource.
type Requirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"` // CAIP-2: "eip155:8453"
	ChainID           int64          `json:"chainId"`
	MaxAmountRequired string         `json:"maxAmountRequired"` // atomic units
	Resource          string         `json:"resource"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentPayload is the decoded proof a caller attaches to a paid request.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     EVMPayload    `json:"payload"`
	Accepted    *Requirements `json:"accepted,omitempty"`
}

// EVMPayload carries an EIP-3009 transferWithAuthorization and its signature.
type EVMPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// Authorization contains the EIP-3009 authorization parameters. The time
// bounds are accepted as JSON numbers or numeric strings.
type Authorization struct {
	From        string      `json:"from"`
	To          string      `json:"to"`
	Value       string      `json:"value"`
	ValidAfter  json.Number `json:"validAfter"`
	ValidBefore json.Number `json:"validBefore"`
	Nonce       string      `json:"nonce"`
}

// FacilitatorRequest is the body of both /verify and /settle.
type FacilitatorRequest struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      *PaymentPayload `json:"paymentPayload"`
	PaymentRequirements *Requirements   `json:"paymentRequirements"`
}

type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// PaymentResponse is sent base64-encoded in X-PAYMENT-RESPONSE.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Recommendation tells an agent how to retry a challenged call.
type Recommendation struct {
	Action string `json:"action"`
	Header string `json:"header"`
	Scheme string `json:"scheme"`
	Trust  any    `json:"trust,omitempty"`
}

// ChallengeResponse is the 402 response body.
type ChallengeResponse struct {
	X402Version    int            `json:"x402Version"`
	Error          string         `json:"error"`
	Message        string         `json:"message"`
	Requirements   *Requirements  `json:"requirements"`
	Accepts        []Requirements `json:"accepts"`
	Recommendation Recommendation `json:"recommendation"`
}

// Receipt is the outcome of a settled payment.
type Receipt struct {
	Payer       string
	Transaction string
	Network     string
	Amount      string
	Nonce       string
	// Header is the encoded X-PAYMENT-RESPONSE value.
	Header string
}
