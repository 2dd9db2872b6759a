package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Wallet-Signature"

	// ContextWallet is the gin context key Middleware stores the wallet under.
	ContextWallet = "wallet_address"

	maxFutureWindow = 5 * time.Minute
	nonceKeyPrefix  = "auth:nonce:"
)

var (
	ErrMissing      = errors.New("missing auth headers")
	ErrMalformed    = errors.New("malformed signed message")
	ErrExpired      = errors.New("request expired")
	ErrTooFar       = errors.New("expires_at too far in future")
	ErrBadSignature = errors.New("invalid signature")
	ErrNonceUsed    = errors.New("nonce already used")
	ErrWrongScope   = errors.New("credential not valid for this resource")
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ResourceID string          `json:"resource_id"`
}

// Credential is a verified wallet signature.
type Credential struct {
	Wallet  common.Address
	Request SignedRequest
}

// Present reports whether h carries any wallet credential header.
func Present(h http.Header) bool {
	return h.Get(HeaderWallet) != "" || h.Get(HeaderSignature) != ""
}

// Authenticate validates the X-Wallet-* headers in h. The nonce is burned in
// Redis with SET NX for the remaining lifetime of the credential, so each
// credential authenticates at most one request.
func Authenticate(ctx context.Context, rdb *redis.Client, h http.Header) (Credential, error) {
	return authenticate(ctx, rdb, h, "", false)
}

// AuthenticateFor is Authenticate for a credential whose resource_id must
// equal resourceID. A credential signed for another resource fails with
// ErrWrongScope and its nonce stays unburned.
func AuthenticateFor(ctx context.Context, rdb *redis.Client, h http.Header, resourceID string) (Credential, error) {
	return authenticate(ctx, rdb, h, resourceID, true)
}

func authenticate(ctx context.Context, rdb *redis.Client, h http.Header, resourceID string, scoped bool) (Credential, error) {
	walletAddr := h.Get(HeaderWallet)
	signedMsgB64 := h.Get(HeaderMessage)
	sigHex := h.Get(HeaderSignature)
	if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
		return Credential{}, ErrMissing
	}
	if !common.IsHexAddress(walletAddr) {
		return Credential{}, fmt.Errorf("%w: wallet address", ErrMalformed)
	}

	msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: encoding", ErrMalformed)
	}
	var req SignedRequest
	if err := json.Unmarshal(msgBytes, &req); err != nil {
		return Credential{}, fmt.Errorf("%w: json", ErrMalformed)
	}
	if req.Nonce == "" {
		return Credential{}, fmt.Errorf("%w: nonce", ErrMalformed)
	}

	now := time.Now().Unix()
	if req.ExpiresAt <= now {
		return Credential{}, ErrExpired
	}
	if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
		return Credential{}, ErrTooFar
	}

	recovered, err := CredentialSigner(msgBytes, sigHex)
	if err != nil {
		return Credential{}, ErrBadSignature
	}
	if recovered != common.HexToAddress(walletAddr) {
		return Credential{}, ErrBadSignature
	}
	if scoped && req.ResourceID != resourceID {
		return Credential{}, ErrWrongScope
	}

	ttl := time.Duration(req.ExpiresAt-now) * time.Second
	set, err := rdb.SetNX(ctx, nonceKeyPrefix+strings.ToLower(recovered.Hex())+":"+req.Nonce, 1, ttl).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("nonce dedup: %w", err)
	}
	if !set {
		return Credential{}, ErrNonceUsed
	}

	return Credential{Wallet: recovered, Request: req}, nil
}

// Middleware aborts with 401 unless the request carries a valid credential.
// When resourceParam is non-empty the credential's resource_id must equal
// that route parameter.
func Middleware(rdb *redis.Client, resourceParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			cred Credential
			err  error
		)
		if resourceParam != "" {
			cred, err = AuthenticateFor(c.Request.Context(), rdb, c.Request.Header, c.Param(resourceParam))
		} else {
			cred, err = Authenticate(c.Request.Context(), rdb, c.Request.Header)
		}
		if err != nil {
			status := http.StatusUnauthorized
			msg := err.Error()
			if !isClientError(err) {
				status = http.StatusInternalServerError
				msg = "internal error"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}
		c.Set(ContextWallet, cred.Wallet.Hex())
		c.Next()
	}
}

func isClientError(err error) bool {
	for _, e := range []error{ErrMissing, ErrMalformed, ErrExpired, ErrTooFar, ErrBadSignature, ErrNonceUsed, ErrWrongScope} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
