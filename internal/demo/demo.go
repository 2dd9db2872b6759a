// Package demo is a small upstream served by the gateway process itself so
// the full pay-and-verify flow can be exercised without a real provider.
package demo

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/highstation/gatekeeper/internal/openseal"
)

const maxEchoBytes = 64 << 10

// PriceSource is satisfied by the chain oracles.
type PriceSource interface {
	Price(ctx context.Context) (*big.Rat, error)
}

// Signer seals demo responses. A nil *Signer leaves responses unsealed.
type Signer struct {
	key      ed25519.PrivateKey
	rootHash string
}

// NewSigner parses a hex ed25519 seed (32 bytes) or private key (64 bytes).
// Empty inputs yield a nil signer.
func NewSigner(keyHex, rootHash string) (*Signer, error) {
	if keyHex == "" && rootHash == "" {
		return nil, nil
	}
	key, err := openseal.ParsePrivateKey(keyHex)
	if err != nil {
		return nil, fmt.Errorf("demo key: %w", err)
	}
	if _, err := openseal.ComputeAHash(rootHash, strings.Repeat("00", openseal.WaxBytes)); err != nil {
		return nil, fmt.Errorf("demo root hash: %w", err)
	}
	return &Signer{key: key, rootHash: rootHash}, nil
}

// PublicKey returns the hex public key providers would publish.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

type Handler struct {
	signer *Signer
	prices PriceSource
	symbol string
	log    *zap.Logger
	now    func() time.Time
}

func NewHandler(signer *Signer, prices PriceSource, symbol string, log *zap.Logger) *Handler {
	return &Handler{signer: signer, prices: prices, symbol: symbol, log: log, now: time.Now}
}

// Register mounts /demo/* as a single catch-all so sub-paths appended by
// the forwarder never collide with the static routes.
func (h *Handler) Register(r gin.IRoutes) {
	r.Any("/demo/*rest", h.handleCatchAll)
}

func (h *Handler) handleCatchAll(c *gin.Context) {
	rest := c.Param("rest")
	name, _, _ := strings.Cut(strings.TrimPrefix(rest, "/"), "/")

	switch {
	case name == "echo" && (c.Request.Method == http.MethodGet || c.Request.Method == http.MethodPost):
		h.handleEcho(c)
	case name == "quote" && c.Request.Method == http.MethodGet:
		h.handleQuote(c)
	default:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	}
}

// ── Echo ──────────────────────────────────────────────────────────────────────

func (h *Handler) handleEcho(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEchoBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	out := map[string]any{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"query":   c.Request.URL.RawQuery,
		"service": c.GetHeader("X-Service-Name"),
	}
	if len(body) > 0 {
		if json.Valid(body) {
			out["body"] = json.RawMessage(body)
		} else {
			out["body"] = string(body)
		}
	}
	h.respond(c, out, body)
}

// ── Quote ─────────────────────────────────────────────────────────────────────

func (h *Handler) handleQuote(c *gin.Context) {
	price, err := h.prices.Price(c.Request.Context())
	if err != nil {
		h.log.Warn("demo quote failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "price unavailable"})
		return
	}
	h.respond(c, map[string]any{
		"symbol":    h.symbol,
		"price_usd": price.FloatString(8),
		"source":    "gatekeeper-demo",
		"timestamp": h.now().UTC().Unix(),
	}, nil)
}

// respond writes v as JSON and, when a signer is configured and the caller
// sent a wax, attaches a seal covering the exact bytes written.
func (h *Handler) respond(c *gin.Context, v any, input []byte) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "encode response"})
		return
	}
	if wax := c.GetHeader(openseal.HeaderWax); wax != "" && h.signer != nil {
		seal, err := h.signer.seal(wax, payload, input)
		if err != nil {
			h.log.Warn("demo seal failed", zap.Error(err))
		} else {
			c.Header(openseal.HeaderSeal, seal)
		}
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Signer) seal(wax string, result, input []byte) (string, error) {
	if s == nil {
		return "", errors.New("no signer")
	}
	bHash := blake3.Sum256(input)
	seal, err := openseal.Sign(s.key, s.rootHash, wax, result, hex.EncodeToString(bHash[:]))
	if err != nil {
		return "", err
	}
	enc, err := json.Marshal(seal)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}
