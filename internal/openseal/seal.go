// Package openseal implements the OpenSeal integrity challenge-response.
//
// The gateway sends a fresh wax with every request. A sealed upstream
// answers with a blinded identity a_hash = BLAKE3(domain || root || wax),
// an opaque b_hash, and an Ed25519 signature over
// wax || a_hash || b_hash || BLAKE3(result). The gateway recomputes a_hash
// from the root hash the provider registered, so the root hash itself never
// crosses the wire and a captured seal is useless for any other wax.
package openseal

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// HeaderWax carries the challenge from gateway to upstream.
	HeaderWax = "X-OpenSeal-Wax"
	// HeaderSeal carries the JSON seal from upstream to gateway.
	HeaderSeal = "X-OpenSeal-Seal"

	blindedIdentityDomain = "OPENSEAL_BLINDED_IDENTITY"

	// WaxBytes is the size of a freshly generated wax.
	WaxBytes = 32
	// minWaxBytes is the smallest wax the gateway accepts back.
	minWaxBytes   = 16
	rootHashBytes = 32
)

// Seal is the upstream's attestation for a single response.
type Seal struct {
	Signature string `json:"signature"`
	PubKey    string `json:"pub_key"`
	AHash     string `json:"a_hash"`
	BHash     string `json:"b_hash"`
}

// Result is the outcome of Verify. The three flags are independent:
// SignatureVerified is the pure cryptographic check, IdentityVerified is the
// a_hash comparison, and Valid requires both.
type Result struct {
	Valid             bool   `json:"valid"`
	SignatureVerified bool   `json:"signature_verified"`
	IdentityVerified  bool   `json:"identity_verified"`
	Message           string `json:"message"`
}

// NewWax returns WaxBytes of randomness, hex encoded.
func NewWax() (string, error) {
	b := make([]byte, WaxBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate wax: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func decodeHex(name, s string, minLen, exactLen int) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%s: malformed hex: %w", name, err)
	}
	if exactLen > 0 && len(b) != exactLen {
		return nil, fmt.Errorf("%s: expected %d bytes, got %d", name, exactLen, len(b))
	}
	if len(b) < minLen {
		return nil, fmt.Errorf("%s: expected at least %d bytes, got %d", name, minLen, len(b))
	}
	return b, nil
}

// ComputeAHash derives the blinded identity for rootHash under wax. Both
// inputs are hex; the result is lowercase hex.
func ComputeAHash(rootHash, wax string) (string, error) {
	root, err := decodeHex("root hash", rootHash, 0, rootHashBytes)
	if err != nil {
		return "", err
	}
	w, err := decodeHex("wax", wax, minWaxBytes, 0)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	h.Write([]byte(blindedIdentityDomain)) //nolint:errcheck
	h.Write(root)                          //nolint:errcheck
	h.Write(w)                             //nolint:errcheck
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalBytes returns the bytes that are hashed for a result value.
// A JSON string contributes its UTF-8 content; anything else is re-encoded
// as compact JSON with object keys sorted and no HTML escaping.
func CanonicalBytes(result json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 {
		return nil, errors.New("result is empty")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("decode string result: %w", err)
		}
		return []byte(s), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ResultHash is BLAKE3(CanonicalBytes(result)) in hex.
func ResultHash(result json.RawMessage) (string, error) {
	b, err := CanonicalBytes(result)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SigningPayload is the exact text the upstream signs.
func SigningPayload(wax, aHash, bHash, resultHashHex string) []byte {
	return []byte(wax + aHash + bHash + resultHashHex)
}

// Sign produces a seal for result. It is the provider-side half of the
// protocol and is used by the demo upstream and the openseal CLI.
func Sign(priv ed25519.PrivateKey, rootHash, wax string, result json.RawMessage, bHash string) (Seal, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Seal{}, errors.New("invalid ed25519 private key")
	}
	aHash, err := ComputeAHash(rootHash, wax)
	if err != nil {
		return Seal{}, err
	}
	rh, err := ResultHash(result)
	if err != nil {
		return Seal{}, err
	}
	sig := ed25519.Sign(priv, SigningPayload(wax, aHash, bHash, rh))
	return Seal{
		Signature: hex.EncodeToString(sig),
		PubKey:    hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		AHash:     aHash,
		BHash:     bHash,
	}, nil
}

// ParsePrivateKey accepts a hex ed25519 seed (32 bytes) or full private key
// (64 bytes), with or without a 0x prefix.
func ParsePrivateKey(keyHex string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key: want %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// ParseSeal decodes the JSON carried in the X-OpenSeal-Seal header.
func ParseSeal(raw string) (Seal, error) {
	var s Seal
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Seal{}, fmt.Errorf("decode seal: %w", err)
	}
	return s, nil
}

// Verify checks seal against the wax the gateway issued and the root hash
// the provider registered. It never returns an error: every failure is
// reported through Result with a descriptive message.
func Verify(wax, rootHash string, result json.RawMessage, seal Seal) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Message: fmt.Sprintf("verification panic: %v", r)}
		}
	}()

	switch {
	case wax == "":
		return Result{Message: "missing wax"}
	case seal.Signature == "":
		return Result{Message: "seal missing signature"}
	case seal.PubKey == "":
		return Result{Message: "seal missing pub_key"}
	case seal.AHash == "":
		return Result{Message: "seal missing a_hash"}
	case seal.BHash == "":
		return Result{Message: "seal missing b_hash"}
	case len(bytes.TrimSpace(result)) == 0:
		return Result{Message: "missing result"}
	}

	pub, err := decodeHex("pub_key", seal.PubKey, 0, ed25519.PublicKeySize)
	if err != nil {
		return Result{Message: err.Error()}
	}
	sig, err := decodeHex("signature", seal.Signature, 0, ed25519.SignatureSize)
	if err != nil {
		return Result{Message: err.Error()}
	}
	if _, err := decodeHex("a_hash", seal.AHash, 0, 32); err != nil {
		return Result{Message: err.Error()}
	}
	rh, err := ResultHash(result)
	if err != nil {
		return Result{Message: err.Error()}
	}

	res.SignatureVerified = ed25519.Verify(ed25519.PublicKey(pub), SigningPayload(wax, seal.AHash, seal.BHash, rh), sig)

	if rootHash == "" {
		res.Message = "no registered root hash; identity not checked"
		return res
	}
	expected, err := ComputeAHash(rootHash, wax)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.IdentityVerified = strings.EqualFold(expected, strings.TrimPrefix(seal.AHash, "0x"))
	res.Valid = res.SignatureVerified && res.IdentityVerified

	switch {
	case res.Valid:
		res.Message = "seal verified"
	case !res.SignatureVerified && !res.IdentityVerified:
		res.Message = "signature invalid and identity mismatch"
	case !res.SignatureVerified:
		res.Message = "signature invalid"
	default:
		res.Message = "identity mismatch: a_hash does not match registered root hash"
	}
	return res
}
