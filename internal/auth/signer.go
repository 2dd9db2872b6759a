// Package auth authenticates provider wallets. A provider signs a small JSON
// credential with personal_sign and sends it in the X-Wallet-* headers; the
// gateway recovers the signing wallet and compares it with the claimed one.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	errSignatureLength = errors.New("signature must be 65 bytes")
	errRecoveryID      = errors.New("signature recovery id must be 0, 1, 27 or 28")
)

// CredentialDigest is the personal_sign digest a wallet produces for a
// credential message.
func CredentialDigest(msg []byte) []byte {
	return accounts.TextHash(msg)
}

// ParseSignature decodes a hex wallet signature, with or without 0x, and
// normalizes its recovery id to 0 or 1.
func ParseSignature(sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signature hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, errSignatureLength
	}
	switch v := sig[crypto.RecoveryIDOffset]; v {
	case 0, 1:
	case 27, 28:
		sig[crypto.RecoveryIDOffset] = v - 27
	default:
		return nil, errRecoveryID
	}
	return sig, nil
}

// CredentialSigner returns the wallet that signed msg.
func CredentialSigner(msg []byte, sigHex string) (common.Address, error) {
	sig, err := ParseSignature(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(CredentialDigest(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
