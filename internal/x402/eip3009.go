package x402

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	transferTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// TokenDomain identifies the EIP-3009 token contract a payment is drawn on.
type TokenDomain struct {
	Name    string
	Version string
	ChainID *big.Int
	Asset   common.Address
}

func (d TokenDomain) separator() [32]byte {
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	d.ChainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.Asset.Bytes())
	return crypto.Keccak256Hash(encoded)
}

// parsedAuthorization is an Authorization with every field decoded.
type parsedAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

func parseUint(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%s: not a uint256: %q", name, s)
	}
	return v, nil
}

func (a *Authorization) parse() (*parsedAuthorization, error) {
	if a == nil {
		return nil, errors.New("missing authorization")
	}
	if !common.IsHexAddress(a.From) || !common.IsHexAddress(a.To) {
		return nil, errors.New("authorization from/to must be addresses")
	}
	p := &parsedAuthorization{From: common.HexToAddress(a.From), To: common.HexToAddress(a.To)}
	var err error
	if p.Value, err = parseUint("value", a.Value); err != nil {
		return nil, err
	}
	if p.ValidAfter, err = parseUint("validAfter", a.ValidAfter.String()); err != nil {
		return nil, err
	}
	if p.ValidBefore, err = parseUint("validBefore", a.ValidBefore.String()); err != nil {
		return nil, err
	}
	nonce, err := hexutil.Decode(a.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, errors.New("nonce must be 0x-prefixed bytes32")
	}
	copy(p.Nonce[:], nonce)
	return p, nil
}

func (p *parsedAuthorization) digest(d TokenDomain) [32]byte {
	// structHash = keccak256(typeHash || abi.encode(fields))
	encoded := make([]byte, 7*32)
	copy(encoded[0:32], transferTypeHash[:])
	copy(encoded[44:64], p.From.Bytes())
	copy(encoded[76:96], p.To.Bytes())
	p.Value.FillBytes(encoded[96:128])
	p.ValidAfter.FillBytes(encoded[128:160])
	p.ValidBefore.FillBytes(encoded[160:192])
	copy(encoded[192:224], p.Nonce[:])
	structHash := crypto.Keccak256Hash(encoded)

	sep := d.separator()
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// RecoverAuthorizer returns the address that signed auth under d.
func RecoverAuthorizer(auth *Authorization, sigHex string, d TokenDomain) (common.Address, error) {
	p, err := auth.parse()
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("signature must be 65 hex bytes")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := p.digest(d)
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignAuthorization signs auth with key, returning a 0x hex signature with
// V in {27,28}.
func SignAuthorization(auth *Authorization, key *ecdsa.PrivateKey, d TokenDomain) (string, error) {
	p, err := auth.parse()
	if err != nil {
		return "", err
	}
	digest := p.digest(d)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
