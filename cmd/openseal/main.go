// Command openseal is the provider-side helper for OpenSeal: it generates
// signing keys, computes a build's root hash and seals or verifies a
// response offline.
//
//	openseal keygen
//	openseal roothash ./dist
//	openseal ahash --root <hex> --wax <hex>
//	openseal sign --key <hex> --root <hex> --wax <hex> [--b-hash <hex>] < result.json
//	openseal verify --root <hex> --wax <hex> --seal '<json>' < result.json
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"

	"github.com/highstation/gatekeeper/internal/openseal"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "openseal:", err)
		os.Exit(1)
	}
}

const usage = "usage: openseal keygen|roothash|ahash|sign|verify [flags]"

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "keygen":
		return keygen(stdout)
	case "roothash":
		if len(args) != 1 {
			return errors.New("usage: openseal roothash <dir>")
		}
		root, err := openseal.RootHashDir(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, root)
		return nil
	case "ahash":
		return ahash(args, stdout)
	case "sign":
		return sign(args, stdin, stdout)
	case "verify":
		return verify(args, stdin, stdout)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

// ── keygen ────────────────────────────────────────────────────────────────────

func keygen(stdout io.Writer) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	return json.NewEncoder(stdout).Encode(map[string]string{
		"seed":       hex.EncodeToString(priv.Seed()),
		"public_key": hex.EncodeToString(pub),
	})
}

// ── ahash ─────────────────────────────────────────────────────────────────────

func ahash(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("ahash", pflag.ContinueOnError)
	root := fs.String("root", "", "root hash (hex, 32 bytes)")
	wax := fs.String("wax", "", "wax issued by the gateway (hex)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openseal.ComputeAHash(*root, *wax)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, a)
	return nil
}

// ── sign / verify ─────────────────────────────────────────────────────────────

func readResult(stdin io.Reader) (json.RawMessage, error) {
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	if !json.Valid(b) {
		return nil, errors.New("result on stdin is not JSON")
	}
	return b, nil
}

func sign(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := pflag.NewFlagSet("sign", pflag.ContinueOnError)
	keyHex := fs.String("key", os.Getenv("OPENSEAL_PRIVATE_KEY"), "ed25519 seed or private key (hex)")
	root := fs.String("root", "", "root hash (hex, 32 bytes)")
	wax := fs.String("wax", "", "wax issued by the gateway (hex)")
	bHash := fs.String("b-hash", "", "input digest; defaults to blake3 of the empty input")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := openseal.ParsePrivateKey(*keyHex)
	if err != nil {
		return err
	}
	result, err := readResult(stdin)
	if err != nil {
		return err
	}
	if *bHash == "" {
		sum := blake3.Sum256(nil)
		*bHash = hex.EncodeToString(sum[:])
	}
	seal, err := openseal.Sign(key, *root, *wax, result, *bHash)
	if err != nil {
		return err
	}
	return json.NewEncoder(stdout).Encode(seal)
}

func verify(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	root := fs.String("root", "", "registered root hash (hex)")
	wax := fs.String("wax", "", "wax issued by the gateway (hex)")
	rawSeal := fs.String("seal", "", "seal JSON as returned in "+openseal.HeaderSeal)
	if err := fs.Parse(args); err != nil {
		return err
	}
	seal, err := openseal.ParseSeal(*rawSeal)
	if err != nil {
		return err
	}
	result, err := readResult(stdin)
	if err != nil {
		return err
	}
	res := openseal.Verify(*wax, *root, result, seal)
	if err := json.NewEncoder(stdout).Encode(res); err != nil {
		return err
	}
	if !res.Valid {
		return errors.New(res.Message)
	}
	return nil
}
