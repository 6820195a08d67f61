// Command bridgectl is a development helper: it generates signer keys, issues
// admin tokens and signs delivery proofs for the asset bridge API.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/AssetBridge/internal/auth"
	"github.com/ILLUVRSE/AssetBridge/internal/canonical"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/signing"
	"github.com/ILLUVRSE/AssetBridge/internal/verifier"
)

const usage = `usage: bridgectl <command> [flags]

commands:
  keygen      print a new Ed25519 keypair (base64)
  token       print an HS256 admin token
  sign-proof  sign delivery facts (JSON on stdin) and print the proof
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Stdout)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "sign-proof":
		err = runSignProof(os.Args[2:], os.Stdin, os.Stdout)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type keyPair struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

func runKeygen(out io.Writer) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	return writeJSON(out, keyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	})
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("BRIDGE_JWT_HS256_SECRET"), "HS256 secret")
	subject := fs.String("sub", "dev@localhost", "token subject")
	roles := fs.String("roles", strings.Join([]string{auth.RoleOperator, auth.RoleAuditor}, ","), "comma separated roles")
	audience := fs.String("aud", "asset-bridge", "audience")
	issuer := fs.String("iss", "", "issuer")
	ttl := fs.Duration("ttl", time.Hour, "lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tok, err := issueToken([]byte(*secret), *subject, *issuer, *audience, strings.Split(*roles, ","), *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}

func issueToken(secret []byte, subject, issuer, audience string, roles []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret required")
	}
	now := time.Now()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func runSignProof(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("sign-proof", flag.ContinueOnError)
	key := fs.String("key", "", "signer private key (base64 seed or full key)")
	signerID := fs.String("signer", "", "registered signer id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var facts models.DeliveryFacts
	if err := json.NewDecoder(in).Decode(&facts); err != nil {
		return fmt.Errorf("read facts: %w", err)
	}
	proof, err := signProof(context.Background(), *key, *signerID, facts)
	if err != nil {
		return err
	}
	return writeJSON(out, proof)
}

func signProof(ctx context.Context, keyB64, signerID string, facts models.DeliveryFacts) (verifier.Proof, error) {
	if signerID == "" {
		return verifier.Proof{}, errors.New("signer id required")
	}
	signer, err := signing.NewEd25519SignerFromB64(keyB64, signerID)
	if err != nil {
		return verifier.Proof{}, err
	}
	hash, err := canonical.DomainHash(verifier.FactsDomain, facts)
	if err != nil {
		return verifier.Proof{}, err
	}
	sig, err := signer.Sign(ctx, hash)
	if err != nil {
		return verifier.Proof{}, err
	}
	hashHex, err := verifier.FactsHash(facts)
	if err != nil {
		return verifier.Proof{}, err
	}
	return verifier.Proof{
		Facts:     facts,
		FactsHash: hashHex,
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignerID:  signerID,
	}, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
