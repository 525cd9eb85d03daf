package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/talos-foundation/tga/pkg/capability"
)

// runMint generates a development capability token, creating a keypair if
// none is supplied. Strictly a testing aid; production capabilities come
// from the Supervisor.
func runMint(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyPath := fs.String("key", "", "PEM-encoded Ed25519 private key (PKCS8); generated when empty")
	audience := fs.String("audience", "tga-1", "audience identity")
	subject := fs.String("subject", "dev-agent", "agent identity")
	tool := fs.String("tool", "fs.read", "tool name or single-segment wildcard")
	ttl := fs.Duration("ttl", time.Minute, "validity window")
	oneShot := fs.Bool("one-shot", true, "restrict to a single authorization")
	readOnly := fs.Bool("read-only", false, "require read-only requests")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	priv, err := loadOrGenerateKey(*keyPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "tga mint: %v\n", err)
		return 1
	}

	now := time.Now().UTC()
	constraints := map[string]any{"one_shot": *oneShot}
	if *readOnly {
		constraints["read_only"] = true
	}
	token, err := capability.Mint(priv, capability.Payload{
		CapabilityID: uuid.New().String(),
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(*ttl).Unix(),
		Audience:     *audience,
		Subject:      *subject,
		Tool:         *tool,
		Constraints:  constraints,
		Nonce:        uuid.New().String(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "tga mint: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func loadOrGenerateKey(path string, stderr io.Writer) (ed25519.PrivateKey, error) {
	if path == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("key generation: %w", err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("marshal public key: %w", err)
		}
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
		// The matching verifier key goes to stderr so the token alone
		// lands on stdout.
		fmt.Fprintf(stderr, "generated ephemeral keypair; public key:\n%s", pubPEM)
		return priv, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is %T, want Ed25519", path, key)
	}
	return priv, nil
}
