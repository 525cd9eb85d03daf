// Package capability parses and verifies Supervisor-minted capability
// tokens and evaluates their constraints against a concrete tool request.
package capability

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/talos-foundation/tga/pkg/canonicalize"
	"github.com/talos-foundation/tga/pkg/contracts"
)

// TokenType is the required typ header value.
const TokenType = "capability"

// AlgEd25519 is the only accepted alg header value. The name is matched
// byte-for-byte; "EdDSA" or any other spelling is rejected before signature
// verification is attempted.
const AlgEd25519 = "Ed25519"

// SigningMethodEd25519 adapts golang-jwt's EdDSA implementation to the
// strict "Ed25519" algorithm identifier of the token envelope.
var SigningMethodEd25519 = &strictEd25519{}

type strictEd25519 struct{}

func (m *strictEd25519) Alg() string { return AlgEd25519 }

func (m *strictEd25519) Verify(signingString string, sig []byte, key any) error {
	return jwt.SigningMethodEdDSA.Verify(signingString, sig, key)
}

func (m *strictEd25519) Sign(signingString string, key any) ([]byte, error) {
	return jwt.SigningMethodEdDSA.Sign(signingString, key)
}

func init() {
	jwt.RegisterSigningMethod(AlgEd25519, func() jwt.SigningMethod { return SigningMethodEd25519 })
}

// Payload is the claim set of a capability token.
type Payload struct {
	CapabilityID string         `json:"capability_id"`
	IssuedAt     int64          `json:"issued_at"`
	ExpiresAt    int64          `json:"expires_at"`
	Audience     string         `json:"audience"`
	Subject      string         `json:"subject"`
	Tool         string         `json:"tool"`
	Constraints  map[string]any `json:"constraints"`
	Nonce        string         `json:"nonce"`
}

// jwt.Claims implementation. Temporal validation is done by the verifier in
// its documented order, so the parser runs with claim validation disabled
// and these exist only to satisfy the interface.

func (p *Payload) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(unixTime(p.ExpiresAt)), nil
}
func (p *Payload) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(unixTime(p.IssuedAt)), nil
}
func (p *Payload) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (p *Payload) GetIssuer() (string, error)              { return "", nil }
func (p *Payload) GetSubject() (string, error)             { return p.Subject, nil }
func (p *Payload) GetAudience() (jwt.ClaimStrings, error) {
	return jwt.ClaimStrings{p.Audience}, nil
}

// header is the decoded first segment.
type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// parsed carries everything extracted from a structurally valid token,
// before signature verification.
type parsed struct {
	token          string
	payload        *Payload
	canonicalBytes []byte
	capabilityHash contracts.Hash
}

// parseToken checks the envelope structure and the header, decodes the
// payload, and computes the canonical payload hash. It performs no
// cryptography.
func parseToken(raw []byte) (*parsed, *contracts.Rejection) {
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return nil, &contracts.Rejection{Code: contracts.CodeMissingCredentials}
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"token must have three segments, has %d", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"header segment: %v", err)
	}
	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"header: %v", err)
	}
	if h.Alg != AlgEd25519 {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"alg %q is not %s", h.Alg, AlgEd25519)
	}
	if h.Typ != TokenType {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"typ %q is not %s", h.Typ, TokenType)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"payload segment: %v", err)
	}

	var p Payload
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"payload: %v", err)
	}
	if p.CapabilityID == "" || p.Nonce == "" || p.Tool == "" {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"payload missing capability_id, nonce, or tool")
	}

	// The hash binds the capability by content, not by wire bytes: decode
	// the payload into generic form and canonicalize it.
	generic, err := decodeGeneric(payloadJSON)
	if err != nil {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"payload: %v", err)
	}
	canonical, err := canonicalize.Canonicalize(generic)
	if err != nil {
		if r, ok := contracts.AsRejection(err); ok {
			return nil, r
		}
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
			"payload canonicalization: %v", err)
	}

	return &parsed{
		token:          token,
		payload:        &p,
		canonicalBytes: canonical,
		capabilityHash: contracts.HashBytes(canonical),
	}, nil
}

// verifySignature runs the cryptographic check via golang-jwt. The parser
// restricts valid methods to the strict Ed25519 registration; claim
// validation stays off because the verifier applies the ordered checks
// itself.
func verifySignature(token string, pub ed25519.PublicKey) *contracts.Rejection {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{AlgEd25519}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(token, &Payload{}, func(t *jwt.Token) (any, error) {
		return pub, nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed, "%v", err)
	}
	return contracts.Reject(contracts.CodeUnauthorized, contracts.SubBadSignature, "%v", err)
}

func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// Mint builds a signed capability token. The payload segment carries the
// canonical serialization so independent verifiers derive identical
// capability hashes from the wire bytes alone. Development and test helper;
// production minting belongs to the Supervisor.
func Mint(priv ed25519.PrivateKey, p Payload) (string, error) {
	headerJSON, err := canonicalize.Canonicalize(map[string]any{
		"alg": AlgEd25519,
		"typ": TokenType,
	})
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(&p)
	if err != nil {
		return "", fmt.Errorf("capability: marshal payload: %w", err)
	}
	generic, err := decodeGeneric(raw)
	if err != nil {
		return "", fmt.Errorf("capability: payload: %w", err)
	}
	payloadCanonical, err := canonicalize.Canonicalize(generic)
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadCanonical)
	sig, err := SigningMethodEd25519.Sign(signingInput, priv)
	if err != nil {
		return "", fmt.Errorf("capability: sign: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// decodeGeneric decodes JSON preserving integer fidelity via json.Number.
func decodeGeneric(raw []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
