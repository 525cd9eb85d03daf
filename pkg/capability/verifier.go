package capability

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/talos-foundation/tga/pkg/canonicalize"
	"github.com/talos-foundation/tga/pkg/contracts"
)

// DefaultClockSkew tolerates minor clock drift between the Supervisor and
// the agent on the issued_at bound.
const DefaultClockSkew = 5 * time.Second

// Request is the tool invocation a capability is checked against.
type Request struct {
	Tool     string
	Input    map[string]any
	ReadOnly bool // caller marks the request as read-only
}

// Verified is the result of a successful verification: the canonical
// payload, its hash, the typed constraints, and the canonical form of the
// request input (computed once here, reused by the state machine).
type Verified struct {
	Payload        *Payload
	CanonicalBytes []byte
	CapabilityHash contracts.Hash
	Constraints    Constraints
	CanonicalInput []byte
	InputHash      contracts.Hash
}

// ReplayChecker answers whether a capability hash already authorized a
// transition. Backed by the state store's log index.
type ReplayChecker interface {
	CapabilityAuthorized(ctx context.Context, h contracts.Hash) (bool, error)
}

// Config is the explicit verifier configuration, constructed once at
// startup. There is no process-wide key slot.
type Config struct {
	PublicKey ed25519.PublicKey
	Audience  string // the agent's configured identity
	ClockSkew time.Duration
}

// Verifier verifies capability tokens against the Supervisor key and a
// request context. Verification is a pure function of (token, request, key,
// now) except for the replay index and the in-memory nonce set.
type Verifier struct {
	cfg    Config
	replay ReplayChecker
	env    *cel.Env
	clock  func() time.Time

	mu     sync.Mutex
	nonces map[string]int64 // nonce → expiry (unix seconds)
}

// NewVerifier builds a verifier. replay may not be nil; without the log
// index, one-shot enforcement is impossible and startup must fail instead.
func NewVerifier(cfg Config, replay ReplayChecker) (*Verifier, error) {
	if len(cfg.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("capability: supervisor public key has size %d, want %d",
			len(cfg.PublicKey), ed25519.PublicKeySize)
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("capability: audience identity is required")
	}
	if replay == nil {
		return nil, fmt.Errorf("capability: replay checker is required")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	env, err := cel.NewEnv(cel.Variable("input", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("capability: cel environment: %w", err)
	}
	return &Verifier{
		cfg:    cfg,
		replay: replay,
		env:    env,
		clock:  time.Now,
		nonces: make(map[string]int64),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify runs the ordered checks; the first failure wins.
//
//  1. structural parse (alg pinned to Ed25519)
//  2. signature
//  3. audience
//  4. temporal window [issued_at − skew, expires_at)
//  5. tool match (exact or single-segment wildcard)
//  6. constraint evaluation (unknown keys fail closed)
//  7. replay
func (v *Verifier) Verify(ctx context.Context, token []byte, req Request) (*Verified, *contracts.Rejection) {
	p, rej := parseToken(token)
	if rej != nil {
		return nil, rej
	}
	if rej := verifySignature(p.token, v.cfg.PublicKey); rej != nil {
		return nil, rej
	}
	if p.payload.Audience != v.cfg.Audience {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubAudience,
			"audience %q, this agent is %q", p.payload.Audience, v.cfg.Audience)
	}

	now := v.clock()
	notBefore := unixTime(p.payload.IssuedAt).Add(-v.cfg.ClockSkew)
	expiry := unixTime(p.payload.ExpiresAt)
	if now.Before(notBefore) {
		return nil, contracts.Reject(contracts.CodeNotYetValid, "",
			"capability issued_at is %s in the future", notBefore.Sub(now))
	}
	if !now.Before(expiry) {
		return nil, contracts.Reject(contracts.CodeExpired, "",
			"capability expired at %s", expiry.Format(time.RFC3339))
	}

	if !toolMatches(p.payload.Tool, req.Tool) {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubToolMismatch,
			"capability authorizes %q, request is for %q", p.payload.Tool, req.Tool)
	}

	constraints, rej := parseConstraints(p.payload.Constraints)
	if rej != nil {
		return nil, rej
	}

	canonicalInput, err := canonicalize.Canonicalize(mapOrEmpty(req.Input))
	if err != nil {
		if r, ok := contracts.AsRejection(err); ok {
			return nil, r
		}
		return nil, contracts.Reject(contracts.CodeCanonUnsupported, "", "%v", err)
	}
	if rej := constraints.evaluate(req, canonicalInput, v.env); rej != nil {
		return nil, rej
	}

	if rej := v.checkReplay(ctx, p, constraints, now); rej != nil {
		return nil, rej
	}

	return &Verified{
		Payload:        p.payload,
		CanonicalBytes: p.canonicalBytes,
		CapabilityHash: p.capabilityHash,
		Constraints:    constraints,
		CanonicalInput: canonicalInput,
		InputHash:      contracts.HashBytes(canonicalInput),
	}, nil
}

// Refresh re-evaluates a previously verified capability against a new
// request: temporal window, tool match, and constraints, with a fresh
// canonical input. Signature and structure are not re-checked; that is the
// point of the session fast path. One-shot replay is re-checked by the
// state machine at commit time.
func (v *Verifier) Refresh(cached *Verified, req Request) (*Verified, *contracts.Rejection) {
	now := v.clock()
	if !now.Before(unixTime(cached.Payload.ExpiresAt)) {
		return nil, contracts.Reject(contracts.CodeExpired, "",
			"capability expired at %s", unixTime(cached.Payload.ExpiresAt).Format(time.RFC3339))
	}
	if !toolMatches(cached.Payload.Tool, req.Tool) {
		return nil, contracts.Reject(contracts.CodeUnauthorized, contracts.SubToolMismatch,
			"capability authorizes %q, request is for %q", cached.Payload.Tool, req.Tool)
	}
	canonicalInput, err := canonicalize.Canonicalize(mapOrEmpty(req.Input))
	if err != nil {
		if r, ok := contracts.AsRejection(err); ok {
			return nil, r
		}
		return nil, contracts.Reject(contracts.CodeCanonUnsupported, "", "%v", err)
	}
	if rej := cached.Constraints.evaluate(req, canonicalInput, v.env); rej != nil {
		return nil, rej
	}
	fresh := *cached
	fresh.CanonicalInput = canonicalInput
	fresh.InputHash = contracts.HashBytes(canonicalInput)
	return &fresh, nil
}

// checkReplay enforces one-shot semantics against the durable log and nonce
// freshness inside the issuance window for everything else. Nonces live in
// memory only; the issuance window bounds the exposure after a restart.
func (v *Verifier) checkReplay(ctx context.Context, p *parsed, c Constraints, now time.Time) *contracts.Rejection {
	if c.OneShot {
		used, err := v.replay.CapabilityAuthorized(ctx, p.capabilityHash)
		if err != nil {
			return contracts.Reject(contracts.CodeStateCommitFailed, "",
				"replay index unavailable: %v", err)
		}
		if used {
			return contracts.Reject(contracts.CodeReplay, "",
				"one-shot capability %s already authorized", p.payload.CapabilityID)
		}
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	nowUnix := now.Unix()
	for nonce, exp := range v.nonces {
		if exp < nowUnix {
			delete(v.nonces, nonce)
		}
	}
	key := p.payload.CapabilityID + "\x00" + p.payload.Nonce
	if _, seen := v.nonces[key]; seen {
		return contracts.Reject(contracts.CodeReplay, "",
			"nonce already used inside the issuance window")
	}
	v.nonces[key] = p.payload.ExpiresAt
	return nil
}

// toolMatches implements exact or single-segment wildcard matching:
// "fs.*" authorizes "fs.read" but not "fs.read.deep" or "net.dial".
func toolMatches(pattern, tool string) bool {
	if pattern == tool {
		return true
	}
	ps := splitSegments(pattern)
	ts := splitSegments(tool)
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] == "*" {
			continue
		}
		if ps[i] != ts[i] {
			return false
		}
	}
	return true
}

func splitSegments(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ParsePublicKeyPEM decodes a PEM-encoded Ed25519 public key
// (PKIX "PUBLIC KEY" block).
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("capability: no PEM block in supervisor key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("capability: parse supervisor key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("capability: supervisor key is %T, want Ed25519", key)
	}
	return pub, nil
}
