package capability

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talos-foundation/tga/pkg/contracts"
)

// memReplay is an in-memory replay index for tests.
type memReplay struct {
	authorized map[contracts.Hash]bool
}

func newMemReplay() *memReplay {
	return &memReplay{authorized: make(map[contracts.Hash]bool)}
}

func (m *memReplay) CapabilityAuthorized(_ context.Context, h contracts.Hash) (bool, error) {
	return m.authorized[h], nil
}

type fixture struct {
	verifier *Verifier
	priv     ed25519.PrivateKey
	replay   *memReplay
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	replay := newMemReplay()
	v, err := NewVerifier(Config{
		PublicKey: pub,
		Audience:  "tga-1",
	}, replay)
	require.NoError(t, err)

	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	v.WithClock(func() time.Time { return now })
	return &fixture{verifier: v, priv: priv, replay: replay, now: now}
}

func (f *fixture) payload() Payload {
	return Payload{
		CapabilityID: uuid.NewString(),
		IssuedAt:     f.now.Unix(),
		ExpiresAt:    f.now.Add(time.Minute).Unix(),
		Audience:     "tga-1",
		Subject:      "agent-7",
		Tool:         "fs.read",
		Constraints:  map[string]any{"one_shot": true},
		Nonce:        uuid.NewString(),
	}
}

func (f *fixture) mint(t *testing.T, p Payload) []byte {
	t.Helper()
	token, err := Mint(f.priv, p)
	require.NoError(t, err)
	return []byte(token)
}

func request() Request {
	return Request{
		Tool:  "fs.read",
		Input: map[string]any{"path": "/etc/hosts"},
	}
}

func requireCode(t *testing.T, rej *contracts.Rejection, code, sub string) {
	t.Helper()
	require.NotNil(t, rej)
	assert.Equal(t, code, rej.Code)
	assert.Equal(t, sub, rej.Sub)
}

func TestVerifyHappyPath(t *testing.T) {
	f := newFixture(t)
	p := f.payload()

	verified, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	require.Nil(t, rej)
	assert.Equal(t, p.CapabilityID, verified.Payload.CapabilityID)
	assert.True(t, verified.Constraints.OneShot)
	assert.False(t, verified.CapabilityHash.IsZero())
	assert.False(t, verified.InputHash.IsZero())
	assert.NotEmpty(t, verified.CanonicalBytes)
	assert.Equal(t, `{"path":"/etc/hosts"}`, string(verified.CanonicalInput))
}

func TestVerifyIsDeterministic(t *testing.T) {
	f := newFixture(t)
	token := f.mint(t, f.payload())

	// Same token, request, key, and clock: identical result, including
	// the capability hash.
	a, rej := f.verifier.Verify(context.Background(), token, request())
	require.Nil(t, rej)
	b, rej := f.verifier.Verify(context.Background(), token, request())
	require.Nil(t, rej)
	assert.Equal(t, a.CapabilityHash, b.CapabilityHash)
	assert.Equal(t, a.InputHash, b.InputHash)
}

func TestVerifyMissingCredentials(t *testing.T) {
	f := newFixture(t)
	_, rej := f.verifier.Verify(context.Background(), []byte("  "), request())
	requireCode(t, rej, contracts.CodeMissingCredentials, "")
}

func TestVerifyMalformed(t *testing.T) {
	f := newFixture(t)
	for name, token := range map[string]string{
		"two segments":  "abc.def",
		"four segments": "a.b.c.d",
		"bad base64":    "!!!.???.###",
		"not json":      "bm90anNvbg.bm90anNvbg.bm90anNvbg",
	} {
		t.Run(name, func(t *testing.T) {
			_, rej := f.verifier.Verify(context.Background(), []byte(token), request())
			requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubMalformed)
		})
	}
}

func TestVerifyRejectsAlgorithmSubstitution(t *testing.T) {
	f := newFixture(t)
	token := string(f.mint(t, f.payload()))

	// Swap the header for one claiming EdDSA; must fail as malformed
	// before any signature check.
	parts := strings.Split(token, ".")
	forged := b64url(`{"alg":"EdDSA","typ":"capability"}`) + "." + parts[1] + "." + parts[2]
	_, rej := f.verifier.Verify(context.Background(), []byte(forged), request())
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubMalformed)

	forgedNone := b64url(`{"alg":"none","typ":"capability"}`) + "." + parts[1] + "." + parts[2]
	_, rej = f.verifier.Verify(context.Background(), []byte(forgedNone), request())
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubMalformed)
}

func TestVerifyBadSignature(t *testing.T) {
	f := newFixture(t)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token, err := Mint(otherPriv, f.payload())
	require.NoError(t, err)
	_, rej := f.verifier.Verify(context.Background(), []byte(token), request())
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubBadSignature)
}

func TestVerifyTamperedPayload(t *testing.T) {
	f := newFixture(t)
	token := string(f.mint(t, f.payload()))
	parts := strings.Split(token, ".")

	p := f.payload()
	p.Tool = "fs.*" // privilege escalation attempt
	escalated, err := Mint(f.priv, p)
	require.NoError(t, err)
	forged := parts[0] + "." + strings.Split(escalated, ".")[1] + "." + parts[2]

	_, rej := f.verifier.Verify(context.Background(), []byte(forged), request())
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubBadSignature)
}

func TestVerifyAudienceMismatch(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.Audience = "tga-2"
	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubAudience)
}

func TestVerifyExpired(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.ExpiresAt = f.now.Add(-10 * time.Second).Unix()
	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	requireCode(t, rej, contracts.CodeExpired, "")
}

func TestVerifyNotYetValid(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.IssuedAt = f.now.Add(time.Minute).Unix()
	p.ExpiresAt = f.now.Add(2 * time.Minute).Unix()
	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	requireCode(t, rej, contracts.CodeNotYetValid, "")
}

func TestVerifyClockSkewTolerance(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	// Issued 3 seconds in the future: inside the default 5 second skew.
	p.IssuedAt = f.now.Add(3 * time.Second).Unix()
	p.ExpiresAt = f.now.Add(time.Minute).Unix()
	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	assert.Nil(t, rej)
}

func TestVerifyExpiryBoundIsExclusive(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.ExpiresAt = f.now.Unix() // now == expires_at is already expired
	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	requireCode(t, rej, contracts.CodeExpired, "")
}

func TestVerifyToolMatch(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		pattern string
		tool    string
		ok      bool
	}{
		{"fs.read", "fs.read", true},
		{"fs.*", "fs.read", true},
		{"fs.*", "fs.write", true},
		{"fs.*", "fs.read.deep", false},
		{"fs.read", "fs.write", false},
		{"*.read", "fs.read", true},
		{"net.dial", "fs.read", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"/"+tc.tool, func(t *testing.T) {
			p := f.payload()
			p.Tool = tc.pattern
			req := request()
			req.Tool = tc.tool
			_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), req)
			if tc.ok {
				assert.Nil(t, rej)
			} else {
				requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubToolMismatch)
			}
		})
	}
}

func TestVerifyUnknownConstraintFailsClosed(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.Constraints["max_cost_cents"] = 100
	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubUnknownConstraint)
}

func TestVerifyReadOnlyConstraint(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.Constraints["read_only"] = true

	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubReadOnly)

	req := request()
	req.ReadOnly = true
	_, rej = f.verifier.Verify(context.Background(), f.mint(t, p), req)
	assert.Nil(t, rej)
}

func TestVerifyMaxInputBytes(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.Constraints["max_input_bytes"] = 10
	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubMaxInputBytes)
}

func TestVerifyInputKeyConstraints(t *testing.T) {
	f := newFixture(t)

	t.Run("allow list", func(t *testing.T) {
		p := f.payload()
		p.Constraints["allow_input_keys"] = []any{"path"}
		_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
		assert.Nil(t, rej)

		req := request()
		req.Input["mode"] = "w"
		_, rej = f.verifier.Verify(context.Background(), f.mint(t, p), req)
		requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubInputKeys)
	})

	t.Run("deny list", func(t *testing.T) {
		p := f.payload()
		p.Constraints["deny_input_keys"] = []any{"shell"}
		_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
		assert.Nil(t, rej)

		req := request()
		req.Input["shell"] = "/bin/sh"
		_, rej = f.verifier.Verify(context.Background(), f.mint(t, p), req)
		requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubInputKeys)
	})
}

func TestVerifyInputSchema(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.Constraints["input_schema"] = map[string]any{
		"type":     "object",
		"required": []any{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
	}

	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	assert.Nil(t, rej)

	req := request()
	req.Input = map[string]any{"path": 42}
	_, rej = f.verifier.Verify(context.Background(), f.mint(t, p), req)
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubInputSchema)
}

func TestVerifyInputPredicate(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.Constraints["input_predicate"] = `input.path.startsWith("/etc/")`

	_, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	assert.Nil(t, rej)

	req := request()
	req.Input = map[string]any{"path": "/root/.ssh/id_ed25519"}
	_, rej = f.verifier.Verify(context.Background(), f.mint(t, p), req)
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubInputPredicate)
}

func TestVerifyOneShotReplay(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	token := f.mint(t, p)

	verified, rej := f.verifier.Verify(context.Background(), token, request())
	require.Nil(t, rej)

	// Simulate the AUTHORIZED transition landing in the log.
	f.replay.authorized[verified.CapabilityHash] = true

	_, rej = f.verifier.Verify(context.Background(), token, request())
	requireCode(t, rej, contracts.CodeReplay, "")
}

func TestVerifyNonceReplayForReusableCapability(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.Constraints = map[string]any{"one_shot": false}
	token := f.mint(t, p)

	_, rej := f.verifier.Verify(context.Background(), token, request())
	require.Nil(t, rej)

	_, rej = f.verifier.Verify(context.Background(), token, request())
	requireCode(t, rej, contracts.CodeReplay, "")
}

func TestVerifyCanonicalInputUnsupported(t *testing.T) {
	f := newFixture(t)
	req := request()
	req.Input = map[string]any{"ratio": 0.5}
	_, rej := f.verifier.Verify(context.Background(), f.mint(t, f.payload()), req)
	requireCode(t, rej, contracts.CodeCanonUnsupported, "")
}

func TestRefreshReappliesConstraints(t *testing.T) {
	f := newFixture(t)
	p := f.payload()
	p.Constraints = map[string]any{"one_shot": false, "deny_input_keys": []any{"shell"}}

	verified, rej := f.verifier.Verify(context.Background(), f.mint(t, p), request())
	require.Nil(t, rej)

	fresh, rej := f.verifier.Refresh(verified, Request{Tool: "fs.read", Input: map[string]any{"path": "/tmp/a"}})
	require.Nil(t, rej)
	assert.NotEqual(t, verified.InputHash, fresh.InputHash)
	assert.Equal(t, verified.CapabilityHash, fresh.CapabilityHash)

	_, rej = f.verifier.Refresh(verified, Request{Tool: "fs.read", Input: map[string]any{"shell": "sh"}})
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubInputKeys)

	_, rej = f.verifier.Refresh(verified, Request{Tool: "net.dial", Input: nil})
	requireCode(t, rej, contracts.CodeUnauthorized, contracts.SubToolMismatch)
}

func TestParsePublicKeyPEMRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemBytes := marshalPublicKeyPEM(t, pub)

	parsed, err := ParsePublicKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, pub, parsed)

	_, err = ParsePublicKeyPEM([]byte("not pem"))
	assert.Error(t, err)
}

func b64url(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func marshalPublicKeyPEM(t *testing.T, pub ed25519.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}
