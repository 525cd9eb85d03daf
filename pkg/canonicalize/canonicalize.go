// Package canonicalize produces deterministic byte serializations of
// structured values (RFC 8785 JSON Canonicalization Scheme) for hashing and
// signing.
//
// The value grammar is deliberately closed: maps with string keys, ordered
// sequences, strings, integers in [−2^53, 2^53], booleans, and null. Floats
// are rejected outright; canonical float formatting is where cross-language
// implementations disagree, and nothing in the governance data model needs
// them.
package canonicalize

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"

	"github.com/talos-foundation/tga/pkg/contracts"
)

// MaxInt is the largest integer magnitude representable exactly in the
// canonical form (2^53).
const MaxInt = int64(1) << 53

// Canonicalize returns the canonical byte serialization of v.
// Canonicalization is pure and total on values inside the grammar; any value
// outside it fails with CANONICAL_UNSUPPORTED.
func Canonicalize(v any) ([]byte, error) {
	norm, err := normalize(v, 0)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// Digest returns the SHA-256 of the canonical serialization of v.
func Digest(v any) (contracts.Hash, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return contracts.Hash{}, err
	}
	return contracts.HashBytes(b), nil
}

const maxDepth = 64

// normalize walks v, enforcing the grammar and converting every integer form
// to int64 so that json.Marshal emits exact decimal digits.
func normalize(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, unsupported("nesting depth exceeds %d", maxDepth)
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case int:
		return checkedInt(int64(t))
	case int8:
		return checkedInt(int64(t))
	case int16:
		return checkedInt(int64(t))
	case int32:
		return checkedInt(int64(t))
	case int64:
		return checkedInt(t)
	case uint:
		return checkedUint(uint64(t))
	case uint8:
		return checkedInt(int64(t))
	case uint16:
		return checkedInt(int64(t))
	case uint32:
		return checkedInt(int64(t))
	case uint64:
		return checkedUint(t)
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return nil, unsupported("non-integer number %q", t.String())
		}
		return checkedInt(i)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := normalize(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case float32, float64:
		return nil, unsupported("floating point values are outside the canonical grammar")
	default:
		return nil, unsupported("unsupported type %T", v)
	}
}

func checkedInt(i int64) (any, error) {
	if i < -MaxInt || i > MaxInt {
		return nil, unsupported("integer %d outside [-2^53, 2^53]", i)
	}
	return i, nil
}

func checkedUint(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, unsupported("integer %d outside [-2^53, 2^53]", u)
	}
	return checkedInt(int64(u))
}

func unsupported(format string, args ...any) error {
	return &contracts.Rejection{
		Code:   contracts.CodeCanonUnsupported,
		Detail: fmt.Sprintf(format, args...),
	}
}
