package capability

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/talos-foundation/tga/pkg/contracts"
)

// Constraints is the evaluated, typed view of a capability's constraint map.
type Constraints struct {
	ReadOnly       bool
	MaxInputBytes  int64 // 0 means unlimited
	AllowInputKeys []string
	DenyInputKeys  []string
	OneShot        bool
	InputSchema    json.RawMessage // JSON Schema fragment for the tool input
	InputPredicate string          // CEL expression over `input`
}

// recognizedConstraintKeys is the closed constraint vocabulary. Anything
// else fails closed with UNKNOWN_CONSTRAINT.
var recognizedConstraintKeys = map[string]bool{
	"read_only":        true,
	"max_input_bytes":  true,
	"allow_input_keys": true,
	"deny_input_keys":  true,
	"one_shot":         true,
	"input_schema":     true,
	"input_predicate":  true,
}

// parseConstraints types the raw constraint map, rejecting unknown keys and
// malformed values.
func parseConstraints(raw map[string]any) (Constraints, *contracts.Rejection) {
	var c Constraints
	for key := range raw {
		if !recognizedConstraintKeys[key] {
			return c, contracts.Reject(contracts.CodeUnauthorized, contracts.SubUnknownConstraint,
				"constraint key %q is not recognized", key)
		}
	}

	var ok bool
	if v, present := raw["read_only"]; present {
		if c.ReadOnly, ok = v.(bool); !ok {
			return c, badConstraint("read_only", "bool", v)
		}
	}
	if v, present := raw["one_shot"]; present {
		if c.OneShot, ok = v.(bool); !ok {
			return c, badConstraint("one_shot", "bool", v)
		}
	}
	if v, present := raw["max_input_bytes"]; present {
		n, err := toInt64(v)
		if err != nil || n < 0 {
			return c, badConstraint("max_input_bytes", "non-negative int", v)
		}
		c.MaxInputBytes = n
	}
	if v, present := raw["allow_input_keys"]; present {
		keys, err := toStringSlice(v)
		if err != nil {
			return c, badConstraint("allow_input_keys", "[string]", v)
		}
		c.AllowInputKeys = keys
	}
	if v, present := raw["deny_input_keys"]; present {
		keys, err := toStringSlice(v)
		if err != nil {
			return c, badConstraint("deny_input_keys", "[string]", v)
		}
		c.DenyInputKeys = keys
	}
	if v, present := raw["input_schema"]; present {
		frag, err := json.Marshal(v)
		if err != nil {
			return c, badConstraint("input_schema", "object", v)
		}
		c.InputSchema = frag
	}
	if v, present := raw["input_predicate"]; present {
		if c.InputPredicate, ok = v.(string); !ok {
			return c, badConstraint("input_predicate", "string", v)
		}
	}
	return c, nil
}

func badConstraint(key, want string, got any) *contracts.Rejection {
	return contracts.Reject(contracts.CodeUnauthorized, contracts.SubMalformed,
		"constraint %q must be %s, got %T", key, want, got)
}

// evaluate applies every constraint to the request. canonicalInput is the
// canonical serialization of the tool input, already computed by the
// verifier.
func (c Constraints) evaluate(req Request, canonicalInput []byte, env *cel.Env) *contracts.Rejection {
	if c.ReadOnly && !req.ReadOnly {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubReadOnly,
			"capability is read-only, request is not marked read-only")
	}
	if c.MaxInputBytes > 0 && int64(len(canonicalInput)) > c.MaxInputBytes {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubMaxInputBytes,
			"canonical input is %d bytes, limit %d", len(canonicalInput), c.MaxInputBytes)
	}
	if c.AllowInputKeys != nil {
		allowed := make(map[string]bool, len(c.AllowInputKeys))
		for _, k := range c.AllowInputKeys {
			allowed[k] = true
		}
		for k := range req.Input {
			if !allowed[k] {
				return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputKeys,
					"input key %q not in allow list", k)
			}
		}
	}
	for _, k := range c.DenyInputKeys {
		if _, present := req.Input[k]; present {
			return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputKeys,
				"input key %q is denied", k)
		}
	}
	if len(c.InputSchema) > 0 {
		if rej := c.validateSchema(req.Input); rej != nil {
			return rej
		}
	}
	if c.InputPredicate != "" {
		if rej := c.evaluatePredicate(req.Input, env); rej != nil {
			return rej
		}
	}
	return nil
}

func (c Constraints) validateSchema(input map[string]any) *contracts.Rejection {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("capability:input_schema", bytes.NewReader(c.InputSchema)); err != nil {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputSchema,
			"schema: %v", err)
	}
	schema, err := compiler.Compile("capability:input_schema")
	if err != nil {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputSchema,
			"schema compile: %v", err)
	}
	// jsonschema validates decoded JSON values; round-trip the input so
	// integers and nested maps take their generic form.
	raw, err := json.Marshal(input)
	if err != nil {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputSchema,
			"input: %v", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputSchema,
			"input: %v", err)
	}
	if err := schema.Validate(generic); err != nil {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputSchema,
			"input does not satisfy schema: %v", err)
	}
	return nil
}

func (c Constraints) evaluatePredicate(input map[string]any, env *cel.Env) *contracts.Rejection {
	ast, issues := env.Compile(c.InputPredicate)
	if issues != nil && issues.Err() != nil {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputPredicate,
			"predicate compile: %v", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputPredicate,
			"predicate program: %v", err)
	}
	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputPredicate,
			"predicate eval: %v", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputPredicate,
			"predicate must evaluate to bool, got %T", out.Value())
	}
	if !allowed {
		return contracts.Reject(contracts.CodeUnauthorized, contracts.SubInputPredicate,
			"predicate denied the input")
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Int64()
	case float64:
		n := int64(t)
		if float64(n) != t {
			return 0, fmt.Errorf("not an integer")
		}
		return n, nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func toStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a list: %T", v)
	}
	out := make([]string, len(list))
	for i, elem := range list {
		s, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("element %d is %T, not string", i, elem)
		}
		out[i] = s
	}
	return out, nil
}
