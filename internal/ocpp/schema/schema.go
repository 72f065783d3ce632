// Package schema implements the per-version request/response schema
// registry and validator (§4.B), including the additionalProperties
// tightening rule and the version-normalization contract. It has no
// direct teacher precedent (the pack ships no JSON Schema validator — see
// DESIGN.md); it uses github.com/santhosh-tekuri/jsonschema/v5, named
// there as an out-of-pack dependency.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
)

// ValidationResult is the registry's public validate-call outcome.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// schemaKey identifies one compiled schema.
type schemaKey struct {
	version domain.OCPPVersion
	action  string
	isReq   bool
}

// Registry holds compiled request/response schemas per (version, action).
type Registry struct {
	mu          sync.RWMutex
	compiled    map[schemaKey]*jsonschema.Schema
	tightenSkip map[string]bool // action names exempt from additionalProperties tightening
}

// NewRegistry creates an empty registry. tightenSkip defaults to
// {"DataTransfer"} per §4.B, overridable via the allowList parameter.
func NewRegistry(allowList []string) *Registry {
	skip := map[string]bool{"DataTransfer": true}
	for _, a := range allowList {
		skip[a] = true
	}
	return &Registry{
		compiled:    make(map[schemaKey]*jsonschema.Schema),
		tightenSkip: skip,
	}
}

// NormalizeVersion maps "1.6"/"1.6j" onto "1.6J" (and passes 2.0.1/2.1
// through), per §4.B.
func NormalizeVersion(raw string) (domain.OCPPVersion, bool) {
	return domain.NormalizeVersion(raw)
}

// Register compiles and stores one schema for (version, action), applying
// the additionalProperties tightening rule unless action is allow-listed.
func (r *Registry) Register(version domain.OCPPVersion, action string, isRequest bool, rawSchema []byte) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(rawSchema, &doc); err != nil {
		return fmt.Errorf("schema %s/%s: decode: %w", version, action, err)
	}

	if !r.tightenSkip[action] {
		tighten(doc)
	}

	tightened, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema %s/%s: re-encode: %w", version, action, err)
	}

	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("mem://%s/%s/%v", version, action, isRequest)
	if err := compiler.AddResource(url, bytes.NewReader(tightened)); err != nil {
		return fmt.Errorf("schema %s/%s: add resource: %w", version, action, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("schema %s/%s: compile: %w", version, action, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiled[schemaKey{version, action, isRequest}] = compiled
	return nil
}

// tighten recursively sets additionalProperties: false on every object
// schema that omits it, per §4.B's exhaustive list of sub-schema
// locations.
func tighten(node interface{}) {
	obj, ok := node.(map[string]interface{})
	if !ok {
		if arr, ok := node.([]interface{}); ok {
			for _, item := range arr {
				tighten(item)
			}
		}
		return
	}

	if t, _ := obj["type"].(string); t == "object" || obj["properties"] != nil {
		if _, has := obj["additionalProperties"]; !has {
			obj["additionalProperties"] = false
		}
	}

	for _, key := range []string{"properties", "patternProperties", "$defs", "definitions", "dependentSchemas"} {
		if sub, ok := obj[key].(map[string]interface{}); ok {
			for _, v := range sub {
				tighten(v)
			}
		}
	}
	for _, key := range []string{"items", "prefixItems", "not", "if", "then", "else", "propertyNames", "unevaluatedProperties", "unevaluatedItems"} {
		if sub, ok := obj[key]; ok {
			tighten(sub)
		}
	}
	for _, key := range []string{"allOf", "anyOf", "oneOf"} {
		if arr, ok := obj[key].([]interface{}); ok {
			for _, item := range arr {
				tighten(item)
			}
		}
	}
}

func (r *Registry) lookup(version domain.OCPPVersion, action string, isRequest bool) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.compiled[schemaKey{version, action, isRequest}]
	return s, ok
}

func (r *Registry) HasRequestSchema(version domain.OCPPVersion, action string) bool {
	_, ok := r.lookup(version, action, true)
	return ok
}

func (r *Registry) HasResponseSchema(version domain.OCPPVersion, action string) bool {
	_, ok := r.lookup(version, action, false)
	return ok
}

func (r *Registry) ValidateRequest(version domain.OCPPVersion, action string, payload []byte) ValidationResult {
	return r.validate(version, action, true, payload)
}

func (r *Registry) ValidateResponse(version domain.OCPPVersion, action string, payload []byte) ValidationResult {
	return r.validate(version, action, false, payload)
}

func (r *Registry) validate(version domain.OCPPVersion, action string, isRequest bool, payload []byte) ValidationResult {
	s, ok := r.lookup(version, action, isRequest)
	if !ok {
		return ValidationResult{Valid: false, Errors: []string{"schema_missing"}}
	}

	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}

	if err := s.Validate(v); err != nil {
		return ValidationResult{Valid: false, Errors: flattenValidationError(err)}
	}
	return ValidationResult{Valid: true}
}

func flattenValidationError(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}

	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := strings.Join(e.InstanceLocation, "/")
			out = append(out, fmt.Sprintf("/%s %s", path, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(out) == 0 {
		out = []string{ve.Error()}
	}
	return out
}
