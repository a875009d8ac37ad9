// Package transform normalizes upstream payloads before they reach callers.
//
// Every transform is deterministic, has no side effects and never fails.
// JSON payloads are rewritten and annotated with a _gateway block naming the
// transform, its category and compliance tags. Payloads that are not JSON
// are wrapped as {"raw": "...", "_gateway": {..., "normalized": false}}.
//
// Transforms are idempotent: every rule maps its own output to itself, and an
// incoming _gateway block is always replaced, never trusted.
package transform

import (
	"bytes"
	"encoding/json"
	"sort"
)

const (
	// MetaKey is the field holding gateway annotations
	MetaKey = "_gateway"
	// IdentityID names the pass-through transform
	IdentityID = "identity"
)

// Func transforms a raw upstream payload
type Func func(payload []byte) []byte

// Meta is the annotation added to transformed payloads
type Meta struct {
	Transform  string   `json:"transform"`
	Category   string   `json:"category"`
	Compliance []string `json:"compliance,omitempty"`
	Normalized bool     `json:"normalized"`
}

// Spec describes a JSON transform: field rules applied recursively, then
// annotation.
type Spec struct {
	ID         string
	Category   string
	Compliance []string
	Rules      []Rule
}

// Registry maps transform ids to functions
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns a registry holding the built-in transforms
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register(IdentityID, Identity)
	for _, s := range builtinSpecs() {
		r.Register(s.ID, s.Func())
	}
	return r
}

// Register adds or replaces a transform. Call it before sharing the registry.
func (r *Registry) Register(id string, fn Func) {
	r.funcs[id] = fn
}

// Get returns the transform for id
func (r *Registry) Get(id string) (Func, bool) {
	fn, ok := r.funcs[id]
	return fn, ok
}

// Apply runs transform id on payload. Unknown ids pass the payload through.
func (r *Registry) Apply(id string, payload []byte) []byte {
	if fn, ok := r.funcs[id]; ok {
		return fn(payload)
	}
	return payload
}

// IDs returns the registered ids, sorted
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.funcs))
	for id := range r.funcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered transforms
func (r *Registry) Len() int {
	return len(r.funcs)
}

// Identity returns the payload unchanged
func Identity(payload []byte) []byte {
	return payload
}

// Func builds the transform described by s
func (s Spec) Func() Func {
	return func(payload []byte) []byte {
		return s.apply(payload)
	}
}

func (s Spec) meta(normalized bool) Meta {
	return Meta{
		Transform:  s.ID,
		Category:   s.Category,
		Compliance: s.Compliance,
		Normalized: normalized,
	}
}

func (s Spec) apply(payload []byte) []byte {
	doc, ok := decode(payload)
	if !ok {
		return s.wrapMalformed(payload)
	}

	obj, isObject := doc.(map[string]any)
	if !isObject {
		obj = map[string]any{"data": doc}
	}

	for k, v := range obj {
		if k == MetaKey {
			continue
		}
		obj[k] = s.walk(k, v)
	}
	obj[MetaKey] = s.meta(true)

	out, err := json.Marshal(obj)
	if err != nil {
		return s.wrapMalformed(payload)
	}
	return out
}

func (s Spec) wrapMalformed(payload []byte) []byte {
	out, err := json.Marshal(map[string]any{
		"raw":   string(payload),
		MetaKey: s.meta(false),
	})
	if err != nil {
		return payload
	}
	return out
}

// walk applies field rules to value v stored under key.
func (s Spec) walk(key string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			val[k] = s.walk(k, child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = s.walk(key, child)
		}
		return val
	default:
		for _, rule := range s.Rules {
			if rule.Matches(key) {
				return rule.Apply(val)
			}
		}
		return val
	}
}

func decode(payload []byte) (any, bool) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return doc, true
}
