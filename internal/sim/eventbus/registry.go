package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind tags an event. The set of kinds is open but every kind must be
// registered before it can be published.
type Kind string

const (
	KindReconciliation Kind = "reconciliation.result"
	KindAuditFinding   Kind = "audit.finding"

	// KindUnregistered is the counter key for publishes of kinds the
	// registry does not know. It is never a publishable kind itself.
	KindUnregistered Kind = "unregistered"
)

// FieldType is a JSON Schema primitive type name.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

var (
	ErrUnknownKind   = errors.New("unknown event kind")
	ErrDuplicateKind = errors.New("event kind already registered")
)

// KindSpec is the fixed field schema of one event kind.
type KindSpec struct {
	Kind       Kind
	Required   []string
	Properties map[string]FieldType
}

// SchemaError names the field that made a payload unacceptable.
type SchemaError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("event %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("event %s: field %q: %s", e.Kind, e.Field, e.Reason)
}

type compiledKind struct {
	spec   KindSpec
	schema *jsonschema.Schema
}

type Registry struct {
	kinds map[Kind]*compiledKind
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[Kind]*compiledKind{}}
}

// DefaultRegistry returns a registry holding the kernel's own kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(KindSpec{
		Kind:     KindReconciliation,
		Required: []string{"ledger", "status"},
		Properties: map[string]FieldType{
			"ledger": TypeString,
			"status": TypeString,
			"delta":  TypeNumber,
		},
	})
	r.MustRegister(KindSpec{
		Kind:     KindAuditFinding,
		Required: []string{"subject", "severity", "finding"},
		Properties: map[string]FieldType{
			"subject":  TypeString,
			"severity": TypeString,
			"finding":  TypeString,
		},
	})
	return r
}

func (r *Registry) Register(spec KindSpec) error {
	if strings.TrimSpace(string(spec.Kind)) == "" {
		return fmt.Errorf("%w: empty kind", ErrUnknownKind)
	}
	if _, ok := r.kinds[spec.Kind]; ok || spec.Kind == KindUnregistered {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, spec.Kind)
	}
	for _, f := range spec.Required {
		if f == "" {
			return fmt.Errorf("event %s: empty required field name", spec.Kind)
		}
	}
	schema, err := compileSpec(spec)
	if err != nil {
		return fmt.Errorf("event %s: compile schema: %w", spec.Kind, err)
	}
	cp := KindSpec{Kind: spec.Kind, Required: append([]string(nil), spec.Required...), Properties: map[string]FieldType{}}
	for k, v := range spec.Properties {
		cp.Properties[k] = v
	}
	r.kinds[spec.Kind] = &compiledKind{spec: cp, schema: schema}
	return nil
}

func (r *Registry) MustRegister(spec KindSpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(k Kind) (KindSpec, bool) {
	ck, ok := r.kinds[k]
	if !ok {
		return KindSpec{}, false
	}
	return ck.spec, true
}

func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func compileSpec(spec KindSpec) (*jsonschema.Schema, error) {
	props := map[string]any{}
	for name, typ := range spec.Properties {
		props[name] = map[string]any{"type": string(typ)}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(spec.Required) > 0 {
		doc["required"] = spec.Required
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	url := "mem://eventbus/" + string(spec.Kind) + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validate checks a normalized payload. Required fields are checked first, in
// declaration order, so the error names the first one missing.
func (r *Registry) validate(kind Kind, payload map[string]any) error {
	ck, ok := r.kinds[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	for _, f := range ck.spec.Required {
		if _, ok := payload[f]; !ok {
			return &SchemaError{Kind: kind, Field: f, Reason: "missing required field"}
		}
	}
	if err := ck.schema.Validate(payload); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			for len(ve.Causes) > 0 {
				ve = ve.Causes[0]
			}
			return &SchemaError{Kind: kind, Field: strings.TrimPrefix(ve.InstanceLocation, "/"), Reason: ve.Message}
		}
		return &SchemaError{Kind: kind, Reason: err.Error()}
	}
	return nil
}
