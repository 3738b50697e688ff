package fhir

import (
	"fmt"
	"sort"
)

// ParamDef declares one search parameter for a resource type: its name,
// kind, and the field paths that feed it. Multiple paths cover union
// fields ("one of A,B,C"); with FirstOf set, evaluation stops at the
// first path that yields any values, otherwise all paths contribute rows.
//
// Composite parameters carry no paths of their own; Components names the
// sub-parameters whose rows must co-occur within the same repeating-field
// occurrence.
type ParamDef struct {
	Name       string
	Kind       Kind
	Paths      []Path
	FirstOf    bool
	Components []string
}

// P builds a ParamDef, compiling the given path expressions. It panics on
// a malformed expression, which makes it suitable only for statically
// declared registries.
func P(name string, kind Kind, paths ...string) ParamDef {
	def := ParamDef{Name: name, Kind: kind}
	for _, expr := range paths {
		def.Paths = append(def.Paths, MustParsePath(expr))
	}
	return def
}

// FirstOf marks the ParamDef's paths as alternatives: the first path that
// yields values wins.
func (d ParamDef) First() ParamDef {
	d.FirstOf = true
	return d
}

// Composite builds a composite ParamDef over previously declared
// sub-parameters.
func Composite(name string, components ...string) ParamDef {
	return ParamDef{Name: name, Kind: KindComposite, Components: components}
}

// Registry is the immutable-at-runtime table of search parameter
// definitions, keyed by resource type. It is built once at startup and
// passed into the extractor and the query planner; adding a resource type
// means adding an entry here, not touching shared state.
type Registry struct {
	types map[string]map[string]ParamDef
	order map[string][]string
}

// NewRegistry builds a Registry from per-type definitions. Composite
// definitions must reference declared sub-parameters of the same type.
func NewRegistry(defs map[string][]ParamDef) (*Registry, error) {
	r := &Registry{
		types: make(map[string]map[string]ParamDef, len(defs)),
		order: make(map[string][]string, len(defs)),
	}
	for typ, params := range defs {
		byName := make(map[string]ParamDef, len(params))
		names := make([]string, 0, len(params))
		for _, def := range params {
			if def.Name == "" {
				return nil, fmt.Errorf("%s: parameter with empty name", typ)
			}
			if _, dup := byName[def.Name]; dup {
				return nil, fmt.Errorf("%s: duplicate parameter %q", typ, def.Name)
			}
			byName[def.Name] = def
			names = append(names, def.Name)
		}
		for _, def := range params {
			if def.Kind != KindComposite {
				continue
			}
			if len(def.Components) < 2 {
				return nil, fmt.Errorf("%s.%s: composite needs at least two components", typ, def.Name)
			}
			for _, comp := range def.Components {
				sub, ok := byName[comp]
				if !ok {
					return nil, fmt.Errorf("%s.%s: unknown component %q", typ, def.Name, comp)
				}
				if sub.Kind == KindComposite {
					return nil, fmt.Errorf("%s.%s: component %q may not itself be composite", typ, def.Name, comp)
				}
			}
		}
		r.types[typ] = byName
		r.order[typ] = names
	}
	return r, nil
}

// MustNewRegistry is NewRegistry for statically declared tables.
func MustNewRegistry(defs map[string][]ParamDef) *Registry {
	r, err := NewRegistry(defs)
	if err != nil {
		panic(err)
	}
	return r
}

// Types returns the declared resource types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasType reports whether any parameters are declared for the type.
func (r *Registry) HasType(resourceType string) bool {
	_, ok := r.types[resourceType]
	return ok
}

// Params returns the declared parameters for a type in declaration order.
// An unmapped type returns nil.
func (r *Registry) Params(resourceType string) []ParamDef {
	names := r.order[resourceType]
	if names == nil {
		return nil
	}
	out := make([]ParamDef, 0, len(names))
	for _, n := range names {
		out = append(out, r.types[resourceType][n])
	}
	return out
}

// Lookup finds a declared parameter by name.
func (r *Registry) Lookup(resourceType, name string) (ParamDef, bool) {
	def, ok := r.types[resourceType][name]
	return def, ok
}

// DefaultRegistry declares the search parameters for the standard
// clinical resource types. Token parameters accept either a bare coded
// string, a {system, code} object, or a codeableConcept with a coding
// array; the extractor handles all three shapes.
func DefaultRegistry() *Registry {
	return MustNewRegistry(map[string][]ParamDef{
		"Patient": {
			P("identifier", KindToken, "identifier[]"),
			P("name", KindString, "name[].family", "name[].given[]"),
			P("family", KindString, "name[].family"),
			P("given", KindString, "name[].given[]"),
			P("gender", KindToken, "gender"),
			P("birthdate", KindDate, "birthDate"),
			P("general-practitioner", KindReference, "generalPractitioner[]"),
			P("organization", KindReference, "managingOrganization"),
		},
		"Practitioner": {
			P("identifier", KindToken, "identifier[]"),
			P("name", KindString, "name[].family", "name[].given[]"),
		},
		"Encounter": {
			P("identifier", KindToken, "identifier[]"),
			P("status", KindToken, "status"),
			P("class", KindToken, "class"),
			P("subject", KindReference, "subject"),
			P("practitioner", KindReference, "participant[].individual"),
			P("date", KindDate, "period.start"),
		},
		"Observation": {
			P("identifier", KindToken, "identifier[]"),
			P("status", KindToken, "status"),
			P("code", KindToken, "code"),
			P("subject", KindReference, "subject"),
			P("encounter", KindReference, "encounter"),
			P("date", KindDate, "effectiveDateTime", "effectivePeriod.start").First(),
			P("value-quantity", KindNumber, "valueQuantity.value", "valueRange.low.value").First(),
			P("component-code", KindToken, "component[].code"),
			P("component-value", KindNumber, "component[].valueQuantity.value", "component[].valueRange.low.value"),
			Composite("code-value-quantity", "component-code", "component-value"),
		},
		"Condition": {
			P("identifier", KindToken, "identifier[]"),
			P("clinical-status", KindToken, "clinicalStatus"),
			P("code", KindToken, "code"),
			P("subject", KindReference, "subject"),
			P("onset-date", KindDate, "onsetDateTime"),
		},
		"MedicationRequest": {
			P("identifier", KindToken, "identifier[]"),
			P("status", KindToken, "status"),
			P("intent", KindToken, "intent"),
			P("subject", KindReference, "subject"),
			P("medication", KindReference, "medicationReference"),
			P("authoredon", KindDate, "authoredOn"),
		},
		"Order": {
			P("identifier", KindToken, "identifier[]"),
			P("status", KindToken, "status"),
			P("subject", KindReference, "subject"),
			P("item-code", KindToken, "item[].code"),
			P("item-value", KindNumber, "item[].valueQuantity.value", "item[].valueRange.low.value"),
			Composite("item-code-value", "item-code", "item-value"),
		},
	})
}
