package fhir

import "testing"

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name string
		defs map[string][]ParamDef
	}{
		{"duplicate name", map[string][]ParamDef{
			"Thing": {P("code", KindToken, "code"), P("code", KindToken, "code")},
		}},
		{"empty name", map[string][]ParamDef{
			"Thing": {{Name: "", Kind: KindToken}},
		}},
		{"composite unknown component", map[string][]ParamDef{
			"Thing": {P("a", KindToken, "a"), Composite("pair", "a", "nope")},
		}},
		{"composite too few components", map[string][]ParamDef{
			"Thing": {P("a", KindToken, "a"), Composite("pair", "a")},
		}},
		{"composite of composite", map[string][]ParamDef{
			"Thing": {
				P("a", KindToken, "a"), P("b", KindNumber, "b"),
				Composite("pair", "a", "b"), Composite("meta", "pair", "a"),
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.defs); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRegistryLookupAndOrder(t *testing.T) {
	r := DefaultRegistry()

	if !r.HasType("Patient") {
		t.Error("Patient should be declared")
	}
	if r.HasType("Widget") {
		t.Error("Widget should not be declared")
	}

	def, ok := r.Lookup("Observation", "code-value-quantity")
	if !ok || def.Kind != KindComposite || len(def.Components) != 2 {
		t.Errorf("composite lookup = %+v, %v", def, ok)
	}

	params := r.Params("Patient")
	if len(params) == 0 || params[0].Name != "identifier" {
		t.Errorf("Patient params out of declaration order: %+v", params)
	}
	if r.Params("Widget") != nil {
		t.Error("unmapped type should return nil params")
	}
}
