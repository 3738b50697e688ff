package fhir

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakeResolver struct {
	refs map[string]Ref
}

func (f *fakeResolver) ResolveRef(_ context.Context, token string) (Ref, error) {
	return f.refs[token], nil
}

func observationBody() map[string]interface{} {
	return map[string]interface{}{
		"status": "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "85354-9"},
			},
		},
		"subject": map[string]interface{}{"reference": "Patient/p1"},
		"component": []interface{}{
			map[string]interface{}{
				"code":          map[string]interface{}{"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8480-6"}}},
				"valueQuantity": map[string]interface{}{"value": 120.0},
			},
			map[string]interface{}{
				"code":          map[string]interface{}{"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8462-4"}}},
				"valueQuantity": map[string]interface{}{"value": 80.0},
			},
		},
		"effectiveDateTime": "2024-03-01T10:00:00Z",
	}
}

func TestExtractObservation(t *testing.T) {
	ex := NewExtractor(DefaultRegistry(), nil)
	rows, edges, err := ex.Extract(context.Background(), "Observation", observationBody())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	byName := map[string][]IndexRow{}
	for _, r := range rows {
		byName[r.ParamName] = append(byName[r.ParamName], r)
	}

	if got := byName["status"]; len(got) != 1 || got[0].TokenCode != "final" {
		t.Errorf("status rows = %+v", got)
	}
	if got := byName["code"]; len(got) != 1 || got[0].TokenSystem != "http://loinc.org" || got[0].TokenCode != "85354-9" {
		t.Errorf("code rows = %+v", got)
	}
	if got := byName["subject"]; len(got) != 1 || got[0].Ref != (Ref{Type: "Patient", ID: "p1"}) {
		t.Errorf("subject rows = %+v", got)
	}
	if got := byName["date"]; len(got) != 1 || got[0].ValueLow == nil || got[0].ValueHigh == nil {
		t.Errorf("date rows = %+v", got)
	}

	// Component rows carry the occurrence of their repeating element so
	// composite queries can require co-location.
	codes := byName["component-code"]
	values := byName["component-value"]
	if len(codes) != 2 || len(values) != 2 {
		t.Fatalf("component rows: codes=%d values=%d", len(codes), len(values))
	}
	if codes[0].Occurrence != 0 || codes[1].Occurrence != 1 {
		t.Errorf("component-code occurrences = %d, %d", codes[0].Occurrence, codes[1].Occurrence)
	}
	if values[0].Occurrence != 0 || *values[0].ValueNumber != 120.0 {
		t.Errorf("component-value[0] = %+v", values[0])
	}
	if values[1].Occurrence != 1 || *values[1].ValueNumber != 80.0 {
		t.Errorf("component-value[1] = %+v", values[1])
	}

	if len(edges) != 1 || edges[0].FieldPath != "subject" || edges[0].Ref != (Ref{Type: "Patient", ID: "p1"}) {
		t.Errorf("edges = %+v", edges)
	}
}

func TestExtractDeterministic(t *testing.T) {
	ex := NewExtractor(DefaultRegistry(), nil)
	a, ae, err := ex.Extract(context.Background(), "Observation", observationBody())
	if err != nil {
		t.Fatal(err)
	}
	b, be, err := ex.Extract(context.Background(), "Observation", observationBody())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("row sets differ between identical extractions")
	}
	if !reflect.DeepEqual(ae, be) {
		t.Error("edge sets differ between identical extractions")
	}
}

func TestExtractUnmappedType(t *testing.T) {
	ex := NewExtractor(DefaultRegistry(), nil)
	rows, edges, err := ex.Extract(context.Background(), "Widget", map[string]interface{}{
		"anything": "goes",
		"link":     map[string]interface{}{"reference": "Patient/p9"},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows for unmapped type, got %d", len(rows))
	}
	// Edges are recorded regardless of declared parameters.
	if len(edges) != 1 || edges[0].FieldPath != "link" {
		t.Errorf("edges = %+v", edges)
	}
}

func TestExtractBadDateFailsWrite(t *testing.T) {
	ex := NewExtractor(DefaultRegistry(), nil)
	body := map[string]interface{}{"birthDate": "yesterday-ish"}
	_, _, err := ex.Extract(context.Background(), "Patient", body)

	var xerr *ExtractionError
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *ExtractionError, got %v", err)
	}
	if xerr.Param != "birthdate" || xerr.ResourceType != "Patient" {
		t.Errorf("error identifies %s.%s", xerr.ResourceType, xerr.Param)
	}
}

func TestExtractResolvesOpaqueTokens(t *testing.T) {
	resolver := &fakeResolver{refs: map[string]Ref{"mrn-1": {Type: "Patient", ID: "p1"}}}
	ex := NewExtractor(DefaultRegistry(), resolver)

	body := map[string]interface{}{
		"subject": map[string]interface{}{"reference": "mrn-1"},
	}
	rows, edges, err := ex.Extract(context.Background(), "Observation", body)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	// The resolved reference points at the target's actual key, so exact
	// matching and chaining land on the right document.
	var subject *IndexRow
	for i := range rows {
		if rows[i].ParamName == "subject" {
			subject = &rows[i]
		}
	}
	if subject == nil || subject.Ref != (Ref{Type: "Patient", ID: "p1"}) {
		t.Errorf("subject row = %+v", subject)
	}
	if len(edges) != 1 || edges[0].Ref != (Ref{Type: "Patient", ID: "p1"}) {
		t.Errorf("edges = %+v", edges)
	}
}

func TestExtractUnresolvableTokenStaysUntyped(t *testing.T) {
	ex := NewExtractor(DefaultRegistry(), &fakeResolver{})
	body := map[string]interface{}{
		"subject": map[string]interface{}{"reference": "mystery-9"},
	}
	rows, _, err := ex.Extract(context.Background(), "Observation", body)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, r := range rows {
		if r.ParamName == "subject" && r.Ref.Typed() {
			t.Errorf("expected untyped ref, got %+v", r.Ref)
		}
	}
}

func TestExtractStringEncodedReferenceYieldsEdge(t *testing.T) {
	// A declared reference parameter encoded as a bare string never
	// matches the body walk's pointer shape; the edge must come from the
	// parameter itself or reverse-chained search cannot see the link.
	ex := NewExtractor(DefaultRegistry(), nil)
	rows, edges, err := ex.Extract(context.Background(), "Observation", map[string]interface{}{
		"subject": "Patient/p7",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	var subject *IndexRow
	for i := range rows {
		if rows[i].ParamName == "subject" {
			subject = &rows[i]
		}
	}
	if subject == nil || subject.Ref != (Ref{Type: "Patient", ID: "p7"}) {
		t.Errorf("subject row = %+v", subject)
	}
	if len(edges) != 1 || edges[0].FieldPath != "subject" || edges[0].Ref != (Ref{Type: "Patient", ID: "p7"}) {
		t.Errorf("edges = %+v", edges)
	}
}

type failingResolver struct{}

func (failingResolver) ResolveRef(context.Context, string) (Ref, error) {
	return Ref{}, errors.New("lookup unavailable")
}

func TestExtractEdgeResolverFailure(t *testing.T) {
	// Resolver failures during the body walk carry the same error shape
	// as declared-parameter failures, naming the field that broke.
	ex := NewExtractor(DefaultRegistry(), failingResolver{})
	_, _, err := ex.Extract(context.Background(), "Widget", map[string]interface{}{
		"link": map[string]interface{}{"reference": "mrn-404"},
	})

	var xerr *ExtractionError
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *ExtractionError, got %v", err)
	}
	if xerr.ResourceType != "Widget" || xerr.Param != "link" {
		t.Errorf("error identifies %s.%s", xerr.ResourceType, xerr.Param)
	}
}

func TestCollectEdgesStripsArrayIndexesAndDedups(t *testing.T) {
	ex := NewExtractor(DefaultRegistry(), nil)
	body := map[string]interface{}{
		"participant": []interface{}{
			map[string]interface{}{"individual": map[string]interface{}{"reference": "Practitioner/d1"}},
			map[string]interface{}{"individual": map[string]interface{}{"reference": "Practitioner/d2"}},
			map[string]interface{}{"individual": map[string]interface{}{"reference": "Practitioner/d1"}},
		},
	}
	_, edges, err := ex.Extract(context.Background(), "Widget", body)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 deduped edges, got %+v", edges)
	}
	for _, e := range edges {
		if e.FieldPath != "participant.individual" {
			t.Errorf("edge path = %q, want participant.individual", e.FieldPath)
		}
	}
}

func TestTokenParts(t *testing.T) {
	tests := []struct {
		name   string
		value  interface{}
		system string
		code   string
		ok     bool
	}{
		{"bare string", "final", "", "final", true},
		{"coding object", map[string]interface{}{"system": "s", "code": "c"}, "s", "c", true},
		{"codeable concept", map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"system": "s", "code": "c"}},
		}, "s", "c", true},
		{"identifier shape", map[string]interface{}{"system": "s", "value": "v"}, "s", "v", true},
		{"empty string", "", "", "", false},
		{"number", 5.0, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, code, ok := tokenParts(tt.value)
			if system != tt.system || code != tt.code || ok != tt.ok {
				t.Errorf("tokenParts(%v) = (%q, %q, %v), want (%q, %q, %v)",
					tt.value, system, code, ok, tt.system, tt.code, tt.ok)
			}
		})
	}
}
