package fhir

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// IndexRow is one typed, queryable value derived from a document field.
// Exactly one value slot is populated, matching Kind. Rows are pure
// derived state: the full set for a document is regenerated on every
// write and can be rebuilt from the body at any time.
type IndexRow struct {
	ParamName  string
	Kind       Kind
	Occurrence int

	ValueText   string     // string kind
	ValueNumber *float64   // number kind
	ValueLow    *time.Time // date kind: inclusive interval covered by the
	ValueHigh   *time.Time // value at its stated precision
	TokenSystem string     // token kind: optional coding-system qualifier
	TokenCode   string     // token kind
	Ref         Ref        // reference kind, canonical form
}

// RefEdge is one recorded outbound pointer from a document. FieldPath is
// the normalized path where the pointer was found (array indexes
// stripped), so edges from repeating fields share a path. Edges are
// emitted for every value of a declared reference parameter and for
// every field matching the pointer convention, deduplicated on
// (path, target); reverse-chained search joins on them.
type RefEdge struct {
	FieldPath string
	Ref       Ref
}

// ExtractionError marks a rule that failed on a specific document. The
// write that triggered extraction must be rolled back; the error carries
// the rule name so the registry can be corrected.
type ExtractionError struct {
	ResourceType string
	Param        string
	Err          error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s parameter %q: %v", e.ResourceType, e.Param, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// RefResolver resolves an opaque reference token to the document it
// names, typically by matching a secondary identifier on stored
// documents. Returning a zero Ref means the token is unresolvable; the
// reference stays untyped under its original token and downstream
// matching falls back to ID-only.
type RefResolver interface {
	ResolveRef(ctx context.Context, token string) (Ref, error)
}

// Extractor derives IndexRows and RefEdges from document bodies using a
// declarative parameter registry. It holds no mutable state and is safe
// for concurrent use.
type Extractor struct {
	registry *Registry
	resolver RefResolver
}

// NewExtractor builds an Extractor. resolver may be nil, in which case
// opaque reference tokens are stored untyped.
func NewExtractor(registry *Registry, resolver RefResolver) *Extractor {
	return &Extractor{registry: registry, resolver: resolver}
}

// Extract produces the complete row and edge set for one document body.
// It is total over document shapes: an unmapped resource type yields zero
// rows, and a rule whose path is absent in this body yields zero rows for
// that rule. A rule that panics on a value it cannot interpret surfaces
// as *ExtractionError and must fail the enclosing write.
//
// Output ordering is deterministic (registry declaration order, then
// path order, then document order), so extracting the same body twice
// yields identical sets.
func (e *Extractor) Extract(ctx context.Context, resourceType string, body map[string]interface{}) ([]IndexRow, []RefEdge, error) {
	var (
		rows  []IndexRow
		edges []RefEdge
	)
	seen := make(map[string]struct{})
	addEdge := func(path string, ref Ref) {
		key := path + "\x00" + ref.Type + "\x00" + ref.ID
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		edges = append(edges, RefEdge{FieldPath: path, Ref: ref})
	}

	for _, def := range e.registry.Params(resourceType) {
		if def.Kind == KindComposite {
			// Composites own no paths; their components produce the rows.
			continue
		}
		defRows, err := e.extractParam(ctx, resourceType, def, body, addEdge)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, defRows...)
	}

	if err := e.collectEdges(ctx, resourceType, body, addEdge); err != nil {
		return nil, nil, err
	}
	return rows, edges, nil
}

func (e *Extractor) extractParam(ctx context.Context, resourceType string, def ParamDef, body map[string]interface{}, addEdge func(string, Ref)) (rows []IndexRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExtractionError{ResourceType: resourceType, Param: def.Name, Err: fmt.Errorf("%v", r)}
		}
	}()

	for _, path := range def.Paths {
		values := path.Eval(body)
		for _, pv := range values {
			row, ok, convErr := buildRow(def, pv)
			if convErr != nil {
				return nil, &ExtractionError{ResourceType: resourceType, Param: def.Name, Err: convErr}
			}
			if !ok {
				continue
			}
			if def.Kind == KindReference {
				if !row.Ref.Typed() && e.resolver != nil {
					resolved, rerr := e.resolver.ResolveRef(ctx, row.Ref.ID)
					if rerr != nil {
						return nil, &ExtractionError{ResourceType: resourceType, Param: def.Name, Err: rerr}
					}
					if !resolved.IsZero() {
						row.Ref = resolved
					}
				}
				// Declared references are recorded as edges regardless of how
				// the pointer is encoded; bare-string pointers never match the
				// body walk.
				addEdge(path.EdgePath(), row.Ref)
			}
			rows = append(rows, row)
		}
		if def.FirstOf && len(rows) > 0 {
			break
		}
	}
	return rows, nil
}

// buildRow converts one path value into an IndexRow. Values whose shape
// does not fit the declared kind are skipped rather than failing: a body
// is free to put unexpected structures in undeclared corners, and the
// rule simply does not apply there.
func buildRow(def ParamDef, pv PathValue) (IndexRow, bool, error) {
	row := IndexRow{ParamName: def.Name, Kind: def.Kind, Occurrence: pv.Occurrence}

	switch def.Kind {
	case KindString:
		s, ok := pv.Value.(string)
		if !ok || s == "" {
			return row, false, nil
		}
		row.ValueText = s

	case KindNumber:
		n, ok := asNumber(pv.Value)
		if !ok {
			return row, false, nil
		}
		row.ValueNumber = &n

	case KindDate:
		s, ok := pv.Value.(string)
		if !ok || s == "" {
			return row, false, nil
		}
		dr, err := ParseDateRange(s)
		if err != nil {
			return row, false, err
		}
		low, high := dr.Low, dr.High
		row.ValueLow, row.ValueHigh = &low, &high

	case KindToken:
		sys, code, ok := tokenParts(pv.Value)
		if !ok {
			return row, false, nil
		}
		row.TokenSystem, row.TokenCode = sys, code

	case KindReference:
		raw, ok := refValue(pv.Value)
		if !ok {
			return row, false, nil
		}
		ref, ok := ParseReference(raw)
		if !ok {
			return row, false, nil
		}
		row.Ref = ref

	default:
		return row, false, fmt.Errorf("unsupported kind %q", def.Kind)
	}

	return row, true, nil
}

// tokenParts reads the coded value and optional system qualifier from
// the shapes a token field can take: a bare string, a {system, code}
// coding, or a codeable concept whose first coding carries the pair.
// The system must never be folded into the code; scoped equality in the
// planner depends on the split.
func tokenParts(v interface{}) (system, code string, ok bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", "", false
		}
		return "", t, true
	case map[string]interface{}:
		if c, isStr := t["code"].(string); isStr && c != "" {
			sys, _ := t["system"].(string)
			return sys, c, true
		}
		if codings, isArr := t["coding"].([]interface{}); isArr {
			for _, el := range codings {
				if m, isMap := el.(map[string]interface{}); isMap {
					if c, isStr := m["code"].(string); isStr && c != "" {
						sys, _ := m["system"].(string)
						return sys, c, true
					}
				}
			}
		}
		if val, isStr := t["value"].(string); isStr && val != "" {
			sys, _ := t["system"].(string)
			return sys, val, true
		}
	}
	return "", "", false
}

func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// collectEdges walks the entire body and records an edge for every field
// whose shape matches the pointer convention, independent of declared
// search parameters. Map keys are visited in sorted order so the edge
// set is deterministic. addEdge is shared with parameter extraction, so
// a field that is both declared and walker-visible yields one edge.
func (e *Extractor) collectEdges(ctx context.Context, resourceType string, body map[string]interface{}, addEdge func(string, Ref)) error {
	var walk func(v interface{}, path string) error
	walk = func(v interface{}, path string) error {
		switch t := v.(type) {
		case map[string]interface{}:
			if raw, ok := t["reference"].(string); ok && raw != "" {
				ref, ok := ParseReference(raw)
				if ok {
					if !ref.Typed() && e.resolver != nil {
						resolved, err := e.resolver.ResolveRef(ctx, ref.ID)
						if err != nil {
							return &ExtractionError{ResourceType: resourceType, Param: path, Err: fmt.Errorf("resolve reference: %w", err)}
						}
						if !resolved.IsZero() {
							ref = resolved
						}
					}
					addEdge(path, ref)
				}
				return nil
			}
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				child := k
				if path != "" {
					child = path + "." + k
				}
				if err := walk(t[k], child); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, el := range t {
				// Array indexes are stripped: edges from a repeating field
				// share the field path.
				if err := walk(el, path); err != nil {
					return err
				}
			}
		}
		return nil
	}

	return walk(body, "")
}
