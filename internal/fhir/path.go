package fhir

import (
	"fmt"
	"strings"
)

// Path is a parsed field-path expression evaluated against a document
// body. The syntax is a dot-separated list of segments; a segment ending
// in "[]" descends into every element of an array. Examples:
//
//	"status"
//	"subject.reference"
//	"item[].code.coding[].code"
//
// Evaluation is total: an absent field, a non-map where a map was
// expected, or a non-array before "[]" all yield zero values, never an
// error. This is what lets unknown document shapes pass through the
// extractor untouched.
type Path struct {
	raw  string
	segs []pathSegment
}

type pathSegment struct {
	field string
	each  bool
}

// ParsePath compiles a path expression. It fails only on syntactically
// empty segments; field names themselves are unrestricted.
func ParsePath(expr string) (Path, error) {
	if strings.TrimSpace(expr) == "" {
		return Path{}, fmt.Errorf("empty path expression")
	}
	var segs []pathSegment
	for _, part := range strings.Split(expr, ".") {
		each := strings.HasSuffix(part, "[]")
		field := strings.TrimSuffix(part, "[]")
		if field == "" {
			return Path{}, fmt.Errorf("empty segment in path %q", expr)
		}
		segs = append(segs, pathSegment{field: field, each: each})
	}
	return Path{raw: expr, segs: segs}, nil
}

// MustParsePath is ParsePath for statically-known expressions.
func MustParsePath(expr string) Path {
	p, err := ParsePath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original expression.
func (p Path) String() string { return p.raw }

// Root returns the first field name of the path with no array marker.
func (p Path) Root() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[0].field
}

// EdgePath returns the path in the normalized form reference edges are
// recorded under: array markers stripped, segments joined by dots, so a
// repeating field and its declared parameter share one edge path.
func (p Path) EdgePath() string {
	parts := make([]string, len(p.segs))
	for i, s := range p.segs {
		parts[i] = s.field
	}
	return strings.Join(parts, ".")
}

// PathValue is one value produced by evaluating a Path. Occurrence is the
// element index within the outermost repeating segment, or 0 when the
// path has none. Values drawn from the same array element share an
// occurrence, which is what composite parameters join on.
type PathValue struct {
	Value      interface{}
	Occurrence int
}

// Eval evaluates the path against a body. The result order is
// deterministic: array elements are visited in document order.
func (p Path) Eval(body map[string]interface{}) []PathValue {
	if len(p.segs) == 0 || body == nil {
		return nil
	}
	var out []PathValue
	p.eval(body, 0, 0, false, &out)
	return out
}

func (p Path) eval(v interface{}, seg, occ int, inArray bool, out *[]PathValue) {
	if seg == len(p.segs) {
		if v != nil {
			*out = append(*out, PathValue{Value: v, Occurrence: occ})
		}
		return
	}

	m, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	next, ok := m[p.segs[seg].field]
	if !ok || next == nil {
		return
	}

	if p.segs[seg].each {
		arr, ok := next.([]interface{})
		if !ok {
			// A scalar where an array was declared still yields one value.
			p.eval(next, seg+1, occ, inArray, out)
			return
		}
		for i, el := range arr {
			elOcc := occ
			if !inArray {
				// The outermost repeating segment defines the occurrence.
				elOcc = i
			}
			p.eval(el, seg+1, elOcc, true, out)
		}
		return
	}

	p.eval(next, seg+1, occ, inArray, out)
}
