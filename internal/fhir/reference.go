package fhir

import (
	"strings"
)

// Ref is the canonical form of a document pointer. Every reference
// encoding found in a document body is normalized to this form exactly
// once; downstream components compare Refs instead of re-parsing strings.
//
// Type is empty for opaque encodings that carry no target type. Callers
// must tolerate an untyped Ref and fall back to ID-only matching.
type Ref struct {
	Type string
	ID   string
}

// Typed reports whether the reference carries a target resource type.
func (r Ref) Typed() bool { return r.Type != "" }

// IsZero reports whether the reference is empty.
func (r Ref) IsZero() bool { return r.ID == "" }

// String renders the canonical text form: "Type/id" or bare "id".
func (r Ref) String() string {
	if r.Type == "" {
		return r.ID
	}
	return r.Type + "/" + r.ID
}

// Matches applies the reference equality rule. An untyped side matches
// any type on the other side as long as the IDs agree. This is a
// deliberate conservative superset: it can never produce a false
// negative, and the possible false positive across unrelated types
// sharing an identifier is an accepted trade-off.
func (r Ref) Matches(q Ref) bool {
	if r.ID == "" || r.ID != q.ID {
		return false
	}
	if r.Type == "" || q.Type == "" {
		return true
	}
	return r.Type == q.Type
}

// ParseReference canonicalizes the supported pointer encodings:
//
//	"Patient/p1"                            → Typed
//	"https://example.org/fhir/Patient/p1"   → Typed (trailing Type/id)
//	"urn:uuid:3f2a..."                      → Untyped
//	"3f2a..." (opaque token)                → Untyped
//
// It is a pure function; opaque tokens are resolved to a type later, if
// at all, by the extractor. Returns false for empty input.
func ParseReference(raw string) (Ref, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, false
	}

	if strings.HasPrefix(raw, "urn:uuid:") {
		id := strings.TrimPrefix(raw, "urn:uuid:")
		if id == "" {
			return Ref{}, false
		}
		return Ref{ID: id}, true
	}

	// Absolute URL or local composite: the last two path segments are
	// "Type/id" when the segment before the id looks like a resource type.
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		id := raw[idx+1:]
		rest := raw[:idx]
		typ := rest
		if j := strings.LastIndex(rest, "/"); j >= 0 {
			typ = rest[j+1:]
		}
		if id == "" || !isResourceTypeName(typ) {
			return Ref{}, false
		}
		return Ref{Type: typ, ID: id}, true
	}

	// Opaque locally-unique token with no declared type.
	return Ref{ID: raw}, true
}

// isResourceTypeName reports whether s looks like a resource type name:
// an initial uppercase letter followed by letters and digits. URL hosts
// and scheme fragments fail this test, which is what keeps
// "https://example.org" from being read as a type.
func isResourceTypeName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// refValue extracts the raw reference string from a field value that
// follows the pointer convention: either a plain string or an object
// with a "reference" entry.
func refValue(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case map[string]interface{}:
		if s, ok := t["reference"].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
