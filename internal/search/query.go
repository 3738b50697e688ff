package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ultraub/WintEHR-sub013/internal/fhir"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// UnsupportedParamError reports a search parameter the planner cannot
// serve: unknown name, unknown modifier, or a modifier/kind combination
// that has no meaning. It carries the parameter as written so the caller
// can echo it back.
type UnsupportedParamError struct {
	Param  string
	Reason string
}

func (e *UnsupportedParamError) Error() string {
	return fmt.Sprintf("unsupported search parameter %q: %s", e.Param, e.Reason)
}

// Predicate is one search condition. Values within a predicate are
// alternatives (any one matching suffices); separate predicates all have
// to hold. Chain names the target parameter for a chained search through
// a reference parameter.
type Predicate struct {
	Param    string
	Chain    string
	Modifier fhir.Modifier
	Values   []string
}

// HasPredicate is a reverse-chained condition: match documents that some
// document of SourceType points at through RefParam, where the source
// also satisfies Param=Values.
type HasPredicate struct {
	SourceType string
	RefParam   string
	Param      string
	Values     []string
}

// Query is a fully parsed search request against one resource type.
type Query struct {
	Type       string
	Predicates []Predicate
	Has        []HasPredicate
	Includes   []string
	Sort       []SortField
	Limit      int
	Offset     int
}

// SortField is one _sort component, referencing a declared parameter.
type SortField struct {
	Param string
	Desc  bool
}

// ParseQuery turns raw URL query parameters into a Query, validating
// every parameter against the registry. Control parameters start with an
// underscore; everything else must be a declared search parameter of the
// type, optionally chained or modified.
func ParseQuery(registry *fhir.Registry, resourceType string, values url.Values) (*Query, error) {
	q := &Query{Type: resourceType, Limit: defaultPageSize}

	for key, vals := range values {
		switch {
		case key == "_count":
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 0 {
				return nil, &UnsupportedParamError{Param: "_count", Reason: "must be a non-negative integer"}
			}
			if n > maxPageSize {
				n = maxPageSize
			}
			q.Limit = n
		case key == "_offset":
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 0 {
				return nil, &UnsupportedParamError{Param: "_offset", Reason: "must be a non-negative integer"}
			}
			q.Offset = n
		case key == "_sort":
			fields, err := parseSort(registry, resourceType, vals[0])
			if err != nil {
				return nil, err
			}
			q.Sort = fields
		case key == "_include":
			for _, v := range vals {
				name := v
				// Accept both "param" and "Type:param" spellings.
				if i := strings.Index(v, ":"); i >= 0 {
					name = v[i+1:]
				}
				def, ok := registry.Lookup(resourceType, name)
				if !ok || def.Kind != fhir.KindReference {
					return nil, &UnsupportedParamError{Param: "_include=" + v, Reason: "not a declared reference parameter"}
				}
				q.Includes = append(q.Includes, name)
			}
		case strings.HasPrefix(key, "_has:"):
			for _, v := range vals {
				has, err := parseHas(registry, key, v)
				if err != nil {
					return nil, err
				}
				q.Has = append(q.Has, *has)
			}
		case strings.HasPrefix(key, "_"):
			return nil, &UnsupportedParamError{Param: key, Reason: "unknown control parameter"}
		default:
			for _, v := range vals {
				pred, err := parsePredicate(registry, resourceType, key, v)
				if err != nil {
					return nil, err
				}
				q.Predicates = append(q.Predicates, *pred)
			}
		}
	}
	return q, nil
}

func parsePredicate(registry *fhir.Registry, resourceType, key, value string) (*Predicate, error) {
	name, modifier := fhir.ParseParamModifier(key)

	var chain string
	if i := strings.Index(name, "."); i >= 0 {
		name, chain = name[:i], name[i+1:]
		if chain == "" {
			return nil, &UnsupportedParamError{Param: key, Reason: "empty chained parameter"}
		}
	}

	def, ok := registry.Lookup(resourceType, name)
	if !ok {
		return nil, &UnsupportedParamError{Param: key, Reason: "not declared for " + resourceType}
	}

	switch modifier {
	case "", fhir.ModifierMissing:
	case fhir.ModifierExact, fhir.ModifierContains:
		if def.Kind != fhir.KindString {
			return nil, &UnsupportedParamError{Param: key, Reason: "modifier only applies to string parameters"}
		}
	default:
		return nil, &UnsupportedParamError{Param: key, Reason: "unknown modifier"}
	}

	if chain != "" {
		if def.Kind != fhir.KindReference {
			return nil, &UnsupportedParamError{Param: key, Reason: "chaining requires a reference parameter"}
		}
		if modifier != "" {
			return nil, &UnsupportedParamError{Param: key, Reason: "modifiers do not combine with chaining"}
		}
		if _, err := chainTargetKind(registry, chain); err != nil {
			return nil, &UnsupportedParamError{Param: key, Reason: err.Error()}
		}
	}

	if modifier == fhir.ModifierMissing && value != "true" && value != "false" {
		return nil, &UnsupportedParamError{Param: key, Reason: ":missing takes true or false"}
	}

	return &Predicate{
		Param:    name,
		Chain:    chain,
		Modifier: modifier,
		Values:   strings.Split(value, ","),
	}, nil
}

// parseHas parses a "_has:Type:refParam:param" key. The source type must
// declare refParam as a reference and param as a searchable parameter.
func parseHas(registry *fhir.Registry, key, value string) (*HasPredicate, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return nil, &UnsupportedParamError{Param: key, Reason: "expected _has:Type:refParam:param"}
	}
	srcType, refParam, param := parts[1], parts[2], parts[3]

	refDef, ok := registry.Lookup(srcType, refParam)
	if !ok || refDef.Kind != fhir.KindReference {
		return nil, &UnsupportedParamError{Param: key, Reason: refParam + " is not a reference parameter of " + srcType}
	}
	if def, ok := registry.Lookup(srcType, param); !ok || def.Kind == fhir.KindComposite {
		return nil, &UnsupportedParamError{Param: key, Reason: param + " is not a searchable parameter of " + srcType}
	}

	return &HasPredicate{
		SourceType: srcType,
		RefParam:   refParam,
		Param:      param,
		Values:     strings.Split(value, ","),
	}, nil
}

func parseSort(registry *fhir.Registry, resourceType, raw string) ([]SortField, error) {
	var fields []SortField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f := SortField{Param: part}
		if strings.HasPrefix(part, "-") {
			f.Desc = true
			f.Param = part[1:]
		}
		def, ok := registry.Lookup(resourceType, f.Param)
		if !ok || def.Kind == fhir.KindComposite {
			return nil, &UnsupportedParamError{Param: "_sort=" + part, Reason: "not a sortable parameter of " + resourceType}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// chainTargetKind resolves the kind of a chained target parameter. With
// no declared target type on reference parameters, the target name must
// carry one consistent kind across every type that declares it.
func chainTargetKind(registry *fhir.Registry, name string) (fhir.Kind, error) {
	var kind fhir.Kind
	for _, typ := range registry.Types() {
		def, ok := registry.Lookup(typ, name)
		if !ok {
			continue
		}
		if def.Kind == fhir.KindComposite {
			continue
		}
		if kind != "" && kind != def.Kind {
			return "", fmt.Errorf("chained parameter %q is ambiguous across target types", name)
		}
		kind = def.Kind
	}
	if kind == "" {
		return "", fmt.Errorf("chained parameter %q is not declared by any type", name)
	}
	return kind, nil
}
