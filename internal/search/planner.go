package search

import (
	"fmt"
	"strings"

	"github.com/ultraub/WintEHR-sub013/internal/fhir"
)

// Plan is a compiled search query: a WHERE tail over the documents table
// (aliased d) plus bind arguments, ready to run as a count query and a
// page query. Every predicate compiles to one EXISTS subquery against
// index_rows, so multi-valued fields and OR'd alternatives can never
// duplicate a document in the result.
type Plan struct {
	where    string
	args     []interface{}
	idx      int
	orderBy  string
	sortArgs []interface{}
	alias    int
}

// BuildPlan compiles a parsed Query against the registry.
func BuildPlan(registry *fhir.Registry, q *Query) (*Plan, error) {
	p := &Plan{idx: 2} // $1 is the resource type
	for _, pred := range q.Predicates {
		if err := p.addPredicate(registry, q.Type, pred); err != nil {
			return nil, err
		}
	}
	for _, has := range q.Has {
		if err := p.addHas(registry, has); err != nil {
			return nil, err
		}
	}
	if err := p.applySort(registry, q.Type, q.Sort); err != nil {
		return nil, err
	}
	return p, nil
}

// CountSQL counts matching documents without paging.
func (p *Plan) CountSQL() string {
	return "SELECT COUNT(*) FROM documents d WHERE d.resource_type = $1 AND d.deleted = FALSE" + p.where
}

func (p *Plan) CountArgs(resourceType string) []interface{} {
	args := make([]interface{}, 0, len(p.args)+1)
	args = append(args, resourceType)
	return append(args, p.args...)
}

// PageSQL selects one page of matching documents.
func (p *Plan) PageSQL() string {
	sql := "SELECT d.resource_type, d.resource_id, d.version, d.deleted, d.body, d.updated_at" +
		" FROM documents d WHERE d.resource_type = $1 AND d.deleted = FALSE" + p.where +
		" ORDER BY " + p.orderBy
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", p.idx, p.idx+1)
	return sql
}

func (p *Plan) PageArgs(resourceType string, limit, offset int) []interface{} {
	args := make([]interface{}, 0, len(p.args)+len(p.sortArgs)+3)
	args = append(args, resourceType)
	args = append(args, p.args...)
	args = append(args, p.sortArgs...)
	return append(args, limit, offset)
}

func (p *Plan) nextAlias(prefix string) string {
	p.alias++
	return fmt.Sprintf("%s%d", prefix, p.alias)
}

func (p *Plan) add(clause string, args ...interface{}) {
	p.where += " AND " + clause
	p.args = append(p.args, args...)
}

func (p *Plan) addPredicate(registry *fhir.Registry, resourceType string, pred Predicate) error {
	def, ok := registry.Lookup(resourceType, pred.Param)
	if !ok {
		return &UnsupportedParamError{Param: pred.Param, Reason: "not declared for " + resourceType}
	}

	switch {
	case pred.Modifier == fhir.ModifierMissing:
		return p.addMissing(def, pred)
	case pred.Chain != "":
		return p.addChained(registry, pred)
	case def.Kind == fhir.KindComposite:
		return p.addComposite(registry, resourceType, def, pred)
	default:
		alias := p.nextAlias("ir")
		clause, args, next, err := valueClause(alias, def.Kind, pred.Modifier, pred.Values, p.idx+1)
		if err != nil {
			return &UnsupportedParamError{Param: pred.Param, Reason: err.Error()}
		}
		sub := fmt.Sprintf(
			"EXISTS (SELECT 1 FROM index_rows %s WHERE %s.resource_type = d.resource_type AND %s.resource_id = d.resource_id AND %s.param_name = $%d AND %s)",
			alias, alias, alias, alias, p.idx, clause)
		p.add(sub, append([]interface{}{pred.Param}, args...)...)
		p.idx = next
		return nil
	}
}

// addMissing compiles :missing. A parameter is missing when extraction
// produced no rows for it at all, so absence of rows is the test.
func (p *Plan) addMissing(def fhir.ParamDef, pred Predicate) error {
	if def.Kind == fhir.KindComposite {
		return &UnsupportedParamError{Param: pred.Param, Reason: ":missing does not apply to composite parameters"}
	}
	alias := p.nextAlias("ir")
	sub := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM index_rows %s WHERE %s.resource_type = d.resource_type AND %s.resource_id = d.resource_id AND %s.param_name = $%d)",
		alias, alias, alias, alias, p.idx)
	if pred.Values[0] == "true" {
		sub = "NOT " + sub
	}
	p.add(sub, pred.Param)
	p.idx++
	return nil
}

// addChained compiles param.target=value: a reference row on the
// candidate whose target document has a matching row of its own. An
// untyped reference row chains by ID alone, accepting any target type
// that declares the parameter.
func (p *Plan) addChained(registry *fhir.Registry, pred Predicate) error {
	kind, err := chainTargetKind(registry, pred.Chain)
	if err != nil {
		return &UnsupportedParamError{Param: pred.Param + "." + pred.Chain, Reason: err.Error()}
	}

	refAlias := p.nextAlias("cr")
	tgtAlias := p.nextAlias("ct")

	refIdx := p.idx
	tgtIdx := p.idx + 1
	clause, args, next, err := valueClause(tgtAlias, kind, "", pred.Values, p.idx+2)
	if err != nil {
		return &UnsupportedParamError{Param: pred.Param + "." + pred.Chain, Reason: err.Error()}
	}

	sub := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM index_rows %s WHERE %s.resource_type = d.resource_type AND %s.resource_id = d.resource_id AND %s.param_name = $%d"+
			" AND EXISTS (SELECT 1 FROM index_rows %s WHERE %s.resource_id = %s.ref_id AND (%s.ref_type IS NULL OR %s.resource_type = %s.ref_type)"+
			" AND %s.param_name = $%d AND %s))",
		refAlias, refAlias, refAlias, refAlias, refIdx,
		tgtAlias, tgtAlias, refAlias, refAlias, tgtAlias, refAlias,
		tgtAlias, tgtIdx, clause)

	allArgs := append([]interface{}{pred.Param, pred.Chain}, args...)
	p.add(sub, allArgs...)
	p.idx = next
	return nil
}

// addComposite compiles a composite value "a$b$...": every component must
// match within the same occurrence, which is how co-location inside one
// repeating element is encoded.
func (p *Plan) addComposite(registry *fhir.Registry, resourceType string, def fhir.ParamDef, pred Predicate) error {
	var ors []string
	for _, raw := range pred.Values {
		parts := strings.Split(raw, "$")
		if len(parts) != len(def.Components) {
			return &UnsupportedParamError{
				Param:  pred.Param,
				Reason: fmt.Sprintf("composite value needs %d $-separated components", len(def.Components)),
			}
		}

		aliases := make([]string, len(def.Components))
		for i := range def.Components {
			aliases[i] = p.nextAlias("cc")
		}

		first := aliases[0]
		sub := fmt.Sprintf("EXISTS (SELECT 1 FROM index_rows %s", first)
		for _, a := range aliases[1:] {
			sub += fmt.Sprintf(
				" JOIN index_rows %s ON %s.resource_type = %s.resource_type AND %s.resource_id = %s.resource_id AND %s.occurrence = %s.occurrence",
				a, a, first, a, first, a, first)
		}
		sub += fmt.Sprintf(" WHERE %s.resource_type = d.resource_type AND %s.resource_id = d.resource_id", first, first)

		var args []interface{}
		for i, comp := range def.Components {
			compDef, ok := registry.Lookup(resourceType, comp)
			if !ok {
				return &UnsupportedParamError{Param: pred.Param, Reason: "unknown component " + comp}
			}
			sub += fmt.Sprintf(" AND %s.param_name = $%d", aliases[i], p.idx)
			args = append(args, comp)
			p.idx++

			clause, cargs, next, err := valueClause(aliases[i], compDef.Kind, "", []string{parts[i]}, p.idx)
			if err != nil {
				return &UnsupportedParamError{Param: pred.Param, Reason: err.Error()}
			}
			sub += " AND " + clause
			args = append(args, cargs...)
			p.idx = next
		}
		sub += ")"

		ors = append(ors, sub)
		p.args = append(p.args, args...)
	}

	if len(ors) == 1 {
		p.where += " AND " + ors[0]
	} else {
		p.where += " AND (" + strings.Join(ors, " OR ") + ")"
	}
	return nil
}

// addHas compiles _has:Type:refParam:param=value against the reference
// edge ledger: some document of the source type has an edge pointing at
// the candidate through one of refParam's declared field paths and
// itself satisfies param=value. Edges recorded without a target type
// match the candidate on ID alone.
func (p *Plan) addHas(registry *fhir.Registry, has HasPredicate) error {
	label := "_has:" + has.SourceType + ":" + has.RefParam + ":" + has.Param
	refDef, ok := registry.Lookup(has.SourceType, has.RefParam)
	if !ok || refDef.Kind != fhir.KindReference {
		return &UnsupportedParamError{Param: label, Reason: has.RefParam + " is not a reference parameter of " + has.SourceType}
	}
	def, ok := registry.Lookup(has.SourceType, has.Param)
	if !ok {
		return &UnsupportedParamError{Param: label, Reason: has.Param + " is not declared for " + has.SourceType}
	}

	edgePaths := make([]string, len(refDef.Paths))
	for i, pth := range refDef.Paths {
		edgePaths[i] = pth.EdgePath()
	}

	edgeAlias := p.nextAlias("he")
	prmAlias := p.nextAlias("hp")

	typeIdx, pathIdx, prmIdx := p.idx, p.idx+1, p.idx+2
	clause, args, next, err := valueClause(prmAlias, def.Kind, "", has.Values, p.idx+3)
	if err != nil {
		return &UnsupportedParamError{Param: label, Reason: err.Error()}
	}

	sub := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM reference_edges %s WHERE %s.source_type = $%d AND %s.field_path = ANY($%d)"+
			" AND %s.target_id = d.resource_id AND (%s.target_type IS NULL OR %s.target_type = d.resource_type)"+
			" AND EXISTS (SELECT 1 FROM index_rows %s WHERE %s.resource_type = %s.source_type AND %s.resource_id = %s.source_id"+
			" AND %s.param_name = $%d AND %s))",
		edgeAlias, edgeAlias, typeIdx, edgeAlias, pathIdx,
		edgeAlias, edgeAlias, edgeAlias,
		prmAlias, prmAlias, edgeAlias, prmAlias, edgeAlias,
		prmAlias, prmIdx, clause)

	allArgs := append([]interface{}{has.SourceType, edgePaths, has.Param}, args...)
	p.add(sub, allArgs...)
	p.idx = next
	return nil
}

// applySort sets ORDER BY. Without _sort the newest documents come
// first; with _sort each field orders by the parameter's extracted value
// through a scalar subquery, documents without a value last. The key is
// always the final tiebreaker so paging is stable.
func (p *Plan) applySort(registry *fhir.Registry, resourceType string, fields []SortField) error {
	if len(fields) == 0 {
		p.orderBy = "d.updated_at DESC, d.resource_id ASC"
		return nil
	}

	var parts []string
	for _, f := range fields {
		def, ok := registry.Lookup(resourceType, f.Param)
		if !ok || def.Kind == fhir.KindComposite {
			return &UnsupportedParamError{Param: "_sort=" + f.Param, Reason: "not a sortable parameter of " + resourceType}
		}

		col := sortColumn(def.Kind)
		agg, dir := "MIN", "ASC"
		if f.Desc {
			agg, dir = "MAX", "DESC"
		}
		parts = append(parts, fmt.Sprintf(
			"(SELECT %s(sv.%s) FROM index_rows sv WHERE sv.resource_type = d.resource_type AND sv.resource_id = d.resource_id AND sv.param_name = $%d) %s NULLS LAST",
			agg, col, p.idx, dir))
		p.sortArgs = append(p.sortArgs, f.Param)
		p.idx++
	}
	parts = append(parts, "d.resource_id ASC")
	p.orderBy = strings.Join(parts, ", ")
	return nil
}

func sortColumn(kind fhir.Kind) string {
	switch kind {
	case fhir.KindNumber:
		return "value_number"
	case fhir.KindDate:
		return "value_ts_low"
	case fhir.KindToken:
		return "token_code"
	case fhir.KindReference:
		return "ref_id"
	default:
		return "value_text"
	}
}
