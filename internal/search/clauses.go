package search

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ultraub/WintEHR-sub013/internal/fhir"
)

// Value clause builders. Each produces a SQL fragment over one aliased
// index_rows row, binding positional arguments starting at argIdx, and
// returns the next free index. The planner wraps these in EXISTS
// subqueries so that repeating fields and OR'd values collapse to
// document-level set semantics.

// StringValueClause matches a string row. Default is case-insensitive
// prefix match; :exact compares verbatim, :contains matches anywhere.
func StringValueClause(alias, value string, modifier fhir.Modifier, argIdx int) (string, []interface{}, int) {
	col := alias + ".value_text"
	switch modifier {
	case fhir.ModifierExact:
		return fmt.Sprintf("%s = $%d", col, argIdx), []interface{}{value}, argIdx + 1
	case fhir.ModifierContains:
		return fmt.Sprintf("%s ILIKE $%d", col, argIdx), []interface{}{"%" + likeEscape(value) + "%"}, argIdx + 1
	default:
		return fmt.Sprintf("%s ILIKE $%d", col, argIdx), []interface{}{likeEscape(value) + "%"}, argIdx + 1
	}
}

// TokenValueClause matches a token row: "code" matches any system,
// "sys|code" scopes to the system, "sys|" matches any code under the
// system, and "|code" requires a row with no system at all.
func TokenValueClause(alias, value string, argIdx int) (string, []interface{}, int) {
	sysCol, codeCol := alias+".token_system", alias+".token_code"
	system, code, hasSystem := fhir.ParseToken(value)

	if !hasSystem {
		return fmt.Sprintf("%s = $%d", codeCol, argIdx), []interface{}{code}, argIdx + 1
	}
	if system == "" {
		return fmt.Sprintf("(%s IS NULL AND %s = $%d)", sysCol, codeCol, argIdx), []interface{}{code}, argIdx + 1
	}
	if code == "" {
		return fmt.Sprintf("%s = $%d", sysCol, argIdx), []interface{}{system}, argIdx + 1
	}
	clause := fmt.Sprintf("(%s = $%d AND %s = $%d)", sysCol, argIdx, codeCol, argIdx+1)
	return clause, []interface{}{system, code}, argIdx + 2
}

// DateValueClause matches a date row with prefix support. Stored values
// are intervals at their stated precision, so equality means overlap:
// the stored interval and the query interval share at least one instant.
func DateValueClause(alias, value string, argIdx int) (string, []interface{}, int, error) {
	lowCol, highCol := alias+".value_ts_low", alias+".value_ts_high"
	parsed := fhir.ParseSearchValue(value)

	dr, err := fhir.ParseDateRange(parsed.Value)
	if err != nil {
		return "", nil, argIdx, err
	}

	switch parsed.Prefix {
	case fhir.PrefixGt:
		return fmt.Sprintf("%s > $%d", highCol, argIdx), []interface{}{dr.High}, argIdx + 1, nil
	case fhir.PrefixLt:
		return fmt.Sprintf("%s < $%d", lowCol, argIdx), []interface{}{dr.Low}, argIdx + 1, nil
	case fhir.PrefixGe:
		return fmt.Sprintf("%s >= $%d", highCol, argIdx), []interface{}{dr.Low}, argIdx + 1, nil
	case fhir.PrefixLe:
		return fmt.Sprintf("%s <= $%d", lowCol, argIdx), []interface{}{dr.High}, argIdx + 1, nil
	case fhir.PrefixNe:
		clause := fmt.Sprintf("NOT (%s <= $%d AND %s >= $%d)", lowCol, argIdx, highCol, argIdx+1)
		return clause, []interface{}{dr.High, dr.Low}, argIdx + 2, nil
	default: // eq
		clause := fmt.Sprintf("(%s <= $%d AND %s >= $%d)", lowCol, argIdx, highCol, argIdx+1)
		return clause, []interface{}{dr.High, dr.Low}, argIdx + 2, nil
	}
}

// NumberValueClause matches a number row with prefix support.
func NumberValueClause(alias, value string, argIdx int) (string, []interface{}, int, error) {
	col := alias + ".value_number"
	parsed := fhir.ParseSearchValue(value)

	n, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return "", nil, argIdx, fmt.Errorf("not a number: %s", parsed.Value)
	}

	op := "="
	switch parsed.Prefix {
	case fhir.PrefixGt:
		op = ">"
	case fhir.PrefixLt:
		op = "<"
	case fhir.PrefixGe:
		op = ">="
	case fhir.PrefixLe:
		op = "<="
	case fhir.PrefixNe:
		op = "!="
	}
	return fmt.Sprintf("%s %s $%d", col, op, argIdx), []interface{}{n}, argIdx + 1, nil
}

// ReferenceValueClause matches a reference row against a canonical query
// reference. A typed query value still matches untyped stored rows on ID
// alone; an untyped query value matches on ID regardless of stored type.
func ReferenceValueClause(alias, value string, argIdx int) (string, []interface{}, int) {
	typeCol, idCol := alias+".ref_type", alias+".ref_id"
	ref, ok := fhir.ParseReference(value)
	if !ok {
		ref = fhir.Ref{ID: value}
	}

	if !ref.Typed() {
		return fmt.Sprintf("%s = $%d", idCol, argIdx), []interface{}{ref.ID}, argIdx + 1
	}
	clause := fmt.Sprintf("(%s = $%d AND (%s IS NULL OR %s = $%d))", idCol, argIdx, typeCol, typeCol, argIdx+1)
	return clause, []interface{}{ref.ID, ref.Type}, argIdx + 2
}

// valueClause dispatches on kind, OR-ing a predicate's alternative
// values into one fragment.
func valueClause(alias string, kind fhir.Kind, modifier fhir.Modifier, values []string, argIdx int) (string, []interface{}, int, error) {
	var (
		parts []string
		args  []interface{}
	)
	for _, v := range values {
		var (
			clause string
			vargs  []interface{}
			err    error
		)
		switch kind {
		case fhir.KindString:
			clause, vargs, argIdx = StringValueClause(alias, v, modifier, argIdx)
		case fhir.KindToken:
			clause, vargs, argIdx = TokenValueClause(alias, v, argIdx)
		case fhir.KindDate:
			clause, vargs, argIdx, err = DateValueClause(alias, v, argIdx)
		case fhir.KindNumber:
			clause, vargs, argIdx, err = NumberValueClause(alias, v, argIdx)
		case fhir.KindReference:
			clause, vargs, argIdx = ReferenceValueClause(alias, v, argIdx)
		default:
			err = fmt.Errorf("no value clause for kind %q", kind)
		}
		if err != nil {
			return "", nil, argIdx, err
		}
		parts = append(parts, clause)
		args = append(args, vargs...)
	}

	if len(parts) == 1 {
		return parts[0], args, argIdx, nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", args, argIdx, nil
}

// likeEscape neutralizes LIKE metacharacters in user-supplied values so
// they match literally.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
