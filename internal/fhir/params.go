package fhir

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the type of a search parameter and of the index rows it produces.
type Kind string

const (
	KindString    Kind = "string"
	KindNumber    Kind = "number"
	KindDate      Kind = "date"
	KindToken     Kind = "token"
	KindReference Kind = "reference"
	KindComposite Kind = "composite"
)

// Prefix is a comparator prefix on an ordered search value.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
)

// Modifier is a search parameter modifier.
type Modifier string

const (
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierMissing  Modifier = "missing"
)

// ParsedValue holds a search value with its comparator prefix split off.
type ParsedValue struct {
	Prefix Prefix
	Value  string
}

// ParseSearchValue extracts the comparator prefix from a search value.
// Examples: "gt2023-01-01" → (gt, "2023-01-01"), "100" → (eq, "100").
func ParseSearchValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		prefix := Prefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe:
			return ParsedValue{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" → ("name", "exact"), "code" → ("code", "").
func ParseParamModifier(paramName string) (string, Modifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], Modifier(parts[1])
	}
	return parts[0], ""
}

// ParseToken splits a token search value into its optional coding-system
// qualifier and code. "sys|code" → ("sys", "code"); "code" → ("", "code").
// A leading pipe ("|code") scopes the match to rows with no system.
func ParseToken(value string) (system, code string, hasSystem bool) {
	if strings.Contains(value, "|") {
		parts := strings.SplitN(value, "|", 2)
		return parts[0], parts[1], true
	}
	return "", value, false
}

// DateRange is the interval covered by a date value at its stated
// precision. A bare year covers the whole year, a year-month the whole
// month, a date the whole day. Low and High are inclusive.
type DateRange struct {
	Low  time.Time
	High time.Time
}

// ParseDateRange parses a date in any supported precision and expands it
// to the covered interval.
func ParseDateRange(s string) (DateRange, error) {
	for _, f := range []struct {
		layout string
		span   func(t time.Time) time.Time
	}{
		{time.RFC3339, func(t time.Time) time.Time { return t }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1).Add(-time.Second) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0).Add(-time.Second) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0).Add(-time.Second) }},
	} {
		if t, err := time.Parse(f.layout, s); err == nil {
			return DateRange{Low: t, High: f.span(t)}, nil
		}
	}
	return DateRange{}, fmt.Errorf("unable to parse date: %s", s)
}
