// constraint.go: Version range expressions ("=", ">", ">=", "<", "<=" joined by commas)
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"strings"
)

// ConstraintOperator is a comparison operator of a single constraint clause.
type ConstraintOperator string

const (
	OpEqual          ConstraintOperator = "="
	OpGreater        ConstraintOperator = ">"
	OpGreaterOrEqual ConstraintOperator = ">="
	OpLess           ConstraintOperator = "<"
	OpLessOrEqual    ConstraintOperator = "<="
)

// operators are checked longest first so ">=" is never read as ">".
var operators = []ConstraintOperator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess, OpEqual}

// operatorAliases are the typographic spellings accepted on input. Clauses
// always render with the ASCII operator.
var operatorAliases = map[string]ConstraintOperator{
	"≥": OpGreaterOrEqual,
	"≤": OpLessOrEqual,
}

// ConstraintClause is one "(operator, version)" predicate.
type ConstraintClause struct {
	Op      ConstraintOperator
	Version Version
}

func (c ConstraintClause) matches(v Version) bool {
	cmp := v.Compare(c.Version)
	switch c.Op {
	case OpEqual:
		return cmp == 0
	case OpGreater:
		return cmp > 0
	case OpGreaterOrEqual:
		return cmp >= 0
	case OpLess:
		return cmp < 0
	case OpLessOrEqual:
		return cmp <= 0
	default:
		return false
	}
}

func (c ConstraintClause) String() string {
	return string(c.Op) + c.Version.String()
}

// VersionConstraint is an immutable AND of clauses. A constraint without
// clauses matches every version.
//
// Comparison is pure semver precedence, so ">=1.0.0" also matches
// "1.5.0-beta" and "<1.0.0" matches "1.0.0-rc1".
type VersionConstraint struct {
	clauses []ConstraintClause
}

// AnyVersion returns the always-true constraint.
func AnyVersion() VersionConstraint { return VersionConstraint{} }

// ParseConstraint parses a comma separated range expression such as
// ">=1.0.0,<2.0.0". The empty expression and "*" match everything; a clause
// starting with a digit is an implicit "=". "≥" and "≤" are read as ">=" and
// "<=".
func ParseConstraint(expr string) (VersionConstraint, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" || trimmed == "*" {
		return VersionConstraint{}, nil
	}

	parts := strings.Split(trimmed, ",")
	clauses := make([]ConstraintClause, 0, len(parts))
	for _, part := range parts {
		clause, err := parseClause(expr, strings.TrimSpace(part))
		if err != nil {
			return VersionConstraint{}, err
		}
		clauses = append(clauses, clause)
	}
	return VersionConstraint{clauses: clauses}, nil
}

// MustParseConstraint is like ParseConstraint but panics on error.
func MustParseConstraint(expr string) VersionConstraint {
	c, err := ParseConstraint(expr)
	if err != nil {
		panic(err)
	}
	return c
}

func parseClause(expr, clause string) (ConstraintClause, error) {
	if clause == "" {
		return ConstraintClause{}, NewMalformedConstraintError(expr, clause, "empty clause")
	}

	op := ConstraintOperator("")
	rest := clause
	for _, candidate := range operators {
		if strings.HasPrefix(clause, string(candidate)) {
			op = candidate
			rest = strings.TrimSpace(clause[len(candidate):])
			break
		}
	}
	for alias, candidate := range operatorAliases {
		if op == "" && strings.HasPrefix(clause, alias) {
			op = candidate
			rest = strings.TrimSpace(clause[len(alias):])
		}
	}
	if op == "" {
		if clause[0] < '0' || clause[0] > '9' {
			return ConstraintClause{}, NewMalformedConstraintError(expr, clause, "unrecognized operator")
		}
		op = OpEqual
	}

	v, err := ParseVersion(rest)
	if err != nil {
		return ConstraintClause{}, NewMalformedConstraintError(expr, clause, "invalid version "+rest)
	}
	return ConstraintClause{Op: op, Version: v}, nil
}

// Matches reports whether v satisfies every clause. The zero Version never
// matches a constraint that has clauses.
func (c VersionConstraint) Matches(v Version) bool {
	if len(c.clauses) > 0 && v.IsZero() {
		return false
	}
	for _, clause := range c.clauses {
		if !clause.matches(v) {
			return false
		}
	}
	return true
}

// IsAny reports whether the constraint has no clauses.
func (c VersionConstraint) IsAny() bool { return len(c.clauses) == 0 }

// Clauses returns a copy of the parsed clauses.
func (c VersionConstraint) Clauses() []ConstraintClause {
	return append([]ConstraintClause(nil), c.clauses...)
}

// String renders the canonical form, e.g. ">=1.0.0,<2.0.0". The always-true
// constraint renders as "*".
func (c VersionConstraint) String() string {
	if len(c.clauses) == 0 {
		return "*"
	}
	parts := make([]string, len(c.clauses))
	for i, clause := range c.clauses {
		parts[i] = clause.String()
	}
	return strings.Join(parts, ",")
}
