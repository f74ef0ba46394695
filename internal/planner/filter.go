package planner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Predicate decides whether a raw item is planned. It must not have side effects.
type Predicate func(item any) bool

var (
	// ErrInvalidFilter is returned when a filter expression cannot be parsed.
	ErrInvalidFilter = errors.New("invalid filter expression")
)

// operators ordered so that two-character operators are matched before their prefixes
var operators = []string{"==", "!=", ">=", "<=", ">", "<", " contains "}

// ParseFilter compiles an expression such as
//
//	priority >= 3 && labels contains 'bug' || owner == "ops"
//
// into a Predicate. "||" binds looser than "&&"; there is no grouping.
// Field paths use dots and may carry an "item." prefix.
func ParseFilter(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	var anyOf []Predicate
	for _, orPart := range strings.Split(expr, "||") {
		var allOf []Predicate
		for _, andPart := range strings.Split(orPart, "&&") {
			p, err := parseClause(strings.TrimSpace(andPart))
			if err != nil {
				return nil, err
			}
			allOf = append(allOf, p)
		}
		anyOf = append(anyOf, all(allOf))
	}
	if len(anyOf) == 1 {
		return anyOf[0], nil
	}
	return anyMatch(anyOf), nil
}

func all(ps []Predicate) Predicate {
	return func(item any) bool {
		for _, p := range ps {
			if !p(item) {
				return false
			}
		}
		return true
	}
}

func anyMatch(ps []Predicate) Predicate {
	return func(item any) bool {
		for _, p := range ps {
			if p(item) {
				return true
			}
		}
		return false
	}
}

func parseClause(clause string) (Predicate, error) {
	if clause == "" {
		return nil, fmt.Errorf("%w: empty clause", ErrInvalidFilter)
	}
	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx <= 0 {
			continue
		}
		field := strings.TrimPrefix(strings.TrimSpace(clause[:idx]), "item.")
		literal := strings.TrimSpace(clause[idx+len(op):])
		if field == "" || literal == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, clause)
		}
		want := parseLiteral(literal)
		return compile(field, strings.TrimSpace(op), want), nil
	}
	return nil, fmt.Errorf("%w: no operator in %q", ErrInvalidFilter, clause)
}

func compile(field, op string, want any) Predicate {
	return func(item any) bool {
		got, ok := Lookup(item, field)
		if !ok {
			return false
		}
		switch op {
		case "==":
			return equal(got, want)
		case "!=":
			return !equal(got, want)
		case "contains":
			return contains(got, want)
		default:
			cmp, ok := compare(got, want)
			if !ok {
				return false
			}
			switch op {
			case ">":
				return cmp > 0
			case ">=":
				return cmp >= 0
			case "<":
				return cmp < 0
			case "<=":
				return cmp <= 0
			}
			return false
		}
	}
}

// Lookup walks a dot-separated path through nested maps.
func Lookup(item any, path string) (any, bool) {
	current := item
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func parseLiteral(s string) any {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func equal(got, want any) bool {
	if gf, ok := toFloat(got); ok {
		wf, ok := toFloat(want)
		return ok && gf == wf
	}
	return got == want
}

func compare(got, want any) (int, bool) {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok && wok {
		switch {
		case gf < wf:
			return -1, true
		case gf > wf:
			return 1, true
		}
		return 0, true
	}
	gs, gok := got.(string)
	ws, wok := want.(string)
	if gok && wok {
		return strings.Compare(gs, ws), true
	}
	return 0, false
}

func contains(got, want any) bool {
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && strings.Contains(g, w)
	case []any:
		for _, el := range g {
			if equal(el, want) {
				return true
			}
		}
	}
	return false
}
