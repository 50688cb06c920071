package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// conditionsMet reports whether every condition holds against ctx.
// A step without conditions always runs.
func conditionsMet(conds []model.Condition, ctx map[string]any) bool {
	for _, c := range conds {
		if !evaluate(c, ctx) {
			return false
		}
	}
	return true
}

func evaluate(c model.Condition, ctx map[string]any) bool {
	actual, found := lookup(ctx, c.Field)
	switch c.Operator {
	case model.OpExists:
		return found && actual != nil
	case model.OpEquals:
		return found && equal(actual, c.Value)
	case model.OpNotEquals:
		return !found || !equal(actual, c.Value)
	case model.OpContains:
		return found && contains(actual, c.Value)
	case model.OpGreaterThan, model.OpLessThan:
		a, ok1 := number(actual)
		b, ok2 := number(c.Value)
		if !found || !ok1 || !ok2 {
			return false
		}
		if c.Operator == model.OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

// lookup resolves a dotted path such as "research.score" or "items.0.name"
// through nested objects and arrays.
func lookup(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func contains(actual, want any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, fmt.Sprint(want))
	case []any:
		for _, item := range v {
			if equal(item, want) {
				return true
			}
		}
	}
	return false
}

// number converts JSON and YAML numeric values to float64. Numeric strings
// are accepted so conditions written as "10" compare against 10.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
