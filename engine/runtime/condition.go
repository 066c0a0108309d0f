package runtime

import (
	"fmt"
	"strings"

	"github.com/docforge-labs/docengine/engine/typeutil"
)

// evalCondition decides whether a stage's condition holds against the
// run's data. The language is deliberately small:
//
//	path.to.value == literal    string equality
//	path.to.value != literal    string inequality
//	path.to.value               truthiness of the value at path
//	!expr                       negation
//
// Paths resolve against user data first, then submission metadata. An
// unknown path is falsy, never an error.
func evalCondition(expr string, run *Run) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	if strings.HasPrefix(expr, "!") {
		return !evalCondition(expr[1:], run)
	}

	if idx := strings.Index(expr, "!="); idx >= 0 {
		left, right := strings.TrimSpace(expr[:idx]), trimLiteral(expr[idx+2:])
		return lookupString(run, left) != right
	}
	if idx := strings.Index(expr, "=="); idx >= 0 {
		left, right := strings.TrimSpace(expr[:idx]), trimLiteral(expr[idx+2:])
		return lookupString(run, left) == right
	}

	value, ok := lookup(run, expr)
	if !ok {
		return false
	}
	return truthy(value)
}

func lookup(run *Run, path string) (any, bool) {
	if v, ok := typeutil.GetNestedValue(run.UserData(), path); ok {
		return v, true
	}
	return typeutil.GetNestedValue(run.Metadata(), path)
}

// lookupString renders the value at path for comparison. Missing paths
// render empty so `missing == ""` behaves predictably.
func lookupString(run *Run, path string) string {
	v, ok := lookup(run, path)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// trimLiteral strips whitespace and one layer of quotes from a comparison
// literal.
func trimLiteral(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
