package nanoql

import (
	"strings"
)

// Record is anything a query can be evaluated against.
type Record interface {
	// Field returns the value of a named field.
	Field(name string) (string, bool)
	// Text returns every value searched by a key-less match.
	Text() []string
}

// Match evaluates node against rec. A nil node matches everything.
func Match(node Node, rec Record) bool {
	if node == nil {
		return true
	}

	switch n := node.(type) {
	case BinaryExpr:
		switch n.Op {
		case "AND":
			return Match(n.Left, rec) && Match(n.Right, rec)
		case "OR":
			return Match(n.Left, rec) || Match(n.Right, rec)
		}
		return false
	case MatchExpr:
		return evalMatch(n, rec)
	case NotExpr:
		return !Match(n.Expr, rec)
	default:
		return false
	}
}

func evalMatch(expr MatchExpr, rec Record) bool {
	if expr.Key == "" {
		for _, v := range rec.Text() {
			if containsFold(v, expr.Value) {
				return true
			}
		}
		return false
	}

	value, ok := rec.Field(expr.Key)
	switch expr.Op {
	case OpNotEqual:
		return !ok || !globFold(value, expr.Value)
	case OpContains:
		return ok && containsFold(value, expr.Value)
	default:
		return ok && globFold(value, expr.Value)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// globFold matches s against pattern case-insensitively, '*' matching any
// run of characters.
func globFold(s, pattern string) bool {
	s, pattern = strings.ToLower(s), strings.ToLower(pattern)
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(s, part)
		if i < 0 {
			return false
		}
		s = s[i+len(part):]
	}
	return strings.HasSuffix(s, last)
}
