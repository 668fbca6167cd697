// Package selector provides the predicates that target rows for update,
// delete and lookup.
//
// Predicate is a sealed interface using the marker method pattern: only
// Equals and And implement it, so store adapters can switch exhaustively.
//
//	switch p := pred.(type) {
//	case selector.Equals:
//	    // field = value
//	case selector.And:
//	    // all predicates hold
//	}
//
// Values are record.Values. A selector never carries SQL; querysql compiles
// it to parameterized statements and the memory store evaluates it with Match.
package selector

import (
	"fmt"
	"strings"

	"github.com/roach88/rowhooks/internal/record"
)

// Predicate is a filter condition over a row.
type Predicate interface {
	predicateNode()
	String() string
}

// Equals matches rows whose Field equals Value.
type Equals struct {
	Field string
	Value record.Value
}

func (Equals) predicateNode() {}

// String renders the predicate for logs.
func (e Equals) String() string {
	rendered, err := record.MarshalCanonical(e.Value)
	if err != nil {
		return fmt.Sprintf("%s = <%T>", e.Field, e.Value)
	}
	return fmt.Sprintf("%s = %s", e.Field, rendered)
}

// And matches rows satisfying every predicate. An empty And matches all rows.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// String renders the predicate for logs.
func (a And) String() string {
	if len(a.Predicates) == 0 {
		return "TRUE"
	}
	parts := make([]string, len(a.Predicates))
	for i, p := range a.Predicates {
		parts[i] = p.String()
	}
	return strings.Join(parts, " AND ")
}

// Eq is shorthand for Equals{Field: field, Value: v}.
func Eq(field string, v record.Value) Equals {
	return Equals{Field: field, Value: v}
}

// All combines predicates with AND. A single predicate is returned unwrapped.
func All(preds ...Predicate) Predicate {
	if len(preds) == 1 {
		return preds[0]
	}
	return And{Predicates: preds}
}

// Match reports whether row satisfies p. A nil predicate matches every row.
// A missing field never matches.
func Match(p Predicate, row record.Object) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case Equals:
		v, ok := row[pred.Field]
		return ok && record.Equal(v, pred.Value)
	case *Equals:
		return Match(*pred, row)
	case And:
		for _, inner := range pred.Predicates {
			if !Match(inner, row) {
				return false
			}
		}
		return true
	case *And:
		return Match(*pred, row)
	default:
		return false
	}
}

// Fields returns the fields referenced by p, in order of first appearance.
func Fields(p Predicate) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch pred := p.(type) {
		case Equals:
			if !seen[pred.Field] {
				seen[pred.Field] = true
				out = append(out, pred.Field)
			}
		case *Equals:
			walk(*pred)
		case And:
			for _, inner := range pred.Predicates {
				walk(inner)
			}
		case *And:
			walk(*pred)
		}
	}
	walk(p)
	return out
}
