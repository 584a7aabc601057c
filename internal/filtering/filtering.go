// Package filtering selects images by the categories they contain.
package filtering

import "fmt"

// Operator combines filter results.
type Operator string

const (
	And Operator = "and"
	Or  Operator = "or"
)

// ParseOperator accepts "and" and "or".
func ParseOperator(s string) (Operator, error) {
	switch Operator(s) {
	case And, Or:
		return Operator(s), nil
	default:
		return "", fmt.Errorf("unknown filter operator %q", s)
	}
}

func (o Operator) apply(a, b bool) bool {
	if o == Or {
		return a || b
	}
	return a && b
}

// Filter evaluates a set of category ids.
type Filter interface {
	Evaluate(ids []int) bool
}

// None accepts everything.
type None struct{}

func (None) Evaluate([]int) bool { return true }

// IDFilter matches items containing all (And) or any (Or) of IDs. An empty
// id set accepts everything.
type IDFilter struct {
	ids      map[int]bool
	operator Operator
}

// NewIDFilter returns a filter over ids.
func NewIDFilter(ids []int, op Operator) *IDFilter {
	f := &IDFilter{}
	f.SetIDs(ids, op)
	return f
}

// SetIDs replaces the filter's ids and operator.
func (f *IDFilter) SetIDs(ids []int, op Operator) {
	f.ids = make(map[int]bool, len(ids))
	for _, id := range ids {
		f.ids[id] = true
	}
	f.operator = op
}

func (f *IDFilter) Evaluate(item []int) bool {
	if len(f.ids) == 0 {
		return true
	}
	seen := make(map[int]bool, len(item))
	matches := 0
	for _, id := range item {
		if f.ids[id] && !seen[id] {
			matches++
		}
		seen[id] = true
	}
	if f.operator == Or {
		return matches > 0
	}
	return matches == len(f.ids)
}

// Not negates a filter.
type Not struct {
	Filter Filter
}

func (n Not) Evaluate(item []int) bool { return !n.Filter.Evaluate(item) }

// Composed combines two filters with an operator.
type Composed struct {
	a, b     Filter
	operator Operator
}

// Compose returns a op b.
func Compose(a, b Filter, op Operator) *Composed {
	return &Composed{a: a, b: b, operator: op}
}

func (c *Composed) Evaluate(item []int) bool {
	return c.operator.apply(c.a.Evaluate(item), c.b.Evaluate(item))
}
