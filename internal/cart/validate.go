package cart

import (
	"fmt"
	"iter"

	"github.com/fairyhunter13/storefront-core/internal/model"
)

// lineProblems yields one message per violated invariant, in check order.
func lineProblems(pos int, l model.CartLine) iter.Seq[string] {
	label := fmt.Sprintf("item %d", pos+1)
	if l.Name != "" {
		label = fmt.Sprintf("item %d (%s)", pos+1, l.Name)
	}
	return func(yield func(string) bool) {
		if l.ProductID == "" && !yield(label+": missing product id") {
			return
		}
		if l.Name == "" && !yield(label+": missing name") {
			return
		}
		if l.Quantity < 1 && !yield(fmt.Sprintf("%s: invalid quantity %d", label, l.Quantity)) {
			return
		}
		if l.Quantity > model.MaxQuantity &&
			!yield(fmt.Sprintf("%s: quantity %d exceeds maximum of %d", label, l.Quantity, model.MaxQuantity)) {
			return
		}
		if p, ok := l.UnitPrice(); !ok || p <= 0 {
			yield(label + ": missing price")
		}
	}
}

// ValidationErrors returns a lazy sequence of problems over a snapshot taken at call time,
// ordered by line position then check order.
func (s *Store) ValidationErrors() iter.Seq[string] {
	lines := s.Lines()
	return func(yield func(string) bool) {
		for i, l := range lines {
			for msg := range lineProblems(i, l) {
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// IsValid reports whether every line satisfies the cart invariants.
func (s *Store) IsValid() bool {
	for range s.ValidationErrors() {
		return false
	}
	return true
}
