package propagate

import "ordersync/internal/model"

// StatusChange is the outcome of comparing a document's status across one write.
type StatusChange struct {
	Prev    string
	Next    string
	Changed bool
}

// Detect compares the status of before and after using the ordered field chain.
// Changed is false when after has no status, when the status is unchanged, or when the
// write created the document: a creation is not a transition. Every propagation rule
// gates on Changed, which is what stops write cycles.
func Detect(before, after model.Document, fields ...string) StatusChange {
	sc := StatusChange{
		Prev: before.FirstString(fields...),
		Next: after.FirstString(fields...),
	}
	sc.Changed = before != nil && after != nil && sc.Next != "" && sc.Next != sc.Prev
	return sc
}
