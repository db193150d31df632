// Package heuristics turns parsed transactions into same-entity evidence.
//
// Each evaluator is a pure function over one transaction: no shared state,
// no I/O, no panics on malformed input. That makes evaluation over distinct
// transactions embarrassingly parallel; the coordinator fans transactions
// out across workers and the evaluators never notice.
//
// New heuristics are added by implementing Evaluator and registering it,
// not by modifying the clustering core.
package heuristics

import (
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
)

// Evaluator maps a parsed transaction to zero or more evidence items.
//
// Contract:
//   - Pure: identical input yields identical output, no state mutation.
//   - Total: malformed transactions yield nil, never a panic or error.
//     The coordinator handles skip diagnostics; the evaluator just
//     declines to emit.
type Evaluator interface {
	// Name identifies the evaluator in diagnostics and stats.
	Name() string

	// Evaluate derives evidence from one transaction.
	Evaluate(tx *chain.Transaction) []evidence.Item
}

// Registry holds evaluators in application order. Supplementary
// (aggregate-only) evaluators belong at the end so their evidence lands
// after the structural heuristics for the same transaction.
type Registry struct {
	evaluators []Evaluator
}

// NewRegistry creates a registry with the given evaluators, in order.
func NewRegistry(evs ...Evaluator) *Registry {
	return &Registry{evaluators: evs}
}

// Register appends an evaluator.
func (r *Registry) Register(ev Evaluator) {
	r.evaluators = append(r.evaluators, ev)
}

// Evaluators returns the ordered evaluator list.
func (r *Registry) Evaluators() []Evaluator {
	return r.evaluators
}

// EvaluateAll runs every evaluator over the transaction and concatenates
// the results. A nil or invalid transaction yields nil.
func (r *Registry) EvaluateAll(tx *chain.Transaction) []evidence.Item {
	return r.AppendAll(nil, tx)
}

// AppendAll is EvaluateAll appending into dst, for callers that pool
// their evidence slices.
func (r *Registry) AppendAll(dst []evidence.Item, tx *chain.Transaction) []evidence.Item {
	if tx == nil || tx.Validate() != nil {
		return dst
	}
	for _, ev := range r.evaluators {
		dst = append(dst, ev.Evaluate(tx)...)
	}
	return dst
}
