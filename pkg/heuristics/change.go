package heuristics

import (
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/pool"
)

// DefaultChangeWeight is the default confidence for change detection.
// Deliberately below the CIOH weight: the rules are strong but wallets
// and payees both violate them often enough that a single hit should not
// merge on its own under the default 0.9 threshold.
const DefaultChangeWeight = 0.7

// roundStep is the divisibility test for "round" payment amounts.
// Payments tend to round values in display units; change is the residue
// and almost never lands on one.
const roundStep = 10000

// ChangeAddress detects the sender's change output with a deterministic
// rule set and links it to the transaction's input addresses.
//
// An output qualifies as the change candidate when it is the only output
// that is fresh (never observed before, per SeenBefore), and it
// additionally matches at least one wallet fingerprint:
//   - its address format prefix matches an input's format, or
//   - every other output is a round amount while the candidate is not.
//
// Outputs paying back to an input address are ignored: they link nothing
// new. Transactions flagged CoinJoin are skipped for the same reason CIOH
// skips them.
type ChangeAddress struct {
	// Weight assigned to emitted items. Zero means DefaultChangeWeight.
	Weight float64

	// SeenBefore reports whether an address was observed on-chain before
	// this transaction. Nil disables the freshness rule, leaving the
	// fingerprint rules to qualify a sole external output alone; that is
	// weaker, so wire it when ingestion order allows.
	SeenBefore func(chain.Address) bool
}

// NewChangeAddress returns a change evaluator with the given weight
// (0 for default) and freshness oracle (nil allowed).
func NewChangeAddress(weight float64, seen func(chain.Address) bool) *ChangeAddress {
	return &ChangeAddress{Weight: weight, SeenBefore: seen}
}

// Name implements Evaluator.
func (h *ChangeAddress) Name() string { return "change_address" }

// Evaluate implements Evaluator.
func (h *ChangeAddress) Evaluate(tx *chain.Transaction) []evidence.Item {
	if tx == nil || tx.Validate() != nil {
		return nil
	}
	if tx.CoinJoin {
		return nil
	}
	if len(tx.Inputs) == 0 || len(tx.Outputs) < 2 {
		return nil
	}

	inputs := pool.GetAddrSlice()
	defer func() { pool.PutAddrSlice(inputs) }()
	inputs = tx.AppendInputAddresses(inputs)
	inputSet := make(map[chain.Address]struct{}, len(inputs))
	inputPrefixes := make(map[string]struct{}, len(inputs))
	for _, a := range inputs {
		inputSet[a] = struct{}{}
		inputPrefixes[a.FormatPrefix()] = struct{}{}
	}

	// External outputs only; self-payments link nothing.
	var external []chain.TxOutput
	for _, out := range tx.Outputs {
		if _, self := inputSet[out.Address]; self {
			continue
		}
		external = append(external, out)
	}
	if len(external) < 2 {
		return nil
	}

	cand, ok := h.pickCandidate(external)
	if !ok {
		return nil
	}

	// Fingerprint confirmation.
	_, formatMatch := inputPrefixes[cand.Address.FormatPrefix()]
	if !formatMatch && !h.roundNumberSignal(cand, external) {
		return nil
	}

	weight := h.Weight
	if weight == 0 {
		weight = DefaultChangeWeight
	}

	items := make([]evidence.Item, 0, len(inputs))
	for _, in := range inputs {
		it, err := evidence.NewItem(in, cand.Address, evidence.ChangeAddr, weight, tx.ID, tx.Timestamp)
		if err != nil {
			continue
		}
		items = append(items, it)
	}
	return items
}

// pickCandidate returns the sole fresh external output, or false when
// freshness does not single one out.
func (h *ChangeAddress) pickCandidate(external []chain.TxOutput) (chain.TxOutput, bool) {
	if h.SeenBefore == nil {
		// No freshness oracle: only an unambiguous two-output shape where
		// exactly one side is non-round can qualify, handled by the
		// fingerprint pass over the sole candidate below.
		if len(external) != 2 {
			return chain.TxOutput{}, false
		}
		aRound := external[0].Value%roundStep == 0
		bRound := external[1].Value%roundStep == 0
		if aRound == bRound {
			return chain.TxOutput{}, false
		}
		if aRound {
			return external[1], true
		}
		return external[0], true
	}

	var cand chain.TxOutput
	fresh := 0
	for _, out := range external {
		if !h.SeenBefore(out.Address) {
			fresh++
			cand = out
		}
	}
	if fresh != 1 {
		return chain.TxOutput{}, false
	}
	return cand, true
}

// roundNumberSignal reports whether every non-candidate output is a round
// amount while the candidate is not, the classic payment-vs-residue
// shape.
func (h *ChangeAddress) roundNumberSignal(cand chain.TxOutput, external []chain.TxOutput) bool {
	if cand.Value%roundStep == 0 {
		return false
	}
	for _, out := range external {
		if out.Address == cand.Address {
			continue
		}
		if out.Value%roundStep != 0 {
			return false
		}
	}
	return true
}
