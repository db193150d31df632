package heuristics

import (
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/pool"
)

// DefaultBehavioralWeight keeps behavioral signals strictly supplementary.
// Items carrying the BEHAVIORAL heuristic are aggregate-only at the
// acceptance policy, so this weight can only corroborate structural
// evidence, never merge alone.
const DefaultBehavioralWeight = 0.3

// feeStep is the fee divisibility fingerprint. Wallet software that
// computes fees in round fee-rate steps leaves fees divisible by it;
// hand-built or multi-party transactions rarely do.
const feeStep = 1000

// Behavioral emits low-weight wallet-fingerprint evidence between a
// transaction's input addresses when the transaction shows signs of one
// piece of software building it:
//
//   - a round fee (divisible by feeStep), or
//   - uniform input values (consolidation sweeps of same-denomination
//     outputs).
//
// Evaluated last; its evidence only ever tips an aggregate that structural
// heuristics already support.
type Behavioral struct {
	// Weight assigned to emitted items. Zero means
	// DefaultBehavioralWeight.
	Weight float64
}

// NewBehavioral returns a behavioral evaluator with the given weight
// (0 for default).
func NewBehavioral(weight float64) *Behavioral {
	return &Behavioral{Weight: weight}
}

// Name implements Evaluator.
func (h *Behavioral) Name() string { return "behavioral" }

// Evaluate implements Evaluator.
func (h *Behavioral) Evaluate(tx *chain.Transaction) []evidence.Item {
	if tx == nil || tx.Validate() != nil {
		return nil
	}
	if tx.CoinJoin {
		return nil
	}

	addrs := pool.GetAddrSlice()
	defer func() { pool.PutAddrSlice(addrs) }()
	addrs = tx.AppendInputAddresses(addrs)
	if len(addrs) < 2 {
		return nil
	}
	if !h.feeFingerprint(tx) && !h.uniformInputs(tx) {
		return nil
	}

	weight := h.Weight
	if weight == 0 {
		weight = DefaultBehavioralWeight
	}

	items := make([]evidence.Item, 0, len(addrs)*(len(addrs)-1)/2)
	for i := 0; i < len(addrs); i++ {
		for j := i + 1; j < len(addrs); j++ {
			it, err := evidence.NewItem(addrs[i], addrs[j], evidence.Behavioral, weight, tx.ID, tx.Timestamp)
			if err != nil {
				continue
			}
			items = append(items, it)
		}
	}
	return items
}

func (h *Behavioral) feeFingerprint(tx *chain.Transaction) bool {
	fee := tx.Fee()
	return fee > 0 && fee%feeStep == 0
}

func (h *Behavioral) uniformInputs(tx *chain.Transaction) bool {
	if len(tx.Inputs) < 2 {
		return false
	}
	v := tx.Inputs[0].Value
	if v == 0 {
		return false
	}
	for _, in := range tx.Inputs[1:] {
		if in.Value != v {
			return false
		}
	}
	return true
}
