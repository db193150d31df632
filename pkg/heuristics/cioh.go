package heuristics

import (
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/pool"
)

// DefaultCIOHWeight is the default confidence for co-spent inputs. Under
// single-signature assumptions, jointly spending inputs requires every
// input's key, so co-ownership is near certain.
const DefaultCIOHWeight = 0.95

// CIOH implements the common-input-ownership heuristic: every pairwise
// combination of distinct input addresses in one transaction is emitted
// as high-weight evidence.
//
// CoinJoin exclusion is a correctness requirement, not an optimization:
// multi-party transactions deliberately co-spend inputs from unrelated
// owners, and applying input-ownership there is a known false-positive
// source. A transaction flagged CoinJoin yields zero evidence.
type CIOH struct {
	// Weight assigned to each emitted pair. Zero means DefaultCIOHWeight.
	Weight float64

	// SkipCoinJoin controls the multi-party exclusion. On by default via
	// NewCIOH; disable only for chains where the annotation is known to
	// be absent and a downstream filter handles mixing.
	SkipCoinJoin bool
}

// NewCIOH returns a CIOH evaluator with the given weight (0 for default)
// and CoinJoin exclusion enabled.
func NewCIOH(weight float64) *CIOH {
	return &CIOH{Weight: weight, SkipCoinJoin: true}
}

// Name implements Evaluator.
func (h *CIOH) Name() string { return "cioh" }

// Evaluate implements Evaluator.
func (h *CIOH) Evaluate(tx *chain.Transaction) []evidence.Item {
	if tx == nil || tx.Validate() != nil {
		return nil
	}
	if h.SkipCoinJoin && tx.CoinJoin {
		return nil
	}

	addrs := pool.GetAddrSlice()
	defer func() { pool.PutAddrSlice(addrs) }()
	addrs = tx.AppendInputAddresses(addrs)
	if len(addrs) < 2 {
		return nil
	}

	weight := h.Weight
	if weight == 0 {
		weight = DefaultCIOHWeight
	}

	items := make([]evidence.Item, 0, len(addrs)*(len(addrs)-1)/2)
	for i := 0; i < len(addrs); i++ {
		for j := i + 1; j < len(addrs); j++ {
			it, err := evidence.NewItem(addrs[i], addrs[j], evidence.CIOH, weight, tx.ID, tx.Timestamp)
			if err != nil {
				continue
			}
			items = append(items, it)
		}
	}
	return items
}
