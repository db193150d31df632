// Package evidence defines the weighted same-entity assertions that drive
// cluster merges, and the ledger that accumulates them per address pair.
//
// Evidence is the permanent audit trail of WHY two addresses were linked.
// Items are immutable once constructed and deduplicated on
// (pair, heuristic, source transaction), so resubmitting a transaction can
// never double-count a signal.
//
// Usage:
//
//	item, err := evidence.NewItem(a, b, evidence.CIOH, 0.95, tx.ID, tx.Timestamp)
//	if err != nil {
//		// weight out of range or a == b
//	}
//
//	ledger := evidence.NewLedger()
//	added := ledger.Add(item)      // false when the item is a duplicate
//	agg := ledger.Aggregate(a, b)  // noisy-OR across all items for the pair
//
// Multiple independent items for the same pair corroborate each other:
// weights 0.5 and 0.6 combine to 1-(1-0.5)(1-0.6) = 0.8, never to 1.1.
// A single weak signal cannot dominate, and corroboration never lowers
// the aggregate.
//
// ELI12 (Explain Like I'm 12):
//
// Think of the ledger like a detective's case board. Every clue that two
// addresses belong to the same person gets pinned to the board with a note
// saying where it came from. One clue might be a coincidence. Three clues
// from three different transactions? Now the detective is confident. And
// the board never forgets a clue, so anyone can later check exactly why
// two addresses were tied together.
package evidence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
)

// Common errors
var (
	// ErrInvalidEvidence rejects malformed items at construction: weight
	// outside [0,1] or a self-referential pair.
	ErrInvalidEvidence = errors.New("evidence: invalid item")
)

// Heuristic identifies the rule that produced an item. The set is a fixed
// enumeration; new heuristics plug in through the evaluator contract in
// pkg/heuristics, not by extending this list ad hoc.
type Heuristic string

const (
	// CIOH is the common-input-ownership heuristic: inputs co-spent in one
	// transaction are assumed controlled by one entity.
	CIOH Heuristic = "CIOH"

	// ChangeAddr marks change-address detection: one output identified as
	// returning leftover value to the sender.
	ChangeAddr Heuristic = "CHANGE_ADDR"

	// Behavioral marks low-weight behavioral signals (timing, fee
	// patterns). Supplementary only; never sufficient alone for a merge.
	Behavioral Heuristic = "BEHAVIORAL"

	// MLScore marks pre-scored items produced by an external ML pipeline.
	// The engine treats them as data like any other heuristic.
	MLScore Heuristic = "ML_SCORE"
)

// Valid reports whether h is one of the recognized heuristics.
func (h Heuristic) Valid() bool {
	switch h {
	case CIOH, ChangeAddr, Behavioral, MLScore:
		return true
	}
	return false
}

// AggregateOnly reports whether items from this heuristic may only satisfy
// the acceptance threshold through pair aggregation, never on their own
// weight. Behavioral signals corroborate; they do not merge.
func (h Heuristic) AggregateOnly() bool {
	return h == Behavioral
}

// PairKey is the unordered address pair an item links. A and B are stored
// in lexical order so (x,y) and (y,x) produce the same key.
type PairKey struct {
	A chain.Address
	B chain.Address
}

// NewPairKey normalizes two addresses into an unordered pair key.
func NewPairKey(a, b chain.Address) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// String returns "a|b" for map keys and log lines.
func (k PairKey) String() string {
	return string(k.A) + "|" + string(k.B)
}

// Key is the deduplication identity of an item: the same heuristic firing
// on the same pair from the same transaction is one piece of evidence no
// matter how many times it is resubmitted.
type Key struct {
	Pair      PairKey
	Heuristic Heuristic
	SourceTx  chain.TxID
}

// ID renders the key as a stable string id for provenance lists.
func (k Key) ID() string {
	return fmt.Sprintf("%s:%s:%s", k.Heuristic, k.SourceTx, k.Pair.String())
}

// Item is one immutable, weighted assertion that two addresses are
// co-owned. AddrA and AddrB are normalized to lexical order at
// construction.
type Item struct {
	AddrA     chain.Address `json:"addr_a"`
	AddrB     chain.Address `json:"addr_b"`
	Heuristic Heuristic     `json:"heuristic"`
	Weight    float64       `json:"weight"`
	SourceTx  chain.TxID    `json:"source_tx"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewItem constructs a validated item. Fails with ErrInvalidEvidence when
// the weight is outside [0,1], the addresses are equal or empty, or the
// heuristic is unknown.
func NewItem(a, b chain.Address, h Heuristic, weight float64, tx chain.TxID, ts time.Time) (Item, error) {
	if !a.Valid() || !b.Valid() {
		return Item{}, fmt.Errorf("%w: empty address", ErrInvalidEvidence)
	}
	if a == b {
		return Item{}, fmt.Errorf("%w: self pair %s", ErrInvalidEvidence, a)
	}
	if weight < 0 || weight > 1 {
		return Item{}, fmt.Errorf("%w: weight %.4f outside [0,1]", ErrInvalidEvidence, weight)
	}
	if !h.Valid() {
		return Item{}, fmt.Errorf("%w: unknown heuristic %q", ErrInvalidEvidence, h)
	}
	if b < a {
		a, b = b, a
	}
	return Item{
		AddrA:     a,
		AddrB:     b,
		Heuristic: h,
		Weight:    weight,
		SourceTx:  tx,
		Timestamp: ts,
	}, nil
}

// Pair returns the normalized pair key.
func (it Item) Pair() PairKey {
	return PairKey{A: it.AddrA, B: it.AddrB}
}

// Key returns the deduplication key.
func (it Item) Key() Key {
	return Key{Pair: it.Pair(), Heuristic: it.Heuristic, SourceTx: it.SourceTx}
}

// ID returns the stable provenance id of the item.
func (it Item) ID() string {
	return it.Key().ID()
}

// Combine folds weights with noisy-OR: 1 - Π(1 - wᵢ). Independent
// corroborating signals increase certainty; no single weak signal
// dominates, and the result never exceeds 1.
func Combine(weights ...float64) float64 {
	miss := 1.0
	for _, w := range weights {
		if w < 0 {
			w = 0
		}
		if w > 1 {
			w = 1
		}
		miss *= 1 - w
	}
	return 1 - miss
}

// pairState is the ledger's accumulated view of one address pair.
type pairState struct {
	items     []Item
	missProd  float64 // running Π(1 - wᵢ); aggregate = 1 - missProd
	aggregate float64
}

// LedgerStats is a snapshot of ledger counters.
type LedgerStats struct {
	Pairs      int64 `json:"pairs"`
	Items      int64 `json:"items"`
	Duplicates int64 `json:"duplicates"`
}

// Ledger accumulates evidence items per unordered address pair and keeps
// the noisy-OR aggregate incrementally up to date. Thread-safe.
//
// The ledger is append-only: items are never removed, including after a
// merge is undone, because the evidence itself remains true; only the
// structural conclusion was retracted.
type Ledger struct {
	mu    sync.RWMutex
	pairs map[PairKey]*pairState
	seen  map[Key]struct{}

	duplicates int64
	total      int64
}

// NewLedger creates an empty evidence ledger.
func NewLedger() *Ledger {
	return &Ledger{
		pairs: make(map[PairKey]*pairState),
		seen:  make(map[Key]struct{}),
	}
}

// Add records an item. Returns false when the item's dedup key has been
// seen before; duplicates leave the aggregate untouched.
func (l *Ledger) Add(it Item) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := it.Key()
	if _, dup := l.seen[key]; dup {
		l.duplicates++
		return false
	}
	l.seen[key] = struct{}{}
	l.total++

	pk := it.Pair()
	st, ok := l.pairs[pk]
	if !ok {
		st = &pairState{missProd: 1}
		l.pairs[pk] = st
	}
	st.items = append(st.items, it)
	st.missProd *= 1 - it.Weight
	st.aggregate = 1 - st.missProd
	return true
}

// Seen reports whether an item with this dedup key was already recorded.
func (l *Ledger) Seen(k Key) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[k]
	return ok
}

// Aggregate returns the noisy-OR combination of all recorded weights for
// the pair, or 0 when the pair has no evidence.
func (l *Ledger) Aggregate(a, b chain.Address) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if st, ok := l.pairs[NewPairKey(a, b)]; ok {
		return st.aggregate
	}
	return 0
}

// Items returns a copy of all items recorded for the pair, in insertion
// order. The returned slice is safe to retain.
func (l *Ledger) Items(a, b chain.Address) []Item {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.pairs[NewPairKey(a, b)]
	if !ok {
		return nil
	}
	out := make([]Item, len(st.items))
	copy(out, st.items)
	return out
}

// Stats returns a snapshot of ledger counters.
func (l *Ledger) Stats() LedgerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LedgerStats{
		Pairs:      int64(len(l.pairs)),
		Items:      l.total,
		Duplicates: l.duplicates,
	}
}
