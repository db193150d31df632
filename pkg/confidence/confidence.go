// Package confidence computes entity-level confidence from pair evidence.
//
// Two rules, combined:
//
//  1. Pair confidence is the noisy-OR of all evidence weights for that
//     pair (delegated to the evidence ledger).
//  2. Entity confidence is the MINIMUM pair confidence across the
//     structural links, the accepted merges that connect the entity's
//     members. An entity is only as strong as its weakest link; one
//     well-evidenced pair cannot mask a thinly justified merge elsewhere
//     in a large cluster.
//
// Updates are incremental: new evidence recomputes one pair in the ledger
// and re-derives the entity minimum over its links, never rescanning
// members.
package confidence

import (
	"sync"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
)

// PairScorer supplies the aggregate confidence for an address pair.
// *evidence.Ledger satisfies this.
type PairScorer interface {
	Aggregate(a, b chain.Address) float64
}

// MergeUndo captures what a merge did to the link sets, so UndoMerge can
// restore them exactly. Opaque to callers; produced by OnMerge and handed
// back to OnUndo in LIFO order by the clustering core.
type MergeUndo struct {
	winner     chain.Address
	loser      chain.Address
	link       evidence.PairKey
	loserLinks []evidence.PairKey
}

// Aggregator tracks the structural links of every entity root and derives
// entity confidence on demand. Thread-safe.
//
// Link sets are keyed by the union-find root address; the clustering core
// notifies the aggregator as roots merge and unmerge so the keys track the
// partition.
type Aggregator struct {
	mu     sync.RWMutex
	scorer PairScorer
	links  map[chain.Address][]evidence.PairKey
}

// New creates an aggregator over the given pair scorer.
func New(scorer PairScorer) *Aggregator {
	return &Aggregator{
		scorer: scorer,
		links:  make(map[chain.Address][]evidence.PairKey),
	}
}

// OnMerge records an accepted merge: the loser root's links move under the
// winner root, plus the pair that triggered the merge. Returns the
// combined entity's confidence and an undo token for exact reversal.
func (ag *Aggregator) OnMerge(winner, loser chain.Address, link evidence.PairKey) (float64, MergeUndo) {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	loserLinks := ag.links[loser]
	undo := MergeUndo{
		winner:     winner,
		loser:      loser,
		link:       link,
		loserLinks: loserLinks,
	}

	combined := ag.links[winner]
	combined = append(combined, loserLinks...)
	combined = append(combined, link)
	ag.links[winner] = combined
	delete(ag.links, loser)

	return ag.minLocked(winner), undo
}

// OnUndo reverses a merge previously recorded by OnMerge. Valid only in
// LIFO order, which the clustering core's undo journal enforces.
func (ag *Aggregator) OnUndo(undo MergeUndo) {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	combined := ag.links[undo.winner]
	// The merge appended loserLinks then the triggering link; LIFO undo
	// means they are still the tail.
	restored := len(combined) - len(undo.loserLinks) - 1
	if restored < 0 {
		restored = 0
	}
	ag.links[undo.winner] = combined[:restored]
	if len(undo.loserLinks) > 0 {
		ag.links[undo.loser] = undo.loserLinks
	} else {
		delete(ag.links, undo.loser)
	}
}

// PreviewUndo computes the winner and loser entity confidences that
// OnUndo would produce, without mutating the link sets. The clustering
// core uses it to journal an undo entry before applying it.
func (ag *Aggregator) PreviewUndo(undo MergeUndo) (winnerConf, loserConf float64) {
	ag.mu.RLock()
	defer ag.mu.RUnlock()

	combined := ag.links[undo.winner]
	restored := len(combined) - len(undo.loserLinks) - 1
	if restored < 0 {
		restored = 0
	}
	winnerConf = ag.minOver(combined[:restored])
	loserConf = ag.minOver(undo.loserLinks)
	return winnerConf, loserConf
}

// minOver derives min pair confidence over a link slice.
// Caller must hold ag.mu.
func (ag *Aggregator) minOver(links []evidence.PairKey) float64 {
	if len(links) == 0 {
		return 1.0
	}
	min := 1.0
	for _, pk := range links {
		if c := ag.scorer.Aggregate(pk.A, pk.B); c < min {
			min = c
		}
	}
	return min
}

// EntityConfidence returns the minimum link confidence for the entity
// rooted at root. Singleton entities (no links) score 1.0: a lone address
// carries no merge to doubt.
func (ag *Aggregator) EntityConfidence(root chain.Address) float64 {
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	return ag.minLocked(root)
}

// Links returns a copy of the structural links for the entity rooted at
// root, for provenance reporting.
func (ag *Aggregator) Links(root chain.Address) []evidence.PairKey {
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	links := ag.links[root]
	out := make([]evidence.PairKey, len(links))
	copy(out, links)
	return out
}

// minLocked derives min pair confidence over the root's links.
// Caller must hold ag.mu.
func (ag *Aggregator) minLocked(root chain.Address) float64 {
	return ag.minOver(ag.links[root])
}
