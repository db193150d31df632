// Package cluster maintains the address partition under a disjoint-set
// structure with an evidence-gated acceptance policy and reversible merges.
//
// The Core is the single exclusively-owned home of the partition. All
// mutations (merges, undos) serialize through its writer lock; path
// compression and union-by-size rewrite shared parent pointers, so
// unserialized concurrent unions would corrupt the structure. Collaborators
// receive a *Core handle; there is no ambient global partition.
//
// Merge acceptance:
//
//	accepted  = item.Weight >= AcceptThreshold            (direct path)
//	         || pairAggregate >= AcceptThreshold          (aggregate path)
//
// Behavioral evidence is excluded from the direct path, and the aggregate
// path requires at least one non-behavioral item for the pair: behavioral
// signals corroborate but never merge on their own.
//
// Reversibility: every accepted merge pushes an undo record onto a bounded
// journal. UndoMerge reverses the most recent merge that formed an entity's
// current root; merges buried under later merges return ErrUndoConflict
// until their dependents are undone first, and merges older than the
// journal depth are permanent.
//
// The change log is written before the partition mutates. When a commit
// hook is installed, a hook failure aborts the merge with the partition
// untouched, so the log can never lag the structure.
package cluster

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/confidence"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
)

// Common errors
var (
	// ErrUnknownAddress is returned for lookups on an address never
	// registered. Recoverable: register the address and retry.
	ErrUnknownAddress = errors.New("cluster: unknown address")

	// ErrUnknownEntity is returned for lookups on an entity id that does
	// not name a live root.
	ErrUnknownEntity = errors.New("cluster: unknown entity")

	// ErrUndoConflict is returned when the requested undo is not the most
	// recent merge affecting the entity's current root. Undo dependents
	// first, or abandon.
	ErrUndoConflict = errors.New("cluster: undo conflict")

	// ErrUndoExpired is returned when the merge has aged out of the
	// bounded undo journal and is permanent.
	ErrUndoExpired = errors.New("cluster: undo record expired")
)

// MergeOutcome reports what ProposeMerge did.
type MergeOutcome int

const (
	// Rejected: the evidence did not meet the acceptance policy. No
	// structural change; the evidence stays in the ledger and may tip a
	// later aggregate over the threshold.
	Rejected MergeOutcome = iota

	// Accepted: the two entities were unioned and a change-log entry
	// appended.
	Accepted

	// AlreadyMerged: both addresses share a root. The evidence still
	// counts toward pair and entity confidence.
	AlreadyMerged
)

// String returns the outcome name.
func (o MergeOutcome) String() string {
	switch o {
	case Accepted:
		return "ACCEPTED"
	case AlreadyMerged:
		return "ALREADY_MERGED"
	default:
		return "REJECTED"
	}
}

// Operation is the mutation kind recorded in a change-log entry.
type Operation string

const (
	OpMerge     Operation = "MERGE"
	OpUndoMerge Operation = "UNDO_MERGE"
)

// ChangeLogEntry is the externally visible record of one partition
// mutation. The entry stream is the only contract an external store needs
// to mirror full partition history.
type ChangeLogEntry struct {
	Seq                 uint64           `json:"seq"`
	Operation           Operation        `json:"operation"`
	EntityBefore        []chain.EntityID `json:"entity_before"`
	EntityAfter         []chain.EntityID `json:"entity_after"`
	TriggeringEvidence  string           `json:"triggering_evidence"`
	ResultingConfidence float64          `json:"resulting_confidence"`
	Timestamp           time.Time        `json:"timestamp"`

	// Roots carries the surviving root address (merge) or the two
	// restored root addresses (undo), so mirrors can rebuild membership
	// without running their own union-find.
	Roots []chain.Address `json:"roots"`
	// Absorbed lists the addresses that changed root in this mutation.
	Absorbed []chain.Address `json:"absorbed,omitempty"`
	// Confidences aligns with EntityAfter: the aggregate confidence of
	// each resulting entity.
	Confidences []float64 `json:"confidences,omitempty"`
}

// Result is the outcome of a merge proposal.
type Result struct {
	Outcome MergeOutcome
	// Root is the current shared root of the pair after the call, set for
	// Accepted and AlreadyMerged.
	Root chain.Address
	// Confidence is the entity confidence after the call applied.
	Confidence float64
	// Entry is the appended change-log entry, nil unless Accepted.
	Entry *ChangeLogEntry
}

// EvidenceSource supplies pair aggregates and recorded items for the
// acceptance policy. *evidence.Ledger satisfies this.
type EvidenceSource interface {
	Aggregate(a, b chain.Address) float64
	Items(a, b chain.Address) []evidence.Item
}

// CommitHook is invoked with the change-log entry before the partition
// mutates. Returning an error aborts the mutation.
type CommitHook func(ChangeLogEntry) error

// Options configures a Core.
type Options struct {
	// AcceptThreshold gates merges: a single item weight or a pair
	// aggregate must reach it. Default 0.9.
	AcceptThreshold float64

	// UndoDepthLimit bounds how many merges stay reversible. Older merges
	// become permanent. Default 10000.
	UndoDepthLimit int
}

// DefaultOptions returns the default acceptance and undo settings.
func DefaultOptions() Options {
	return Options{
		AcceptThreshold: 0.9,
		UndoDepthLimit:  10000,
	}
}

// undoRecord stores everything needed to reverse one merge.
type undoRecord struct {
	seq          uint64
	winner       chain.Address // root after the merge
	loser        chain.Address // root absorbed by the merge
	loserMembers []chain.Address
	prevWinnerLM uint64 // lastMerge of winner root before this merge
	prevLoserLM  uint64 // lastMerge of loser root before this merge
	confUndo     confidence.MergeUndo
}

// Stats is a snapshot of core counters.
type Stats struct {
	Addresses     int64 `json:"addresses"`
	Entities      int64 `json:"entities"`
	Proposed      int64 `json:"proposed"`
	Accepted      int64 `json:"accepted"`
	Rejected      int64 `json:"rejected"`
	AlreadyMerged int64 `json:"already_merged"`
	Undone        int64 `json:"undone"`
	UndoDepth     int64 `json:"undo_depth"`
}

// Core is the union-find clustering core. Thread-safe; one writer at a
// time, reads serialized behind the same lock because Find compresses
// paths.
type Core struct {
	mu sync.Mutex

	opts     Options
	source   EvidenceSource
	agg      *confidence.Aggregator
	onCommit CommitHook

	parent  map[chain.Address]chain.Address
	size    map[chain.Address]int
	members map[chain.Address][]chain.Address
	byID    map[chain.EntityID]chain.Address

	// lastMerge maps a live root to the seq of the merge that most
	// recently formed it; 0 for roots untouched since registration.
	lastMerge map[chain.Address]uint64

	undoLog  map[uint64]*undoRecord
	undoFIFO []uint64
	seq      uint64

	proposed      int64
	accepted      int64
	rejected      int64
	alreadyMerged int64
	undone        int64
}

// New creates a Core over an evidence source and confidence aggregator.
func New(opts Options, source EvidenceSource, agg *confidence.Aggregator) *Core {
	if opts.AcceptThreshold <= 0 {
		opts.AcceptThreshold = DefaultOptions().AcceptThreshold
	}
	if opts.UndoDepthLimit <= 0 {
		opts.UndoDepthLimit = DefaultOptions().UndoDepthLimit
	}
	return &Core{
		opts:      opts,
		source:    source,
		agg:       agg,
		parent:    make(map[chain.Address]chain.Address),
		size:      make(map[chain.Address]int),
		members:   make(map[chain.Address][]chain.Address),
		byID:      make(map[chain.EntityID]chain.Address),
		lastMerge: make(map[chain.Address]uint64),
		undoLog:   make(map[uint64]*undoRecord),
	}
}

// SetCommitHook installs the write-ahead hook for change-log entries.
// Must be set before concurrent use.
func (c *Core) SetCommitHook(hook CommitHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommit = hook
}

// ResumeSeq advances the change-log sequence past entries already
// persisted elsewhere, so entries appended after a restart never reuse
// a sequence a replay consumer has seen. Lower values are ignored.
func (c *Core) ResumeSeq(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.seq {
		c.seq = seq
	}
}

// Register creates a singleton entity for the address if it is new.
// Returns true when the address was first seen.
func (c *Core) Register(addr chain.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerLocked(addr)
}

func (c *Core) registerLocked(addr chain.Address) bool {
	if _, ok := c.parent[addr]; ok {
		return false
	}
	c.parent[addr] = addr
	c.size[addr] = 1
	c.members[addr] = []chain.Address{addr}
	c.byID[chain.EntityIDFor(addr)] = addr
	return true
}

// Find returns the entity id of the address's current root. Amortized
// near-constant time; fails with ErrUnknownAddress for unregistered
// addresses.
func (c *Core) Find(addr chain.Address) (chain.EntityID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, ok := c.findLocked(addr)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	return chain.EntityIDFor(root), nil
}

// findLocked resolves addr to its root with path compression.
// Caller must hold c.mu.
func (c *Core) findLocked(addr chain.Address) (chain.Address, bool) {
	p, ok := c.parent[addr]
	if !ok {
		return "", false
	}
	root := addr
	for p != root {
		root = p
		p = c.parent[root]
	}
	// Compress.
	for addr != root {
		next := c.parent[addr]
		c.parent[addr] = root
		addr = next
	}
	return root, true
}

// ProposeMerge evaluates one evidence item against the acceptance policy
// and unions the two entities when it passes. Both addresses are
// registered implicitly. The item must already be recorded in the
// evidence source so the aggregate path sees it.
func (c *Core) ProposeMerge(it evidence.Item) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.proposed++
	c.registerLocked(it.AddrA)
	c.registerLocked(it.AddrB)

	rootA, _ := c.findLocked(it.AddrA)
	rootB, _ := c.findLocked(it.AddrB)

	if rootA == rootB {
		c.alreadyMerged++
		// Evidence between co-clustered addresses still strengthens the
		// entity; the ledger already holds it, so confidence just needs
		// reading back out.
		return Result{
			Outcome:    AlreadyMerged,
			Root:       rootA,
			Confidence: c.agg.EntityConfidence(rootA),
		}, nil
	}

	if !c.acceptLocked(it) {
		c.rejected++
		return Result{Outcome: Rejected}, nil
	}

	// Union by size: smaller set goes under the larger root.
	winner, loser := rootA, rootB
	if c.size[loser] > c.size[winner] {
		winner, loser = loser, winner
	}

	conf, confUndo := c.agg.OnMerge(winner, loser, it.Pair())

	c.seq++
	entry := ChangeLogEntry{
		Seq:                 c.seq,
		Operation:           OpMerge,
		EntityBefore:        []chain.EntityID{chain.EntityIDFor(winner), chain.EntityIDFor(loser)},
		EntityAfter:         []chain.EntityID{chain.EntityIDFor(winner)},
		TriggeringEvidence:  it.ID(),
		ResultingConfidence: conf,
		Timestamp:           time.Now().UTC(),
		Roots:               []chain.Address{winner},
		Absorbed:            append([]chain.Address(nil), c.members[loser]...),
		Confidences:         []float64{conf},
	}

	// Log before mutating: if the hook cannot persist the entry the
	// partition stays untouched.
	if c.onCommit != nil {
		if err := c.onCommit(entry); err != nil {
			c.agg.OnUndo(confUndo)
			c.seq--
			return Result{Outcome: Rejected}, fmt.Errorf("cluster: commit merge: %w", err)
		}
	}

	rec := &undoRecord{
		seq:          entry.Seq,
		winner:       winner,
		loser:        loser,
		loserMembers: entry.Absorbed,
		prevWinnerLM: c.lastMerge[winner],
		prevLoserLM:  c.lastMerge[loser],
		confUndo:     confUndo,
	}

	c.parent[loser] = winner
	c.size[winner] += c.size[loser]
	c.members[winner] = append(c.members[winner], c.members[loser]...)
	delete(c.members, loser)
	delete(c.size, loser)
	delete(c.byID, chain.EntityIDFor(loser))
	delete(c.lastMerge, loser)
	c.lastMerge[winner] = entry.Seq

	c.pushUndoLocked(rec)
	c.accepted++

	return Result{
		Outcome:    Accepted,
		Root:       winner,
		Confidence: conf,
		Entry:      &entry,
	}, nil
}

// acceptLocked applies the acceptance policy to one item.
func (c *Core) acceptLocked(it evidence.Item) bool {
	if !it.Heuristic.AggregateOnly() && it.Weight >= c.opts.AcceptThreshold {
		return true
	}
	if c.source == nil {
		return false
	}
	if c.source.Aggregate(it.AddrA, it.AddrB) < c.opts.AcceptThreshold {
		return false
	}
	// Aggregate path: at least one corroborating item must come from a
	// heuristic allowed to merge, so behavioral noise cannot cluster
	// addresses by volume alone.
	for _, rec := range c.source.Items(it.AddrA, it.AddrB) {
		if !rec.Heuristic.AggregateOnly() {
			return true
		}
	}
	return false
}

// pushUndoLocked appends an undo record, evicting the oldest once the
// journal exceeds the configured depth. Evicted merges are permanent.
func (c *Core) pushUndoLocked(rec *undoRecord) {
	c.undoLog[rec.seq] = rec
	c.undoFIFO = append(c.undoFIFO, rec.seq)
	for len(c.undoFIFO) > c.opts.UndoDepthLimit {
		oldest := c.undoFIFO[0]
		c.undoFIFO = c.undoFIFO[1:]
		delete(c.undoLog, oldest)
	}
}

// UndoMerge reverses the merge recorded under seq. Only the most recent
// merge affecting the entity's current root can be undone; later merges
// built on top return ErrUndoConflict until they are undone first.
// Returns the UNDO_MERGE change-log entry on success.
func (c *Core) UndoMerge(seq uint64) (*ChangeLogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.undoLog[seq]
	if !ok {
		if seq > 0 && seq <= c.seq {
			return nil, fmt.Errorf("%w: seq %d", ErrUndoExpired, seq)
		}
		return nil, fmt.Errorf("cluster: no merge with seq %d", seq)
	}

	root, _ := c.findLocked(rec.winner)
	if c.lastMerge[root] != seq {
		return nil, fmt.Errorf("%w: merge %d is not the latest for entity %s (latest %d)",
			ErrUndoConflict, seq, chain.EntityIDFor(root), c.lastMerge[root])
	}

	winnerConf, loserConf := c.agg.PreviewUndo(rec.confUndo)
	c.seq++
	entry := ChangeLogEntry{
		Seq:                 c.seq,
		Operation:           OpUndoMerge,
		EntityBefore:        []chain.EntityID{chain.EntityIDFor(rec.winner)},
		EntityAfter:         []chain.EntityID{chain.EntityIDFor(rec.winner), chain.EntityIDFor(rec.loser)},
		TriggeringEvidence:  "",
		ResultingConfidence: winnerConf,
		Timestamp:           time.Now().UTC(),
		Roots:               []chain.Address{rec.winner, rec.loser},
		Absorbed:            rec.loserMembers,
		Confidences:         []float64{winnerConf, loserConf},
	}

	if c.onCommit != nil {
		if err := c.onCommit(entry); err != nil {
			c.seq--
			return nil, fmt.Errorf("cluster: commit undo: %w", err)
		}
	}

	// Restore the loser entity. Path compression may have pointed loser
	// members straight at the winner root, so every member is reparented
	// explicitly.
	for _, m := range rec.loserMembers {
		c.parent[m] = rec.loser
	}
	c.parent[rec.loser] = rec.loser
	c.size[rec.loser] = len(rec.loserMembers)
	c.size[rec.winner] -= len(rec.loserMembers)
	c.members[rec.loser] = rec.loserMembers
	kept := c.members[rec.winner][:0]
	inLoser := make(map[chain.Address]struct{}, len(rec.loserMembers))
	for _, m := range rec.loserMembers {
		inLoser[m] = struct{}{}
	}
	for _, m := range c.members[rec.winner] {
		if _, gone := inLoser[m]; !gone {
			kept = append(kept, m)
		}
	}
	c.members[rec.winner] = kept
	c.byID[chain.EntityIDFor(rec.loser)] = rec.loser

	c.lastMerge[rec.winner] = rec.prevWinnerLM
	if rec.prevWinnerLM == 0 {
		delete(c.lastMerge, rec.winner)
	}
	if rec.prevLoserLM != 0 {
		c.lastMerge[rec.loser] = rec.prevLoserLM
	}

	c.agg.OnUndo(rec.confUndo)

	delete(c.undoLog, seq)
	c.undone++

	return &entry, nil
}

// EntityMembers returns the full membership of the entity. Fails with
// ErrUnknownEntity when the id does not name a live root.
func (c *Core) EntityMembers(id chain.EntityID) ([]chain.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	root, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	out := make([]chain.Address, len(c.members[root]))
	copy(out, c.members[root])
	return out, nil
}

// EntityOf returns the entity id and membership for an address.
func (c *Core) EntityOf(addr chain.Address) (chain.EntityID, []chain.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	root, ok := c.findLocked(addr)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	out := make([]chain.Address, len(c.members[root]))
	copy(out, c.members[root])
	return chain.EntityIDFor(root), out, nil
}

// Confidence returns the aggregate confidence of the entity containing
// addr.
func (c *Core) Confidence(addr chain.Address) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	root, ok := c.findLocked(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	return c.agg.EntityConfidence(root), nil
}

// Stats returns a snapshot of core counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Addresses:     int64(len(c.parent)),
		Entities:      int64(len(c.members)),
		Proposed:      c.proposed,
		Accepted:      c.accepted,
		Rejected:      c.rejected,
		AlreadyMerged: c.alreadyMerged,
		Undone:        c.undone,
		UndoDepth:     int64(len(c.undoFIFO)),
	}
}
