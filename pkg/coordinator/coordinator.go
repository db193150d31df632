// Package coordinator sequences evidence production and application.
//
// Heuristic evaluation over distinct transactions is embarrassingly
// parallel, so the coordinator fans batches out across workers. All
// partition mutations then funnel through the clustering core's single
// writer, one proposal at a time. The split keeps evaluators pure and the
// union-find structure uncorrupted.
//
// Batch lifecycle:
//
//	Received → Evaluated → Proposed → Applied
//
// Evaluation and proposal are speculative: cancelling the context before
// the Applied transition aborts the batch with zero partition side
// effects. Once application begins the batch runs to completion at
// transaction granularity: either all of a transaction's evidence is
// proposed or none of it.
//
// Resubmitting a transaction is idempotent: the evidence ledger
// deduplicates on (pair, heuristic, source tx), and duplicate items are
// never re-proposed, so no second change-log entry can appear.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/cluster"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/heuristics"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/journal"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/pool"
)

// BatchState tracks where a batch is in its lifecycle.
type BatchState string

const (
	StateReceived  BatchState = "RECEIVED"
	StateEvaluated BatchState = "EVALUATED"
	StateProposed  BatchState = "PROPOSED"
	StateApplied   BatchState = "APPLIED"
	StateAborted   BatchState = "ABORTED"
)

// BatchResult reports what one batch submission did.
type BatchResult struct {
	ID           string               `json:"id"`
	State        BatchState           `json:"state"`
	Transactions int                  `json:"transactions"`
	Skipped      []journal.Diagnostic `json:"skipped,omitempty"`

	Evidence      int `json:"evidence"`
	Duplicates    int `json:"duplicates"`
	Accepted      int `json:"accepted"`
	Rejected      int `json:"rejected"`
	AlreadyMerged int `json:"already_merged"`
}

// Options configures a Coordinator.
type Options struct {
	// Workers is the evaluation fan-out width. Default 4.
	Workers int

	// SubscriberBuffer is the change-log channel depth per subscriber.
	// A subscriber that falls further behind loses entries (counted in
	// Stats.Dropped); the journal remains the complete record. Default 256.
	SubscriberBuffer int
}

// DefaultOptions returns the default coordinator settings.
func DefaultOptions() Options {
	return Options{
		Workers:          4,
		SubscriberBuffer: 256,
	}
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Batches       int64 `json:"batches"`
	Transactions  int64 `json:"transactions"`
	Skipped       int64 `json:"skipped"`
	Evidence      int64 `json:"evidence"`
	Duplicates    int64 `json:"duplicates"`
	Accepted      int64 `json:"accepted"`
	Rejected      int64 `json:"rejected"`
	AlreadyMerged int64 `json:"already_merged"`
	Subscribers   int64 `json:"subscribers"`
	Dropped       int64 `json:"dropped"`
}

// Coordinator owns batch sequencing and the change-log fan-out.
// Thread-safe; concurrent SubmitBatch calls serialize at the apply phase.
type Coordinator struct {
	opts    Options
	reg     *heuristics.Registry
	ledger  *evidence.Ledger
	core    *cluster.Core
	journal *journal.Writer // optional

	// applyMu serializes the apply phase across concurrent batches so a
	// batch's transactions land contiguously in the change log.
	applyMu sync.Mutex

	mu          sync.Mutex
	subscribers map[int]chan cluster.ChangeLogEntry
	nextSub     int
	closed      bool

	batches      int64
	transactions int64
	skipped      int64
	evCount      int64
	duplicates   int64
	accepted     int64
	rejected     int64
	already      int64
	dropped      int64
}

// New creates a coordinator over the given registry, ledger and core.
// jw may be nil to run without a journal (tests, ephemeral analysis).
func New(opts Options, reg *heuristics.Registry, ledger *evidence.Ledger, core *cluster.Core, jw *journal.Writer) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultOptions().SubscriberBuffer
	}
	return &Coordinator{
		opts:        opts,
		reg:         reg,
		ledger:      ledger,
		core:        core,
		journal:     jw,
		subscribers: make(map[int]chan cluster.ChangeLogEntry),
	}
}

// txEvidence is the speculative evaluation result for one transaction.
type txEvidence struct {
	index int
	tx    *chain.Transaction
	items []evidence.Item
	skip  *journal.Diagnostic
}

// SubmitBatch runs the full lifecycle for a set of transactions.
//
// The error return covers infrastructure failures (journal append); a
// transaction that fails evaluation is a Skipped diagnostic in the
// result, never an error, and never aborts the rest of the batch.
func (c *Coordinator) SubmitBatch(ctx context.Context, txs []*chain.Transaction) (*BatchResult, error) {
	res := &BatchResult{
		ID:           uuid.NewString(),
		State:        StateReceived,
		Transactions: len(txs),
	}

	if err := ctx.Err(); err != nil {
		res.State = StateAborted
		return res, err
	}

	// Evaluated: pure fan-out, no shared mutable state.
	results := c.evaluate(ctx, txs)
	if err := ctx.Err(); err != nil {
		res.State = StateAborted
		return res, err
	}
	res.State = StateEvaluated

	// Proposed: drop duplicates so resubmission is invisible downstream.
	for i := range results {
		if results[i].skip != nil {
			continue
		}
		kept := results[i].items[:0]
		for _, it := range results[i].items {
			if c.ledger.Seen(it.Key()) {
				res.Duplicates++
				continue
			}
			kept = append(kept, it)
		}
		results[i].items = kept
		res.Evidence += len(kept)
	}
	res.State = StateProposed

	// Last exit before side effects.
	if err := ctx.Err(); err != nil {
		res.State = StateAborted
		return res, err
	}

	// Applied: serialized, transaction-atomic.
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	for i := range results {
		r := &results[i]
		if r.skip != nil {
			res.Skipped = append(res.Skipped, *r.skip)
			if c.journal != nil {
				if err := c.journal.AppendDiagnostic(*r.skip); err != nil {
					return res, fmt.Errorf("coordinator: journal diagnostic: %w", err)
				}
			}
			continue
		}
		if err := c.applyTx(r, res); err != nil {
			return res, err
		}
	}
	res.State = StateApplied

	c.mu.Lock()
	c.batches++
	c.transactions += int64(len(txs))
	c.skipped += int64(len(res.Skipped))
	c.evCount += int64(res.Evidence)
	c.duplicates += int64(res.Duplicates)
	c.accepted += int64(res.Accepted)
	c.rejected += int64(res.Rejected)
	c.already += int64(res.AlreadyMerged)
	c.mu.Unlock()

	return res, nil
}

// SubmitEvidence feeds pre-scored items (an ML pipeline, an analyst
// annotation) through the same dedup and acceptance path as evaluator
// output. All items are applied as one atomic unit.
func (c *Coordinator) SubmitEvidence(ctx context.Context, items []evidence.Item) (*BatchResult, error) {
	res := &BatchResult{
		ID:    uuid.NewString(),
		State: StateReceived,
	}

	kept := make([]evidence.Item, 0, len(items))
	for _, it := range items {
		if c.ledger.Seen(it.Key()) {
			res.Duplicates++
			continue
		}
		kept = append(kept, it)
	}
	res.Evidence = len(kept)
	res.State = StateProposed

	if err := ctx.Err(); err != nil {
		res.State = StateAborted
		return res, err
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	r := txEvidence{items: kept}
	if err := c.applyTx(&r, res); err != nil {
		return res, err
	}
	res.State = StateApplied

	c.mu.Lock()
	c.batches++
	c.evCount += int64(res.Evidence)
	c.duplicates += int64(res.Duplicates)
	c.accepted += int64(res.Accepted)
	c.rejected += int64(res.Rejected)
	c.already += int64(res.AlreadyMerged)
	c.mu.Unlock()

	return res, nil
}

// applyTx records and proposes one transaction's evidence as a unit.
func (c *Coordinator) applyTx(r *txEvidence, res *BatchResult) error {
	for _, it := range r.items {
		// Record first so the aggregate path sees the item; a duplicate
		// slipping in between phases is dropped here the same way.
		if !c.ledger.Add(it) {
			res.Duplicates++
			res.Evidence--
			continue
		}
		outcome, err := c.core.ProposeMerge(it)
		if err != nil {
			return fmt.Errorf("coordinator: propose %s: %w", it.ID(), err)
		}
		switch outcome.Outcome {
		case cluster.Accepted:
			res.Accepted++
			if outcome.Entry != nil {
				c.publish(*outcome.Entry)
			}
		case cluster.AlreadyMerged:
			res.AlreadyMerged++
		default:
			res.Rejected++
		}
	}
	return nil
}

// evaluate fans transactions across workers and collects per-transaction
// results in input order.
func (c *Coordinator) evaluate(ctx context.Context, txs []*chain.Transaction) []txEvidence {
	results := make([]txEvidence, len(txs))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < c.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = c.evaluateOne(i, txs[i])
			}
		}()
	}

feed:
	for i := range txs {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	return results
}

// evaluateOne runs the registry over a single transaction, converting
// validation failures into skip diagnostics.
func (c *Coordinator) evaluateOne(i int, tx *chain.Transaction) txEvidence {
	r := txEvidence{index: i, tx: tx}

	if tx == nil {
		r.skip = &journal.Diagnostic{Reason: "nil transaction", Timestamp: time.Now().UTC()}
		return r
	}
	if err := tx.Validate(); err != nil {
		r.skip = &journal.Diagnostic{TxID: tx.ID, Reason: err.Error(), Timestamp: time.Now().UTC()}
		return r
	}

	scratch := pool.GetItemSlice()
	scratch = c.reg.AppendAll(scratch, tx)
	if len(scratch) > 0 {
		r.items = make([]evidence.Item, len(scratch))
		copy(r.items, scratch)
	}
	pool.PutItemSlice(scratch)
	return r
}

// UndoMerge reverses a merge through the core and fans the UNDO_MERGE
// entry out to subscribers. The evidence that triggered the original
// merge stays in the ledger; only the structural conclusion is retracted.
func (c *Coordinator) UndoMerge(seq uint64) (*cluster.ChangeLogEntry, error) {
	entry, err := c.core.UndoMerge(seq)
	if err != nil {
		return nil, err
	}
	c.publish(*entry)
	return entry, nil
}

// Subscribe returns a channel of change-log entries and a cancel
// function. Entries published after the call are delivered in order;
// a slow subscriber loses entries rather than stalling the engine.
func (c *Coordinator) Subscribe() (<-chan cluster.ChangeLogEntry, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan cluster.ChangeLogEntry, c.opts.SubscriberBuffer)
	c.subscribers[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish fans one entry out to all subscribers, dropping on full
// buffers.
func (c *Coordinator) publish(entry cluster.ChangeLogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- entry:
		default:
			c.dropped++
		}
	}
}

// Stats returns a snapshot of coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Batches:       c.batches,
		Transactions:  c.transactions,
		Skipped:       c.skipped,
		Evidence:      c.evCount,
		Duplicates:    c.duplicates,
		Accepted:      c.accepted,
		Rejected:      c.rejected,
		AlreadyMerged: c.already,
		Subscribers:   int64(len(c.subscribers)),
		Dropped:       c.dropped,
	}
}

// Close closes all subscriber channels.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
}
