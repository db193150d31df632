// Package engine assembles the clustering pipeline behind one facade.
//
// An Engine wires the evidence ledger, the confidence aggregator, the
// union-find core, the heuristic registry and the batch coordinator
// together from a single Config, with the journal installed as the
// core's commit hook. Most callers should use this package rather than
// assembling the pieces by hand.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	eng, err := engine.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	res, err := eng.Ingest(ctx, txs)
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/cluster"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/config"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/confidence"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/coordinator"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/heuristics"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/journal"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/storage"
)

// Stats aggregates snapshots from every subsystem.
type Stats struct {
	Evidence    evidence.LedgerStats `json:"evidence"`
	Cluster     cluster.Stats        `json:"cluster"`
	Coordinator coordinator.Stats    `json:"coordinator"`
	Journal     *journal.WriterStats `json:"journal,omitempty"`
}

// addrTracker remembers which addresses have appeared in prior output
// sets, backing the change heuristic's freshness test.
type addrTracker struct {
	mu   sync.RWMutex
	seen map[chain.Address]struct{}
}

func newAddrTracker() *addrTracker {
	return &addrTracker{seen: make(map[chain.Address]struct{})}
}

func (t *addrTracker) Seen(addr chain.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.seen[addr]
	return ok
}

func (t *addrTracker) record(txs []*chain.Transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		for _, out := range tx.Outputs {
			t.seen[out.Address] = struct{}{}
		}
	}
}

func (t *addrTracker) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seen)
}

// Engine is the assembled clustering pipeline.
type Engine struct {
	cfg     *config.Config
	ledger  *evidence.Ledger
	agg     *confidence.Aggregator
	core    *cluster.Core
	coord   *coordinator.Coordinator
	journal *journal.Writer // nil when cfg.JournalDir is empty
	tracker *addrTracker

	mu      sync.Mutex
	mirrors []func() error // mirror detach functions
	closed  bool
}

// New builds an Engine from the config. A non-empty JournalDir opens
// (or resumes) the journal there; an empty one runs journal-free.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ledger := evidence.NewLedger()
	agg := confidence.New(ledger)
	core := cluster.New(cluster.Options{
		AcceptThreshold: cfg.AcceptThreshold,
		UndoDepthLimit:  cfg.UndoDepthLimit,
	}, ledger, agg)

	var jw *journal.Writer
	if cfg.JournalDir != "" {
		var err error
		jw, err = journal.NewWriter(journal.Options{
			Dir:               cfg.JournalDir,
			SyncMode:          cfg.JournalSync,
			BatchSyncInterval: cfg.JournalSyncInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		// A resumed journal already holds change entries; number ours
		// after them so replay and mirrors never dedup them away.
		core.ResumeSeq(jw.LastChangeSeq())
		core.SetCommitHook(jw.AppendChange)
	}

	tracker := newAddrTracker()
	reg := buildRegistry(cfg, tracker)

	coord := coordinator.New(coordinator.Options{
		Workers:          cfg.EvalWorkers,
		SubscriberBuffer: cfg.SubscriberBuffer,
	}, reg, ledger, core, jw)

	return &Engine{
		cfg:     cfg,
		ledger:  ledger,
		agg:     agg,
		core:    core,
		coord:   coord,
		journal: jw,
		tracker: tracker,
	}, nil
}

// buildRegistry assembles evaluators per the config's weights and
// feature toggles.
func buildRegistry(cfg *config.Config, tracker *addrTracker) *heuristics.Registry {
	cioh := heuristics.NewCIOH(cfg.CIOHWeight)
	cioh.SkipCoinJoin = cfg.CoinJoinDetectionEnabled

	change := heuristics.NewChangeAddress(cfg.ChangeWeight, tracker.Seen)

	reg := heuristics.NewRegistry(cioh, change)
	if cfg.BehavioralEvaluatorEnabled {
		reg.Register(heuristics.NewBehavioral(cfg.BehavioralWeight))
	}
	return reg
}

// Ingest submits a batch of transactions through the full lifecycle.
func (e *Engine) Ingest(ctx context.Context, txs []*chain.Transaction) (*coordinator.BatchResult, error) {
	res, err := e.coord.SubmitBatch(ctx, txs)
	if err != nil {
		return res, err
	}
	// Record outputs after the batch, so "seen before" means seen in an
	// earlier batch. Within one batch every output address is fresh.
	e.tracker.record(txs)
	return res, nil
}

// SubmitEvidence feeds externally scored items (ML pipelines, analyst
// annotations) into the same dedup and acceptance path.
func (e *Engine) SubmitEvidence(ctx context.Context, items []evidence.Item) (*coordinator.BatchResult, error) {
	return e.coord.SubmitEvidence(ctx, items)
}

// Find returns the entity id for an address.
func (e *Engine) Find(addr chain.Address) (chain.EntityID, error) {
	return e.core.Find(addr)
}

// Members returns every address in the entity.
func (e *Engine) Members(id chain.EntityID) ([]chain.Address, error) {
	return e.core.EntityMembers(id)
}

// EntityOf returns the entity id and full membership for an address.
func (e *Engine) EntityOf(addr chain.Address) (chain.EntityID, []chain.Address, error) {
	return e.core.EntityOf(addr)
}

// Confidence returns the entity confidence for an address's entity.
func (e *Engine) Confidence(addr chain.Address) (float64, error) {
	return e.core.Confidence(addr)
}

// Evidence returns the recorded items for an address pair.
func (e *Engine) Evidence(a, b chain.Address) []evidence.Item {
	return e.ledger.Items(a, b)
}

// Undo reverses the merge with the given change-log sequence.
func (e *Engine) Undo(seq uint64) (*cluster.ChangeLogEntry, error) {
	return e.coord.UndoMerge(seq)
}

// Subscribe returns a live change-log channel and its cancel function.
func (e *Engine) Subscribe() (<-chan cluster.ChangeLogEntry, func()) {
	return e.coord.Subscribe()
}

// AttachMirror streams change-log entries into a storage engine until
// Close (or the returned detach function). Entries the mirror has
// already applied are skipped by its own sequence check. A failing
// apply stops the stream; the detach function (and Close) report the
// failure.
func (e *Engine) AttachMirror(mirror storage.Engine) func() error {
	ch, cancel := e.coord.Subscribe()
	done := make(chan struct{})
	var applyErr error
	go func() {
		defer close(done)
		for entry := range ch {
			if err := mirror.ApplyEntry(&entry); err != nil {
				applyErr = fmt.Errorf("engine: mirror apply seq %d: %w", entry.Seq, err)
				cancel()
				return
			}
		}
	}()

	detach := func() error {
		cancel()
		<-done
		return applyErr
	}
	e.mu.Lock()
	e.mirrors = append(e.mirrors, detach)
	e.mu.Unlock()
	return detach
}

// Stats returns a snapshot across all subsystems.
func (e *Engine) Stats() Stats {
	s := Stats{
		Evidence:    e.ledger.Stats(),
		Cluster:     e.core.Stats(),
		Coordinator: e.coord.Stats(),
	}
	if e.journal != nil {
		js := e.journal.Stats()
		s.Journal = &js
	}
	return s
}

// Close shuts the coordinator, detaches mirrors and closes the journal.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	mirrors := e.mirrors
	e.mirrors = nil
	e.mu.Unlock()

	e.coord.Close()
	var errs []error
	for _, detach := range mirrors {
		if err := detach(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
