package storage

import (
	"fmt"
	"sync"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/cluster"
)

// provFrame records one merge's provenance: the triggering evidence id
// and the absorbed entity's own provenance stack. Undo pops the frame and
// hands the nested stack back to the restored entity.
type provFrame struct {
	Evidence string      `json:"evidence"`
	Loser    []provFrame `json:"loser,omitempty"`
}

// flattenProv renders a provenance stack in application order.
func flattenProv(frames []provFrame) []string {
	var out []string
	for _, f := range frames {
		out = append(out, flattenProv(f.Loser)...)
		out = append(out, f.Evidence)
	}
	return out
}

// entityState is the mirrored state of one entity.
type entityState struct {
	Members    []chain.Address `json:"members"`
	Confidence float64         `json:"confidence"`
	Prov       []provFrame     `json:"prov,omitempty"`
}

// MemoryEngine is a thread-safe in-memory change-log mirror.
//
// Use for tests, notebooks and ephemeral analysis sessions; pair with
// BadgerEngine when entity lookups must survive the process.
type MemoryEngine struct {
	mu       sync.RWMutex
	entities map[chain.EntityID]*entityState
	byAddr   map[chain.Address]chain.EntityID
	lastSeq  uint64
	closed   bool
}

// NewMemoryEngine creates an empty in-memory mirror.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		entities: make(map[chain.EntityID]*entityState),
		byAddr:   make(map[chain.Address]chain.EntityID),
	}
}

// ApplyEntry implements Engine.
func (m *MemoryEngine) ApplyEntry(entry *cluster.ChangeLogEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if entry.Seq <= m.lastSeq {
		return nil
	}

	switch entry.Operation {
	case cluster.OpMerge:
		m.applyMerge(entry)
	case cluster.OpUndoMerge:
		if err := m.applyUndo(entry); err != nil {
			return err
		}
	}
	m.lastSeq = entry.Seq
	return nil
}

func (m *MemoryEngine) applyMerge(entry *cluster.ChangeLogEntry) {
	winnerID := entry.EntityAfter[0]
	loserID := entry.EntityBefore[1]
	winnerRoot := entry.Roots[0]

	winner, ok := m.entities[winnerID]
	if !ok {
		// First merge for this root: it was a singleton until now.
		winner = &entityState{Members: []chain.Address{winnerRoot}}
		m.entities[winnerID] = winner
		m.byAddr[winnerRoot] = winnerID
	}

	var loserProv []provFrame
	if loser, ok := m.entities[loserID]; ok {
		loserProv = loser.Prov
		delete(m.entities, loserID)
	}

	winner.Members = append(winner.Members, entry.Absorbed...)
	for _, addr := range entry.Absorbed {
		m.byAddr[addr] = winnerID
	}
	winner.Prov = append(winner.Prov, provFrame{Evidence: entry.TriggeringEvidence, Loser: loserProv})
	winner.Confidence = entry.ResultingConfidence
	if len(entry.Confidences) > 0 {
		winner.Confidence = entry.Confidences[0]
	}
}

func (m *MemoryEngine) applyUndo(entry *cluster.ChangeLogEntry) error {
	winnerID := entry.EntityAfter[0]
	loserID := entry.EntityAfter[1]

	winner, ok := m.entities[winnerID]
	if !ok {
		return fmt.Errorf("%w: undo seq %d for unmirrored entity %s", ErrBadEntry, entry.Seq, winnerID)
	}

	gone := make(map[chain.Address]struct{}, len(entry.Absorbed))
	for _, addr := range entry.Absorbed {
		gone[addr] = struct{}{}
	}
	kept := winner.Members[:0]
	for _, addr := range winner.Members {
		if _, moved := gone[addr]; !moved {
			kept = append(kept, addr)
		}
	}
	winner.Members = kept

	var loserProv []provFrame
	if n := len(winner.Prov); n > 0 {
		loserProv = winner.Prov[n-1].Loser
		winner.Prov = winner.Prov[:n-1]
	}

	winnerConf, loserConf := entry.ResultingConfidence, 1.0
	if len(entry.Confidences) == 2 {
		winnerConf, loserConf = entry.Confidences[0], entry.Confidences[1]
	}
	winner.Confidence = winnerConf

	if len(entry.Absorbed) > 1 || len(loserProv) > 0 {
		loser := &entityState{
			Members:    append([]chain.Address(nil), entry.Absorbed...),
			Confidence: loserConf,
			Prov:       loserProv,
		}
		m.entities[loserID] = loser
		for _, addr := range entry.Absorbed {
			m.byAddr[addr] = loserID
		}
	} else {
		// Restored singleton: drop it from the mirror like any other
		// never-merged address.
		for _, addr := range entry.Absorbed {
			delete(m.byAddr, addr)
		}
	}

	// A winner reduced to a lone address is a singleton again too.
	if len(winner.Members) == 1 && len(winner.Prov) == 0 {
		delete(m.byAddr, winner.Members[0])
		delete(m.entities, winnerID)
	}
	return nil
}

// EntityOf implements Engine.
func (m *MemoryEngine) EntityOf(addr chain.Address) (chain.EntityID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrStorageClosed
	}
	id, ok := m.byAddr[addr]
	if !ok {
		return "", fmt.Errorf("%w: address %s", ErrNotFound, addr)
	}
	return id, nil
}

// Entity implements Engine.
func (m *MemoryEngine) Entity(id chain.EntityID) (*EntityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	st, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	rec := &EntityRecord{
		ID:         id,
		Members:    append([]chain.Address(nil), st.Members...),
		Confidence: st.Confidence,
		Provenance: flattenProv(st.Prov),
	}
	return rec, nil
}

// Entities implements Engine.
func (m *MemoryEngine) Entities() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.entities)), nil
}

// Addresses implements Engine.
func (m *MemoryEngine) Addresses() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.byAddr)), nil
}

// LastSeq implements Engine.
func (m *MemoryEngine) LastSeq() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return m.lastSeq, nil
}

// Close implements Engine.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
