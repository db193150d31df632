// Package storage mirrors the partition into queryable stores.
//
// The clustering core owns the partition; external consumers rebuild
// their own view purely from the change-log stream. This package provides
// two such mirrors behind one interface:
//   - MemoryEngine: in-memory, for tests and ephemeral analysis sessions
//   - BadgerEngine: persistent, for durable entity lookups across runs
//
// A mirror only ever learns about entities through MERGE and UNDO_MERGE
// entries. Addresses that never merged (singleton entities) do not appear
// in the change log and therefore not in the mirror; resolve those
// against the live core.
//
// Replay is idempotent: entries at or below the mirror's last applied
// sequence are skipped, so re-running a journal over an existing mirror
// is safe.
package storage

import (
	"errors"
	"fmt"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/cluster"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/journal"
)

// Common errors
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrStorageClosed = errors.New("storage: closed")
	ErrBadEntry      = errors.New("storage: malformed change-log entry")
)

// EntityRecord is the mirrored state of one entity.
type EntityRecord struct {
	ID         chain.EntityID  `json:"id"`
	Members    []chain.Address `json:"members"`
	Confidence float64         `json:"confidence"`
	// Provenance lists the evidence ids that triggered the merges which
	// formed this entity, in application order.
	Provenance []string `json:"provenance,omitempty"`
}

// Engine is the mirror store contract. Implementations are thread-safe.
type Engine interface {
	// ApplyEntry folds one change-log entry into the mirror. Entries at
	// or below LastSeq are ignored.
	ApplyEntry(entry *cluster.ChangeLogEntry) error

	// EntityOf resolves an address to its entity id.
	EntityOf(addr chain.Address) (chain.EntityID, error)

	// Entity returns the mirrored record for an entity id.
	Entity(id chain.EntityID) (*EntityRecord, error)

	// Entities returns the number of mirrored entities.
	Entities() (int64, error)

	// Addresses returns the number of mirrored addresses.
	Addresses() (int64, error)

	// LastSeq returns the sequence of the last applied entry.
	LastSeq() (uint64, error)

	Close() error
}

// Replay folds journal records into a mirror. Diagnostic records are
// skipped. Returns the number of change entries actually applied;
// entries the mirror already held do not count.
func Replay(records []journal.Record, eng Engine) (int, error) {
	last, err := eng.LastSeq()
	if err != nil {
		return 0, fmt.Errorf("storage: replay: %w", err)
	}
	applied := 0
	for i := range records {
		if records[i].Kind != journal.KindChange {
			continue
		}
		entry, err := records[i].Change()
		if err != nil {
			return applied, err
		}
		if err := eng.ApplyEntry(entry); err != nil {
			return applied, fmt.Errorf("storage: replay seq %d: %w", entry.Seq, err)
		}
		if entry.Seq > last {
			applied++
			last = entry.Seq
		}
	}
	return applied, nil
}

// validateEntry checks the invariants both engines rely on.
func validateEntry(entry *cluster.ChangeLogEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: nil", ErrBadEntry)
	}
	switch entry.Operation {
	case cluster.OpMerge:
		if len(entry.Roots) != 1 || len(entry.EntityAfter) != 1 || len(entry.EntityBefore) != 2 {
			return fmt.Errorf("%w: merge seq %d", ErrBadEntry, entry.Seq)
		}
	case cluster.OpUndoMerge:
		if len(entry.Roots) != 2 || len(entry.EntityAfter) != 2 || len(entry.EntityBefore) != 1 {
			return fmt.Errorf("%w: undo seq %d", ErrBadEntry, entry.Seq)
		}
	default:
		return fmt.Errorf("%w: seq %d operation %q", ErrBadEntry, entry.Seq, entry.Operation)
	}
	return nil
}
