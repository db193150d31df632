package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/cluster"
)

// Key prefixes for Badger storage organization. Single-byte prefixes keep
// keys short.
const (
	prefixEntity = byte(0x01) // entity id -> JSON(entityState)
	prefixAddr   = byte(0x02) // address -> entity id
	prefixMeta   = byte(0x03) // meta keys (last applied sequence)
)

var metaLastSeq = []byte{prefixMeta, 'l', 's'}

func entityKey(id chain.EntityID) []byte {
	return append([]byte{prefixEntity}, id...)
}

func addrKey(addr chain.Address) []byte {
	return append([]byte{prefixAddr}, addr...)
}

// BadgerOptions configures the BadgerDB mirror.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB without persistence. For tests.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower, durable.
	SyncWrites bool

	// Logger overrides BadgerDB's logger; nil silences it.
	Logger badger.Logger
}

// BadgerEngine is a persistent change-log mirror on BadgerDB. Entity
// lookups survive restarts; replaying a journal over an existing store
// resumes from the last applied sequence.
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.Mutex
	closed bool
}

// NewBadgerEngine opens (or creates) a mirror store.
func NewBadgerEngine(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("storage: badger: data dir required")
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: badger open: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// ApplyEntry implements Engine. The whole entry applies in one Badger
// transaction, so a crash mid-apply leaves the mirror at the previous
// sequence.
func (b *BadgerEngine) ApplyEntry(entry *cluster.ChangeLogEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		last, err := readSeq(txn)
		if err != nil {
			return err
		}
		if entry.Seq <= last {
			return nil
		}

		switch entry.Operation {
		case cluster.OpMerge:
			if err := applyMergeTxn(txn, entry); err != nil {
				return err
			}
		case cluster.OpUndoMerge:
			if err := applyUndoTxn(txn, entry); err != nil {
				return err
			}
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], entry.Seq)
		return txn.Set(metaLastSeq, buf[:])
	})
}

func readSeq(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(metaLastSeq)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) == 8 {
			seq = binary.BigEndian.Uint64(val)
		}
		return nil
	})
	return seq, err
}

func readEntity(txn *badger.Txn, id chain.EntityID) (*entityState, error) {
	item, err := txn.Get(entityKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st := &entityState{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func writeEntity(txn *badger.Txn, id chain.EntityID, st *entityState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return txn.Set(entityKey(id), data)
}

func applyMergeTxn(txn *badger.Txn, entry *cluster.ChangeLogEntry) error {
	winnerID := entry.EntityAfter[0]
	loserID := entry.EntityBefore[1]
	winnerRoot := entry.Roots[0]

	winner, err := readEntity(txn, winnerID)
	if err != nil {
		return err
	}
	if winner == nil {
		winner = &entityState{Members: []chain.Address{winnerRoot}}
		if err := txn.Set(addrKey(winnerRoot), []byte(winnerID)); err != nil {
			return err
		}
	}

	var loserProv []provFrame
	loser, err := readEntity(txn, loserID)
	if err != nil {
		return err
	}
	if loser != nil {
		loserProv = loser.Prov
		if err := txn.Delete(entityKey(loserID)); err != nil {
			return err
		}
	}

	winner.Members = append(winner.Members, entry.Absorbed...)
	for _, addr := range entry.Absorbed {
		if err := txn.Set(addrKey(addr), []byte(winnerID)); err != nil {
			return err
		}
	}
	winner.Prov = append(winner.Prov, provFrame{Evidence: entry.TriggeringEvidence, Loser: loserProv})
	winner.Confidence = entry.ResultingConfidence
	return writeEntity(txn, winnerID, winner)
}

func applyUndoTxn(txn *badger.Txn, entry *cluster.ChangeLogEntry) error {
	winnerID := entry.EntityAfter[0]
	loserID := entry.EntityAfter[1]

	winner, err := readEntity(txn, winnerID)
	if err != nil {
		return err
	}
	if winner == nil {
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
		if err := writeEntity(txn, loserID, loser); err != nil {
			return err
		}
		for _, addr := range entry.Absorbed {
			if err := txn.Set(addrKey(addr), []byte(loserID)); err != nil {
				return err
			}
		}
	} else {
		for _, addr := range entry.Absorbed {
			if err := txn.Delete(addrKey(addr)); err != nil {
				return err
			}
		}
	}

	if len(winner.Members) == 1 && len(winner.Prov) == 0 {
		if err := txn.Delete(addrKey(winner.Members[0])); err != nil {
			return err
		}
		return txn.Delete(entityKey(winnerID))
	}
	return writeEntity(txn, winnerID, winner)
}

// EntityOf implements Engine.
func (b *BadgerEngine) EntityOf(addr chain.Address) (chain.EntityID, error) {
	var id chain.EntityID
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(addrKey(addr))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: address %s", ErrNotFound, addr)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = chain.EntityID(val)
			return nil
		})
	})
	return id, err
}

// Entity implements Engine.
func (b *BadgerEngine) Entity(id chain.EntityID) (*EntityRecord, error) {
	var rec *EntityRecord
	err := b.db.View(func(txn *badger.Txn) error {
		st, err := readEntity(txn, id)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("%w: entity %s", ErrNotFound, id)
		}
		rec = &EntityRecord{
			ID:         id,
			Members:    st.Members,
			Confidence: st.Confidence,
			Provenance: flattenProv(st.Prov),
		}
		return nil
	})
	return rec, err
}

// Entities implements Engine.
func (b *BadgerEngine) Entities() (int64, error) {
	return b.countPrefix(prefixEntity)
}

// Addresses implements Engine.
func (b *BadgerEngine) Addresses() (int64, error) {
	return b.countPrefix(prefixAddr)
}

func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefix}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// LastSeq implements Engine.
func (b *BadgerEngine) LastSeq() (uint64, error) {
	var seq uint64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		seq, err = readSeq(txn)
		return err
	})
	return seq, err
}

// Close implements Engine.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
