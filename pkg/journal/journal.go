// Package journal persists the change-log stream as an append-only file.
//
// Every partition mutation is journaled before the clustering core applies
// it (the core's commit hook), so a crash between proposal and apply can
// never leave the partition in a state the log does not reflect. The
// journal is the one contract an external store needs to reconstruct full
// partition history: replaying records in sequence rebuilds every merge
// and undo.
//
// Format: one JSON record per line, each carrying a monotonically
// increasing sequence number and a CRC32 checksum over its payload.
// A torn final record (crash mid-write) is tolerated on read; corruption
// anywhere else is an error.
//
// Sync policy mirrors the usual durability ladder:
//   - "immediate": fsync after every record (safest, slowest)
//   - "batch":     flush+fsync on an interval (default)
//   - "none":      leave flushing to the OS
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/cluster"
)

// Common errors
var (
	ErrClosed    = errors.New("journal: closed")
	ErrCorrupted = errors.New("journal: corrupted record")
)

// Record kinds.
const (
	KindChange     = "change"
	KindDiagnostic = "diagnostic"
)

// Diagnostic is a non-fatal ingestion report, currently only skipped
// transactions. Diagnostics share the journal so an audit of "what did
// the engine decline to process, and why" needs no second log.
type Diagnostic struct {
	TxID      chain.TxID `json:"tx_id"`
	Reason    string     `json:"reason"`
	Timestamp time.Time  `json:"timestamp"`
}

// Record is one journal line: a sequenced, checksummed payload.
type Record struct {
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
	Checksum  uint32          `json:"checksum"`
}

// Change decodes the payload of a KindChange record.
func (r *Record) Change() (*cluster.ChangeLogEntry, error) {
	if r.Kind != KindChange {
		return nil, fmt.Errorf("journal: record %d is %s, not %s", r.Seq, r.Kind, KindChange)
	}
	entry := &cluster.ChangeLogEntry{}
	if err := json.Unmarshal(r.Data, entry); err != nil {
		return nil, fmt.Errorf("journal: decode change %d: %w", r.Seq, err)
	}
	return entry, nil
}

// Diagnostic decodes the payload of a KindDiagnostic record.
func (r *Record) Diagnostic() (*Diagnostic, error) {
	if r.Kind != KindDiagnostic {
		return nil, fmt.Errorf("journal: record %d is %s, not %s", r.Seq, r.Kind, KindDiagnostic)
	}
	d := &Diagnostic{}
	if err := json.Unmarshal(r.Data, d); err != nil {
		return nil, fmt.Errorf("journal: decode diagnostic %d: %w", r.Seq, err)
	}
	return d, nil
}

// Options configures a Writer.
type Options struct {
	// Dir holds the journal file. Created if missing.
	Dir string

	// SyncMode is "immediate", "batch" or "none". Default "batch".
	SyncMode string

	// BatchSyncInterval applies to "batch" mode. Default 100ms.
	BatchSyncInterval time.Duration
}

// DefaultOptions returns the default journal settings.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:               dir,
		SyncMode:          "batch",
		BatchSyncInterval: 100 * time.Millisecond,
	}
}

// WriterStats is a snapshot of journal counters.
type WriterStats struct {
	Records     int64 `json:"records"`
	Changes     int64 `json:"changes"`
	Diagnostics int64 `json:"diagnostics"`
}

// Writer appends records to the journal file. Thread-safe.
type Writer struct {
	mu     sync.Mutex
	opts   Options
	file   *os.File
	buf    *bufio.Writer
	seq    uint64
	closed bool

	// lastChangeSeq is the change-log sequence of the last intact change
	// record found on open, 0 for a fresh journal. The record sequence
	// (seq) counts every journal line; change entries carry their own
	// sequence assigned by the clustering core.
	lastChangeSeq uint64

	changes     int64
	diagnostics int64

	stopSync chan struct{}
	syncDone chan struct{}
}

// FileName is the journal file inside the journal directory.
const FileName = "changelog.jsonl"

// NewWriter opens (or creates) the journal in opts.Dir and appends after
// any existing records, resuming the sequence from the last intact one.
func NewWriter(opts Options) (*Writer, error) {
	if opts.SyncMode == "" {
		opts.SyncMode = "batch"
	}
	if opts.BatchSyncInterval <= 0 {
		opts.BatchSyncInterval = 100 * time.Millisecond
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	path := filepath.Join(opts.Dir, FileName)

	// Resume the sequences from what is already on disk.
	var lastSeq, lastChange uint64
	if existing, err := ReadFile(path); err == nil && len(existing) > 0 {
		lastSeq = existing[len(existing)-1].Seq
		for i := len(existing) - 1; i >= 0; i-- {
			if existing[i].Kind != KindChange {
				continue
			}
			if entry, err := existing[i].Change(); err == nil {
				lastChange = entry.Seq
			}
			break
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	w := &Writer{
		opts:          opts,
		file:          file,
		buf:           bufio.NewWriter(file),
		seq:           lastSeq,
		lastChangeSeq: lastChange,
	}

	if opts.SyncMode == "batch" {
		w.stopSync = make(chan struct{})
		w.syncDone = make(chan struct{})
		go w.syncLoop()
	}
	return w, nil
}

// AppendChange journals a change-log entry. Returns only after the record
// is written (and synced, in immediate mode), so it is safe to use as the
// clustering core's commit hook.
func (w *Writer) AppendChange(entry cluster.ChangeLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal: encode change: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.appendLocked(KindChange, data); err != nil {
		return err
	}
	w.changes++
	return nil
}

// AppendDiagnostic journals a skipped-transaction diagnostic.
func (w *Writer) AppendDiagnostic(d Diagnostic) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("journal: encode diagnostic: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.appendLocked(KindDiagnostic, data); err != nil {
		return err
	}
	w.diagnostics++
	return nil
}

func (w *Writer) appendLocked(kind string, data []byte) error {
	if w.closed {
		return ErrClosed
	}
	w.seq++
	rec := Record{
		Seq:       w.seq,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Checksum:  crc32.ChecksumIEEE(data),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		w.seq--
		return fmt.Errorf("journal: encode record: %w", err)
	}
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	if w.opts.SyncMode == "immediate" {
		if err := w.buf.Flush(); err != nil {
			return fmt.Errorf("journal: flush: %w", err)
		}
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

// LastChangeSeq returns the change-log sequence of the last intact
// change record present when the journal was opened, 0 for a fresh
// journal. A resuming clustering core must continue numbering after it,
// or replay consumers will dedup the new entries away.
func (w *Writer) LastChangeSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastChangeSeq
}

// Flush forces buffered records to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	return w.file.Sync()
}

// Stats returns a snapshot of journal counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Records:     int64(w.seq),
		Changes:     w.changes,
		Diagnostics: w.diagnostics,
	}
}

// Close flushes and closes the journal.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.stopSync != nil {
		close(w.stopSync)
		<-w.syncDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("journal: close flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("journal: close sync: %w", err)
	}
	return w.file.Close()
}

// syncLoop flushes on the batch interval until Close.
func (w *Writer) syncLoop() {
	defer close(w.syncDone)
	ticker := time.NewTicker(w.opts.BatchSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				if err := w.buf.Flush(); err == nil {
					_ = w.file.Sync()
				}
			}
			w.mu.Unlock()
		case <-w.stopSync:
			return
		}
	}
}

// ReadFile reads every intact record from a journal file. A corrupted or
// truncated final record is dropped silently (torn write on crash);
// corruption before the end returns ErrCorrupted with the records read so
// far.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open for read: %w", err)
	}
	defer f.Close()
	return ReadAll(f)
}

// ReadAll decodes records from a journal stream with the same corruption
// tolerance as ReadFile.
func ReadAll(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []Record
	var pendingErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			// A bad record followed by more data is real corruption, not
			// a torn tail.
			return records, pendingErr
		}
		rec := Record{}
		if err := json.Unmarshal(line, &rec); err != nil {
			pendingErr = fmt.Errorf("%w: %v", ErrCorrupted, err)
			continue
		}
		if crc32.ChecksumIEEE(rec.Data) != rec.Checksum {
			pendingErr = fmt.Errorf("%w: checksum mismatch at seq %d", ErrCorrupted, rec.Seq)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("journal: read: %w", err)
	}
	return records, nil
}
