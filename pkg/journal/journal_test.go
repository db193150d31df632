package journal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/cluster"
)

func testEntry(seq uint64) cluster.ChangeLogEntry {
	return cluster.ChangeLogEntry{
		Seq:                 seq,
		Operation:           cluster.OpMerge,
		EntityBefore:        []chain.EntityID{"aaaa", "bbbb"},
		EntityAfter:         []chain.EntityID{"aaaa"},
		TriggeringEvidence:  "CIOH:tx1:btc:1A|btc:1B",
		ResultingConfidence: 0.95,
		Timestamp:           time.Now().UTC(),
		Roots:               []chain.Address{"btc:1A"},
		Absorbed:            []chain.Address{"btc:1B"},
		Confidences:         []float64{0.95},
	}
}

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)

	require.NoError(t, w.AppendChange(testEntry(1)))
	require.NoError(t, w.AppendDiagnostic(Diagnostic{
		TxID:      "bad-tx",
		Reason:    "chain: empty transaction id",
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, w.Close())

	records, err := ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, uint64(1), records[0].Seq)
	assert.Equal(t, KindChange, records[0].Kind)
	entry, err := records[0].Change()
	require.NoError(t, err)
	assert.Equal(t, cluster.OpMerge, entry.Operation)
	assert.InDelta(t, 0.95, entry.ResultingConfidence, 1e-9)
	assert.Equal(t, []chain.Address{"btc:1B"}, entry.Absorbed)

	assert.Equal(t, KindDiagnostic, records[1].Kind)
	d, err := records[1].Diagnostic()
	require.NoError(t, err)
	assert.Equal(t, chain.TxID("bad-tx"), d.TxID)

	// Decoding with the wrong kind is an error, not a zero value.
	_, err = records[0].Diagnostic()
	assert.Error(t, err)
}

func TestSequenceResumesAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	require.NoError(t, w.AppendChange(testEntry(1)))
	require.NoError(t, w.AppendChange(testEntry(2)))
	require.NoError(t, w.Close())

	w, err = NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	require.NoError(t, w.AppendChange(testEntry(3)))
	require.NoError(t, w.Close())

	records, err := ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
}

func TestLastChangeSeqOnReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	assert.Zero(t, w.LastChangeSeq(), "fresh journal holds no change entries")
	require.NoError(t, w.AppendChange(testEntry(7)))
	require.NoError(t, w.AppendDiagnostic(Diagnostic{TxID: "t", Reason: "r", Timestamp: time.Now()}))
	require.NoError(t, w.Close())

	// The trailing diagnostic must not mask the last change entry.
	w, err = NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), w.LastChangeSeq())
	require.NoError(t, w.Close())
}

func TestTornTailTolerated(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	require.NoError(t, w.AppendChange(testEntry(1)))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"kind":"change","data":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := ReadFile(path)
	require.NoError(t, err, "a torn final record is a crash artifact, not corruption")
	assert.Len(t, records, 1)
}

func TestMidFileCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	require.NoError(t, w.AppendChange(testEntry(1)))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Garbage followed by a valid record is corruption.
	w, err = NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	require.NoError(t, w.AppendChange(testEntry(2)))
	require.NoError(t, w.Close())

	records, err := ReadFile(path)
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.Len(t, records, 1, "records before the corruption are returned")
}

func TestChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	require.NoError(t, w.AppendChange(testEntry(1)))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Change a value inside the payload; the checksum no longer matches.
	tampered := bytes.Replace(data, []byte("0.95"), []byte("0.85"), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))
	// Append a trailing record so the bad one is not a tolerated tail.
	w, err = NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	require.NoError(t, w.AppendChange(testEntry(2)))
	require.NoError(t, w.Close())

	_, err = ReadFile(path)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestBatchSyncMode(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Options{Dir: dir, SyncMode: "batch", BatchSyncInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.AppendChange(testEntry(1)))

	require.Eventually(t, func() bool {
		records, err := ReadFile(filepath.Join(dir, FileName))
		return err == nil && len(records) == 1
	}, time.Second, 5*time.Millisecond, "batch sync should land the record on disk")

	require.NoError(t, w.Close())
}

func TestAppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Options{Dir: dir, SyncMode: "none"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.AppendChange(testEntry(1)), ErrClosed)
	assert.ErrorIs(t, w.Flush(), ErrClosed)
	assert.NoError(t, w.Close(), "double close is a no-op")
}

func TestStatsCounters(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Options{Dir: dir, SyncMode: "immediate"})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendChange(testEntry(1)))
	require.NoError(t, w.AppendChange(testEntry(2)))
	require.NoError(t, w.AppendDiagnostic(Diagnostic{TxID: "t", Reason: "r", Timestamp: time.Now()}))

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Records)
	assert.Equal(t, int64(2), stats.Changes)
	assert.Equal(t, int64(1), stats.Diagnostics)
}
