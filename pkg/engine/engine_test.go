package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/cluster"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/config"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/journal"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.JournalDir = t.TempDir()
	cfg.JournalSync = "immediate"
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func spendTx(id chain.TxID, addrs ...chain.Address) *chain.Transaction {
	ins := make([]chain.TxInput, len(addrs))
	for i, a := range addrs {
		ins[i] = chain.TxInput{Address: a, Value: 10000}
	}
	return &chain.Transaction{
		ID:        id,
		Inputs:    ins,
		Outputs:   []chain.TxOutput{{Address: "btc:1Out", Value: int64(len(addrs))*10000 - 500}},
		Timestamp: time.Now().UTC(),
	}
}

func TestIngestMergesAndJournals(t *testing.T) {
	cfg := testConfig(t)
	eng := newEngine(t, cfg)

	res, err := eng.Ingest(context.Background(), []*chain.Transaction{
		spendTx("tx1", "btc:1A", "btc:1B"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)

	idA, err := eng.Find("btc:1A")
	require.NoError(t, err)
	idB, err := eng.Find("btc:1B")
	require.NoError(t, err)
	assert.Equal(t, idA, idB)

	members, err := eng.Members(idA)
	require.NoError(t, err)
	assert.ElementsMatch(t, []chain.Address{"btc:1A", "btc:1B"}, members)

	conf, err := eng.Confidence("btc:1A")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, conf, 1e-9)

	assert.Len(t, eng.Evidence("btc:1A", "btc:1B"), 1)

	records, err := journal.ReadFile(filepath.Join(cfg.JournalDir, journal.FileName))
	require.NoError(t, err)
	require.Len(t, records, 1)
	entry, err := records[0].Change()
	require.NoError(t, err)
	assert.Equal(t, cluster.OpMerge, entry.Operation)
}

func TestUndoThroughFacade(t *testing.T) {
	eng := newEngine(t, testConfig(t))

	res, err := eng.Ingest(context.Background(), []*chain.Transaction{
		spendTx("tx1", "btc:1A", "btc:1B"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)

	entry, err := eng.Undo(1)
	require.NoError(t, err)
	assert.Equal(t, cluster.OpUndoMerge, entry.Operation)

	idA, err := eng.Find("btc:1A")
	require.NoError(t, err)
	idB, err := eng.Find("btc:1B")
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestChangeHeuristicUsesPriorBatches(t *testing.T) {
	eng := newEngine(t, testConfig(t))

	// Batch 1 establishes the payee address on-chain.
	_, err := eng.Ingest(context.Background(), []*chain.Transaction{
		{
			ID:        "fund",
			Inputs:    []chain.TxInput{{Address: "btc:bc1qfunder", Value: 200000}},
			Outputs:   []chain.TxOutput{{Address: "btc:1Payee", Value: 100000}, {Address: "btc:bc1qrest", Value: 99000}},
			Timestamp: time.Now().UTC(),
		},
	})
	require.NoError(t, err)

	// Batch 2 spends to the known payee plus one fresh same-format
	// output: the change heuristic links the fresh output to the input.
	res, err := eng.Ingest(context.Background(), []*chain.Transaction{
		{
			ID:        "spend",
			Inputs:    []chain.TxInput{{Address: "btc:bc1qspender", Value: 100000}},
			Outputs:   []chain.TxOutput{{Address: "btc:1Payee", Value: 60000}, {Address: "btc:bc1qchange", Value: 39000}},
			Timestamp: time.Now().UTC(),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evidence)

	items := eng.Evidence("btc:bc1qspender", "btc:bc1qchange")
	require.Len(t, items, 1)
	assert.Equal(t, evidence.ChangeAddr, items[0].Heuristic)
}

func TestCoinJoinYieldsNothing(t *testing.T) {
	eng := newEngine(t, testConfig(t))

	cj := spendTx("cj1", "btc:1A", "btc:1B", "btc:1C", "btc:1D", "btc:1E")
	cj.CoinJoin = true

	res, err := eng.Ingest(context.Background(), []*chain.Transaction{cj})
	require.NoError(t, err)
	assert.Zero(t, res.Evidence)
	assert.Zero(t, res.Accepted)
}

func TestSubmitEvidenceThroughFacade(t *testing.T) {
	eng := newEngine(t, testConfig(t))

	it, err := evidence.NewItem("btc:1A", "btc:1B", evidence.MLScore, 0.93, "model-7:batch-1", time.Now())
	require.NoError(t, err)

	res, err := eng.SubmitEvidence(context.Background(), []evidence.Item{it})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
}

func TestMirrorFollowsChangeLog(t *testing.T) {
	eng := newEngine(t, testConfig(t))

	mirror := storage.NewMemoryEngine()
	detach := eng.AttachMirror(mirror)
	defer func() { require.NoError(t, detach()) }()

	_, err := eng.Ingest(context.Background(), []*chain.Transaction{
		spendTx("tx1", "btc:1A", "btc:1B"),
	})
	require.NoError(t, err)

	idA, err := eng.Find("btc:1A")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		id, err := mirror.EntityOf("btc:1B")
		return err == nil && id == idA
	}, time.Second, 5*time.Millisecond, "mirror should converge on the change log")

	rec, err := mirror.Entity(idA)
	require.NoError(t, err)
	assert.ElementsMatch(t, []chain.Address{"btc:1A", "btc:1B"}, rec.Members)
}

// brokenMirror fails every apply, standing in for a full disk.
type brokenMirror struct {
	*storage.MemoryEngine
}

func (m *brokenMirror) ApplyEntry(*cluster.ChangeLogEntry) error {
	return errors.New("disk full")
}

func TestMirrorFailureSurfaced(t *testing.T) {
	eng := newEngine(t, testConfig(t))
	detach := eng.AttachMirror(&brokenMirror{storage.NewMemoryEngine()})

	_, err := eng.Ingest(context.Background(), []*chain.Transaction{
		spendTx("tx1", "btc:1A", "btc:1B"),
	})
	require.NoError(t, err)

	assert.ErrorContains(t, detach(), "disk full")
}

func TestJournalReplayRebuildsMirror(t *testing.T) {
	cfg := testConfig(t)
	eng := newEngine(t, cfg)

	_, err := eng.Ingest(context.Background(), []*chain.Transaction{
		spendTx("tx1", "btc:1A", "btc:1B"),
		spendTx("tx2", "btc:1B", "btc:1C"),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	records, err := journal.ReadFile(filepath.Join(cfg.JournalDir, journal.FileName))
	require.NoError(t, err)

	mirror := storage.NewMemoryEngine()
	applied, err := storage.Replay(records, mirror)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	idA, err := mirror.EntityOf("btc:1A")
	require.NoError(t, err)
	rec, err := mirror.Entity(idA)
	require.NoError(t, err)
	assert.ElementsMatch(t, []chain.Address{"btc:1A", "btc:1B", "btc:1C"}, rec.Members)
}

func TestJournalSeqResumesAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	eng1 := newEngine(t, cfg)
	_, err := eng1.Ingest(context.Background(), []*chain.Transaction{
		spendTx("tx1", "btc:1A", "btc:1B"),
	})
	require.NoError(t, err)
	require.NoError(t, eng1.Close())

	// A second lifetime over the same journal dir must keep numbering
	// after the persisted entries, or replay consumers dedup them away.
	eng2 := newEngine(t, cfg)
	_, err = eng2.Ingest(context.Background(), []*chain.Transaction{
		spendTx("tx2", "btc:1C", "btc:1D"),
	})
	require.NoError(t, err)
	require.NoError(t, eng2.Close())

	records, err := journal.ReadFile(filepath.Join(cfg.JournalDir, journal.FileName))
	require.NoError(t, err)
	require.Len(t, records, 2)
	first, err := records[0].Change()
	require.NoError(t, err)
	second, err := records[1].Change()
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	mirror := storage.NewMemoryEngine()
	applied, err := storage.Replay(records, mirror)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	id, err := mirror.EntityOf("btc:1C")
	require.NoError(t, err, "post-restart merge must be reconstructable")
	rec, err := mirror.Entity(id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []chain.Address{"btc:1C", "btc:1D"}, rec.Members)
}

func TestBehavioralToggle(t *testing.T) {
	cfg := testConfig(t)
	cfg.BehavioralEvaluatorEnabled = true
	eng := newEngine(t, cfg)

	// Uniform input values fire the behavioral fingerprint alongside CIOH.
	res, err := eng.Ingest(context.Background(), []*chain.Transaction{
		spendTx("tx1", "btc:1A", "btc:1B"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evidence, "CIOH pair plus behavioral pair")
}

func TestJournalFreeEngine(t *testing.T) {
	cfg := config.Default()
	cfg.JournalDir = ""
	eng := newEngine(t, cfg)

	res, err := eng.Ingest(context.Background(), []*chain.Transaction{
		spendTx("tx1", "btc:1A", "btc:1B"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Nil(t, eng.Stats().Journal)
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := config.Default()
	cfg.AcceptThreshold = 3
	_, err := New(cfg)
	assert.Error(t, err)
}
