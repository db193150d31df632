package heuristics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
)

func inputs(addrs ...chain.Address) []chain.TxInput {
	ins := make([]chain.TxInput, len(addrs))
	for i, a := range addrs {
		ins[i] = chain.TxInput{Address: a, Value: 10000}
	}
	return ins
}

func TestCIOHPairwise(t *testing.T) {
	h := NewCIOH(0)
	tx := &chain.Transaction{
		ID:        "tx1",
		Inputs:    inputs("btc:1A", "btc:1B", "btc:1C"),
		Timestamp: time.Now(),
	}

	items := h.Evaluate(tx)
	require.Len(t, items, 3, "3 inputs yield C(3,2) pairs")
	for _, it := range items {
		assert.Equal(t, evidence.CIOH, it.Heuristic)
		assert.Equal(t, DefaultCIOHWeight, it.Weight)
		assert.Equal(t, chain.TxID("tx1"), it.SourceTx)
	}
}

func TestCIOHSkipsCoinJoin(t *testing.T) {
	h := NewCIOH(0)
	tx := &chain.Transaction{
		ID:       "cj1",
		Inputs:   inputs("btc:1A", "btc:1B", "btc:1C", "btc:1D", "btc:1E"),
		CoinJoin: true,
	}

	assert.Empty(t, h.Evaluate(tx), "a flagged multi-party tx must yield zero evidence")

	// The exclusion is a toggle, not a hardcode.
	h.SkipCoinJoin = false
	assert.Len(t, h.Evaluate(tx), 10)
}

func TestCIOHDegenerate(t *testing.T) {
	h := NewCIOH(0)

	assert.Nil(t, h.Evaluate(nil))
	assert.Nil(t, h.Evaluate(&chain.Transaction{ID: "tx1", Inputs: inputs("btc:1A")}), "single input links nothing")
	assert.Nil(t, h.Evaluate(&chain.Transaction{Inputs: inputs("btc:1A", "btc:1B")}), "invalid tx yields nothing")

	// Two UTXOs from the same address are one owner, not a pair.
	same := &chain.Transaction{ID: "tx2", Inputs: inputs("btc:1A", "btc:1A")}
	assert.Nil(t, h.Evaluate(same))
}

func TestCIOHCustomWeight(t *testing.T) {
	h := NewCIOH(0.85)
	tx := &chain.Transaction{ID: "tx1", Inputs: inputs("btc:1A", "btc:1B")}
	items := h.Evaluate(tx)
	require.Len(t, items, 1)
	assert.Equal(t, 0.85, items[0].Weight)
}

// seenSet is a fixed freshness oracle for change tests.
func seenSet(addrs ...chain.Address) func(chain.Address) bool {
	set := make(map[chain.Address]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return func(a chain.Address) bool {
		_, ok := set[a]
		return ok
	}
}

func TestChangeDetectsFreshFormatMatch(t *testing.T) {
	// Inputs are bech32; the fresh bech32 output is the change, the
	// previously seen legacy output is the payee.
	h := NewChangeAddress(0, seenSet("btc:1Payee"))
	tx := &chain.Transaction{
		ID:     "tx1",
		Inputs: []chain.TxInput{{Address: "btc:bc1qinput", Value: 100000}},
		Outputs: []chain.TxOutput{
			{Address: "btc:1Payee", Value: 60000},
			{Address: "btc:bc1qchange", Value: 39000},
		},
	}

	items := h.Evaluate(tx)
	require.Len(t, items, 1)
	it := items[0]
	assert.Equal(t, evidence.ChangeAddr, it.Heuristic)
	assert.Equal(t, DefaultChangeWeight, it.Weight)
	pair := it.Pair()
	assert.ElementsMatch(t,
		[]chain.Address{"btc:bc1qinput", "btc:bc1qchange"},
		[]chain.Address{pair.A, pair.B})
}

func TestChangeDetectsLegacyFormatMatch(t *testing.T) {
	// A legacy-only wallet: spender and change are both P2PKH, the payee
	// is bech32 and already known. The base58 bodies share no common
	// characters past the version byte, which must not break the match.
	h := NewChangeAddress(0, seenSet("btc:bc1qpayee"))
	tx := &chain.Transaction{
		ID:     "tx1",
		Inputs: []chain.TxInput{{Address: "btc:1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", Value: 100000}},
		Outputs: []chain.TxOutput{
			{Address: "btc:bc1qpayee", Value: 60000},
			{Address: "btc:1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", Value: 39000},
		},
	}

	items := h.Evaluate(tx)
	require.Len(t, items, 1)
	pair := items[0].Pair()
	assert.ElementsMatch(t,
		[]chain.Address{"btc:1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", "btc:1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"},
		[]chain.Address{pair.A, pair.B})
}

func TestChangeDetectsRoundNumberSignal(t *testing.T) {
	// Format prefixes differ, but the payee amount is round and the
	// candidate is the residue.
	h := NewChangeAddress(0, seenSet("btc:1Payee"))
	tx := &chain.Transaction{
		ID:     "tx1",
		Inputs: []chain.TxInput{{Address: "btc:bc1qinput", Value: 100000}},
		Outputs: []chain.TxOutput{
			{Address: "btc:1Payee", Value: 60000},
			{Address: "btc:3Change", Value: 39123},
		},
	}

	items := h.Evaluate(tx)
	require.Len(t, items, 1)
}

func TestChangeRejectsAmbiguousFreshness(t *testing.T) {
	h := NewChangeAddress(0, seenSet())
	tx := &chain.Transaction{
		ID:     "tx1",
		Inputs: []chain.TxInput{{Address: "btc:bc1qinput", Value: 100000}},
		Outputs: []chain.TxOutput{
			{Address: "btc:bc1qone", Value: 60000},
			{Address: "btc:bc1qtwo", Value: 39000},
		},
	}

	assert.Empty(t, h.Evaluate(tx), "two fresh outputs cannot single out a candidate")
}

func TestChangeRejectsNoFingerprint(t *testing.T) {
	// Fresh candidate, but the format differs and the payee amount is
	// not round: no wallet fingerprint, no evidence.
	h := NewChangeAddress(0, seenSet("btc:1Payee"))
	tx := &chain.Transaction{
		ID:     "tx1",
		Inputs: []chain.TxInput{{Address: "btc:bc1qinput", Value: 100000}},
		Outputs: []chain.TxOutput{
			{Address: "btc:1Payee", Value: 61234},
			{Address: "btc:3Change", Value: 38123},
		},
	}

	assert.Empty(t, h.Evaluate(tx))
}

func TestChangeIgnoresSelfPayments(t *testing.T) {
	// One output pays straight back to an input address; only two real
	// external outputs remain and the fresh one qualifies.
	h := NewChangeAddress(0, seenSet("btc:1Payee"))
	tx := &chain.Transaction{
		ID:     "tx1",
		Inputs: []chain.TxInput{{Address: "btc:bc1qinput", Value: 100000}},
		Outputs: []chain.TxOutput{
			{Address: "btc:bc1qinput", Value: 10000}, // self
			{Address: "btc:1Payee", Value: 50000},
			{Address: "btc:bc1qchange", Value: 39000},
		},
	}

	items := h.Evaluate(tx)
	require.Len(t, items, 1)
}

func TestChangeSkipsCoinJoin(t *testing.T) {
	h := NewChangeAddress(0, seenSet("btc:1Payee"))
	tx := &chain.Transaction{
		ID:     "cj1",
		Inputs: []chain.TxInput{{Address: "btc:bc1qinput", Value: 100000}},
		Outputs: []chain.TxOutput{
			{Address: "btc:1Payee", Value: 60000},
			{Address: "btc:bc1qchange", Value: 39000},
		},
		CoinJoin: true,
	}
	assert.Empty(t, h.Evaluate(tx))
}

func TestChangeWithoutOracle(t *testing.T) {
	h := NewChangeAddress(0, nil)

	// Round payment, non-round residue, matching format: qualifies.
	tx := &chain.Transaction{
		ID:     "tx1",
		Inputs: []chain.TxInput{{Address: "btc:bc1qinput", Value: 100000}},
		Outputs: []chain.TxOutput{
			{Address: "btc:bc1qpayee", Value: 60000},
			{Address: "btc:bc1qchange", Value: 39123},
		},
	}
	assert.Len(t, h.Evaluate(tx), 1)

	// Both round: ambiguous, nothing emitted.
	tx.Outputs[1].Value = 30000
	assert.Empty(t, h.Evaluate(tx))
}

func TestChangeLinksEveryInput(t *testing.T) {
	h := NewChangeAddress(0, seenSet("btc:1Payee"))
	tx := &chain.Transaction{
		ID: "tx1",
		Inputs: []chain.TxInput{
			{Address: "btc:bc1qin1", Value: 50000},
			{Address: "btc:bc1qin2", Value: 50000},
		},
		Outputs: []chain.TxOutput{
			{Address: "btc:1Payee", Value: 60000},
			{Address: "btc:bc1qchange", Value: 39000},
		},
	}

	items := h.Evaluate(tx)
	assert.Len(t, items, 2, "the change links to each input address")
}

func TestBehavioralRoundFee(t *testing.T) {
	h := NewBehavioral(0)
	tx := &chain.Transaction{
		ID: "tx1",
		Inputs: []chain.TxInput{
			{Address: "btc:1A", Value: 60000},
			{Address: "btc:1B", Value: 42000},
		},
		Outputs: []chain.TxOutput{{Address: "btc:1C", Value: 100000}}, // fee 2000
	}

	items := h.Evaluate(tx)
	require.Len(t, items, 1)
	assert.Equal(t, evidence.Behavioral, items[0].Heuristic)
	assert.Equal(t, DefaultBehavioralWeight, items[0].Weight)
}

func TestBehavioralUniformInputs(t *testing.T) {
	h := NewBehavioral(0)
	tx := &chain.Transaction{
		ID: "sweep",
		Inputs: []chain.TxInput{
			{Address: "btc:1A", Value: 25000},
			{Address: "btc:1B", Value: 25000},
			{Address: "btc:1C", Value: 25000},
		},
		Outputs: []chain.TxOutput{{Address: "btc:1D", Value: 74500}},
	}
	assert.Len(t, h.Evaluate(tx), 3)
}

func TestBehavioralNoFingerprint(t *testing.T) {
	h := NewBehavioral(0)
	tx := &chain.Transaction{
		ID: "tx1",
		Inputs: []chain.TxInput{
			{Address: "btc:1A", Value: 61234},
			{Address: "btc:1B", Value: 40123},
		},
		Outputs: []chain.TxOutput{{Address: "btc:1C", Value: 100456}}, // fee 901
	}
	assert.Empty(t, h.Evaluate(tx))
}

func TestBehavioralSkipsCoinJoin(t *testing.T) {
	h := NewBehavioral(0)
	tx := &chain.Transaction{
		ID: "cj1",
		Inputs: []chain.TxInput{
			{Address: "btc:1A", Value: 25000},
			{Address: "btc:1B", Value: 25000},
		},
		Outputs:  []chain.TxOutput{{Address: "btc:1C", Value: 49000}},
		CoinJoin: true,
	}
	assert.Empty(t, h.Evaluate(tx))
}

func TestRegistryOrderAndConcat(t *testing.T) {
	reg := NewRegistry(NewCIOH(0), NewChangeAddress(0, seenSet("btc:1Payee")))
	reg.Register(NewBehavioral(0))
	require.Len(t, reg.Evaluators(), 3)

	tx := &chain.Transaction{
		ID: "tx1",
		Inputs: []chain.TxInput{
			{Address: "btc:bc1qin1", Value: 50000},
			{Address: "btc:bc1qin2", Value: 50000},
		},
		Outputs: []chain.TxOutput{
			{Address: "btc:1Payee", Value: 60000},
			{Address: "btc:bc1qchange", Value: 38000},
		},
	}

	items := reg.EvaluateAll(tx)
	// CIOH: 1 pair. Change: 2 links. Behavioral: uniform inputs, 1 pair.
	require.Len(t, items, 4)
	assert.Equal(t, evidence.CIOH, items[0].Heuristic)
	assert.Equal(t, evidence.Behavioral, items[3].Heuristic, "supplementary evidence lands last")
}

func TestRegistryAppendAll(t *testing.T) {
	reg := NewRegistry(NewCIOH(0))
	tx := &chain.Transaction{ID: "tx1", Inputs: inputs("btc:1A", "btc:1B")}

	scratch := make([]evidence.Item, 0, 8)
	for i := 0; i < 3; i++ {
		scratch = reg.AppendAll(scratch[:0], tx)
		require.Len(t, scratch, 1, fmt.Sprintf("iteration %d", i))
	}
	assert.Nil(t, reg.AppendAll(nil, nil))
}
