package chain

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// ReadBatch decodes a JSONL stream of transactions, one object per line.
// Blank lines are skipped. A malformed line is returned as an error with
// its line number; callers decide whether to abort or resume.
func ReadBatch(r io.Reader) ([]*Transaction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var txs []*Transaction
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		tx := &Transaction{}
		if err := json.Unmarshal(raw, tx); err != nil {
			return txs, fmt.Errorf("chain: line %d: %w", line, err)
		}
		txs = append(txs, tx)
	}
	if err := scanner.Err(); err != nil {
		return txs, fmt.Errorf("chain: read batch: %w", err)
	}
	return txs, nil
}

// WriteBatch encodes transactions as JSONL.
func WriteBatch(w io.Writer, txs []*Transaction) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, tx := range txs {
		if err := enc.Encode(tx); err != nil {
			return fmt.Errorf("chain: write batch: %w", err)
		}
	}
	return bw.Flush()
}
