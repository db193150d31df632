// Package chain defines the read-only transaction model consumed by the
// clustering engine.
//
// The engine does not fetch or validate chain data. Upstream collaborators
// (node clients, script parsers) produce Transaction values; this package
// only gives them a canonical in-memory shape plus a JSONL codec for batch
// files.
//
// Addresses are opaque: a chain tag plus the address string as parsed
// upstream. The engine never interprets address encodings beyond the
// format-prefix matching done by the change heuristic.
package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Common errors
var (
	ErrEmptyAddress = errors.New("chain: empty address")
	ErrEmptyTxID    = errors.New("chain: empty transaction id")
)

// Address is an opaque chain-qualified address identifier.
//
// Format: "chain:address", e.g. "btc:bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh".
// Addresses are immutable and never deleted once seen.
type Address string

// NewAddress builds an Address from a chain tag and an address string.
func NewAddress(chainTag, addr string) Address {
	return Address(chainTag + ":" + addr)
}

// Chain returns the chain tag portion, or "" if the address is untagged.
func (a Address) Chain() string {
	if i := strings.IndexByte(string(a), ':'); i >= 0 {
		return string(a)[:i]
	}
	return ""
}

// Bare returns the address string without the chain tag.
func (a Address) Bare() string {
	if i := strings.IndexByte(string(a), ':'); i >= 0 {
		return string(a)[i+1:]
	}
	return string(a)
}

// FormatPrefix returns a short prefix used for address-format comparison
// (e.g. "bc1q" vs "1" vs "3" on Bitcoin). Used by the change heuristic to
// check whether an output looks like it came from the same wallet software
// as the inputs.
func (a Address) FormatPrefix() string {
	bare := a.Bare()
	if bare == "" {
		return ""
	}
	// Bech32 is hrp + "1" + data, so the separator never sits at the
	// front and the hrp is lowercase letters ("bc1q", "tb1q", "bcrt1p").
	// Legacy formats are distinguished by their first character.
	if i := strings.IndexByte(bare, '1'); i >= 1 && i+1 < len(bare) && isLowerAlpha(bare[:i]) {
		return bare[:i+2]
	}
	return bare[:1]
}

func isLowerAlpha(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}
	return true
}

// Valid reports whether the address is non-empty.
func (a Address) Valid() bool {
	return a.Bare() != ""
}

// TxID identifies a transaction on its source chain.
type TxID string

// EntityID is a stable surrogate identifier for an entity. It is derived
// from the entity's founding address so that the id survives merges: the
// surviving root keeps its id, and external stores never see an id change
// for an address that stays in the same cluster root.
type EntityID string

// EntityIDFor derives the surrogate entity id for a founding address.
//
// Uses BLAKE2b-256 over the full chain-qualified address, truncated to
// 128 bits. Hex encoded, 32 characters, collision-safe at any realistic
// address population.
func EntityIDFor(addr Address) EntityID {
	sum := blake2b.Sum256([]byte(addr))
	return EntityID(hex.EncodeToString(sum[:16]))
}

// TxInput is one spent output reference inside a transaction.
type TxInput struct {
	Address Address `json:"address"`
	Value   int64   `json:"value"` // Smallest chain unit (satoshi, wei, ...)
}

// TxOutput is one created output inside a transaction.
type TxOutput struct {
	Address Address `json:"address"`
	Value   int64   `json:"value"`
}

// Transaction is the parsed, read-only transaction fed to the heuristic
// evaluators. Produced by the parsing collaborator; the engine never
// mutates one.
type Transaction struct {
	ID        TxID       `json:"id"`
	Inputs    []TxInput  `json:"inputs"`
	Outputs   []TxOutput `json:"outputs"`
	Height    int64      `json:"height"`
	Timestamp time.Time  `json:"timestamp"`

	// CoinJoin marks a known multi-party transaction. Set by the upstream
	// parser (structural CoinJoin detection) or by an analyst annotation.
	// Evaluators that assume single ownership of inputs must skip these.
	CoinJoin bool `json:"coinjoin,omitempty"`
}

// Validate checks the minimal invariants the engine relies on. A
// transaction failing validation yields no evidence; it is reported as a
// skipped-transaction diagnostic, never an error that stops a batch.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("chain: nil transaction")
	}
	if t.ID == "" {
		return ErrEmptyTxID
	}
	for i, in := range t.Inputs {
		if !in.Address.Valid() {
			return fmt.Errorf("chain: tx %s input %d: %w", t.ID, i, ErrEmptyAddress)
		}
	}
	for i, out := range t.Outputs {
		if !out.Address.Valid() {
			return fmt.Errorf("chain: tx %s output %d: %w", t.ID, i, ErrEmptyAddress)
		}
	}
	return nil
}

// InputAddresses returns the distinct input addresses in first-seen order.
func (t *Transaction) InputAddresses() []Address {
	return t.AppendInputAddresses(make([]Address, 0, len(t.Inputs)))
}

// AppendInputAddresses appends the distinct input addresses to dst in
// first-seen order. Lets hot paths reuse a pooled slice.
func (t *Transaction) AppendInputAddresses(dst []Address) []Address {
	seen := make(map[Address]struct{}, len(t.Inputs))
	for _, in := range t.Inputs {
		if _, ok := seen[in.Address]; ok {
			continue
		}
		seen[in.Address] = struct{}{}
		dst = append(dst, in.Address)
	}
	return dst
}

// TotalInput returns the summed input value.
func (t *Transaction) TotalInput() int64 {
	var sum int64
	for _, in := range t.Inputs {
		sum += in.Value
	}
	return sum
}

// TotalOutput returns the summed output value.
func (t *Transaction) TotalOutput() int64 {
	var sum int64
	for _, out := range t.Outputs {
		sum += out.Value
	}
	return sum
}

// Fee returns input minus output value, or 0 when inputs are unknown.
func (t *Transaction) Fee() int64 {
	if len(t.Inputs) == 0 {
		return 0
	}
	fee := t.TotalInput() - t.TotalOutput()
	if fee < 0 {
		return 0
	}
	return fee
}
