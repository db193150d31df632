// Package pool provides object pooling for the evaluation fan-out.
//
// Heuristic evaluation allocates an evidence slice and an input-address
// slice per transaction; at billions of transactions that is pure GC
// pressure. Pooling reuses the slices across transactions within a
// worker.
//
// Usage:
//
//	items := pool.GetItemSlice()
//	defer pool.PutItemSlice(items)
//	items = registry.AppendAll(items, tx)
package pool

import (
	"sync"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/evidence"
)

// Config configures pooling behavior.
type Config struct {
	// Enabled controls whether pooling is active.
	Enabled bool

	// MaxCap limits the capacity of slices kept in the pool.
	MaxCap int
}

var globalConfig = Config{
	Enabled: true,
	MaxCap:  4096,
}

// Configure sets global pool configuration. Call early during
// initialization.
func Configure(config Config) {
	globalConfig = config
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// keep reports whether a slice of the given capacity may re-enter the
// pool. Oversized slices are dropped to bound held memory.
func keep(c int) bool {
	return c <= globalConfig.MaxCap
}

var itemSlicePool = sync.Pool{
	New: func() any {
		return make([]evidence.Item, 0, 64)
	},
}

// GetItemSlice returns an evidence slice from the pool, length 0.
func GetItemSlice() []evidence.Item {
	if !globalConfig.Enabled {
		return make([]evidence.Item, 0, 64)
	}
	return itemSlicePool.Get().([]evidence.Item)[:0]
}

// PutItemSlice returns an evidence slice to the pool.
func PutItemSlice(items []evidence.Item) {
	if !globalConfig.Enabled || !keep(cap(items)) {
		return
	}
	itemSlicePool.Put(items[:0])
}

var addrSlicePool = sync.Pool{
	New: func() any {
		return make([]chain.Address, 0, 32)
	},
}

// GetAddrSlice returns an address slice from the pool, length 0.
func GetAddrSlice() []chain.Address {
	if !globalConfig.Enabled {
		return make([]chain.Address, 0, 32)
	}
	return addrSlicePool.Get().([]chain.Address)[:0]
}

// PutAddrSlice returns an address slice to the pool.
func PutAddrSlice(s []chain.Address) {
	if !globalConfig.Enabled || !keep(cap(s)) {
		return
	}
	addrSlicePool.Put(s[:0])
}
