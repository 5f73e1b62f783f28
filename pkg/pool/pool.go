// Package pool provides scratch-buffer pooling for the clustering hot path.
//
// Every k-means iteration computes an N×K distance tile, a nearest-label
// vector and per-centroid accumulators. With Nredo restarts, Niter passes
// and several granularities per round that is hundreds of large
// allocations; pooling them keeps GC quiet during a round.
//
// Pooled objects:
// - float32 tiles (distance blocks, row norms)
// - float64 accumulators (centroid sums)
// - int label buffers (assignments, counts)
//
// Usage:
//
//	tile := pool.GetFloat32(rows * k)
//	defer pool.PutFloat32(tile)
package pool

import (
	"sync"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the capacity (in elements) of a buffer that is
	// returned to a pool. Larger buffers are dropped for the GC.
	MaxSize int
}

var globalConfig = PoolConfig{
	Enabled: true,
	MaxSize: 1 << 24,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	globalConfig = config
	initPools()
}

func initPools() {
	float32Pool = sync.Pool{}
	float64Pool = sync.Pool{}
	intPool = sync.Pool{}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// =============================================================================
// float32 tiles
// =============================================================================

var float32Pool sync.Pool

// GetFloat32 returns a zeroed slice of length n.
// Call PutFloat32 when done.
func GetFloat32(n int) []float32 {
	if globalConfig.Enabled {
		if p, ok := float32Pool.Get().(*[]float32); ok && cap(*p) >= n {
			buf := (*p)[:n]
			clear(buf)
			return buf
		}
	}
	return make([]float32, n)
}

// PutFloat32 returns a slice to the pool.
func PutFloat32(buf []float32) {
	if !globalConfig.Enabled || buf == nil {
		return
	}
	// Don't pool very large slices (memory leak prevention)
	if cap(buf) > globalConfig.MaxSize {
		return
	}
	buf = buf[:0]
	float32Pool.Put(&buf)
}

// =============================================================================
// float64 accumulators
// =============================================================================

var float64Pool sync.Pool

// GetFloat64 returns a zeroed slice of length n.
func GetFloat64(n int) []float64 {
	if globalConfig.Enabled {
		if p, ok := float64Pool.Get().(*[]float64); ok && cap(*p) >= n {
			buf := (*p)[:n]
			clear(buf)
			return buf
		}
	}
	return make([]float64, n)
}

// PutFloat64 returns a slice to the pool.
func PutFloat64(buf []float64) {
	if !globalConfig.Enabled || buf == nil || cap(buf) > globalConfig.MaxSize {
		return
	}
	buf = buf[:0]
	float64Pool.Put(&buf)
}

// =============================================================================
// int label buffers
// =============================================================================

var intPool sync.Pool

// GetInts returns a zeroed slice of length n.
func GetInts(n int) []int {
	if globalConfig.Enabled {
		if p, ok := intPool.Get().(*[]int); ok && cap(*p) >= n {
			buf := (*p)[:n]
			clear(buf)
			return buf
		}
	}
	return make([]int, n)
}

// PutInts returns a slice to the pool.
func PutInts(buf []int) {
	if !globalConfig.Enabled || buf == nil || cap(buf) > globalConfig.MaxSize {
		return
	}
	buf = buf[:0]
	intPool.Put(&buf)
}
