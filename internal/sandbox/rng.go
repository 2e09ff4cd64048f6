package sandbox

import (
	"math/rand/v2"
	"sync"
)

// RNG is the deterministic per-match random source exposed to module code.
// It is seeded once from the match's declared seed and never from the wall
// clock, so two runs with the same seed and command sequence draw identical
// values (spec §5 determinism).
//
// A single RNG is shared by every module instance in a match: draw order is
// fixed because module invocation order within a tick is fixed (dependency
// order), so sharing keeps the stream deterministic while giving each match
// an independent sequence.
type RNG struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewRNG creates a deterministic RNG from a match seed.
func NewRNG(seed uint64) *RNG {
	return &RNG{src: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Uint32 draws the next 32-bit value.
func (r *RNG) Uint32() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Uint32()
}

// Float32 draws the next value in [0, 1).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float32()
}

// Range draws the next value in [min, max). min >= max returns min.
func (r *RNG) Range(min, max float64) float64 {
	if min >= max {
		return min
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return min + r.src.Float64()*(max-min)
}
