// Package history implements the optional per-match snapshot history sink
// (spec §6 persisted state): (match_id, tick) -> WorldSnapshot, bounded by
// a retention window. It is never on the tick path: the engine process
// writes to it on a cron schedule, and nothing in the engine reads it back.
package history

import (
	"sync"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/snapshot"
)

// Sink stores snapshots keyed by (match, tick).
type Sink interface {
	Put(matchID ids.MatchId, tick uint64, snap *snapshot.WorldSnapshot) error
	Get(matchID ids.MatchId, tick uint64) (*snapshot.WorldSnapshot, error)
	Prune(matchID ids.MatchId, keepAfter uint64) error
}

// Memory is the default in-process sink: a per-match ring of the most
// recent snapshots.
type Memory struct {
	mu        sync.Mutex
	retention int
	byMatch   map[ids.MatchId]*ring
}

type ring struct {
	ticks []uint64
	snaps map[uint64]*snapshot.WorldSnapshot
}

// NewMemory creates a memory sink retaining up to retention snapshots per
// match (<= 0 selects 100).
func NewMemory(retention int) *Memory {
	if retention <= 0 {
		retention = 100
	}
	return &Memory{
		retention: retention,
		byMatch:   make(map[ids.MatchId]*ring),
	}
}

// Put stores a snapshot, evicting the oldest when the ring is full.
func (m *Memory) Put(matchID ids.MatchId, tick uint64, snap *snapshot.WorldSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byMatch[matchID]
	if !ok {
		r = &ring{snaps: make(map[uint64]*snapshot.WorldSnapshot)}
		m.byMatch[matchID] = r
	}
	if _, exists := r.snaps[tick]; !exists {
		r.ticks = append(r.ticks, tick)
	}
	r.snaps[tick] = snap
	for len(r.ticks) > m.retention {
		delete(r.snaps, r.ticks[0])
		r.ticks = r.ticks[1:]
	}
	return nil
}

// Get fetches the snapshot stored for (matchID, tick).
func (m *Memory) Get(matchID ids.MatchId, tick uint64) (*snapshot.WorldSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byMatch[matchID]
	if !ok {
		return nil, apierr.NotFound("no history for match " + matchID.String())
	}
	snap, ok := r.snaps[tick]
	if !ok {
		return nil, apierr.NotFound("no snapshot retained at that tick")
	}
	return snap, nil
}

// Prune drops snapshots at or below keepAfter.
func (m *Memory) Prune(matchID ids.MatchId, keepAfter uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byMatch[matchID]
	if !ok {
		return nil
	}
	kept := r.ticks[:0]
	for _, t := range r.ticks {
		if t <= keepAfter {
			delete(r.snaps, t)
		} else {
			kept = append(kept, t)
		}
	}
	r.ticks = kept
	return nil
}
