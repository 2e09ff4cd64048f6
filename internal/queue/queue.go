// Package queue implements the per-match command queue (spec §4.2): an
// ordered buffer of pending operations, each tagged with the tick it should
// execute at.
//
// Overflow policy: enqueue onto a tick that already holds the per-tick
// maximum is rejected with ResourceExhausted. Buffering overflow into the
// next tick was considered and rejected — deferred commands would execute at
// a tick the caller never named, which breaks the determinism contract in
// spec §5 (the same command sequence must produce the same state at every
// tick). The policy is uniform across every match in a container because the
// limit comes from container configuration.
package queue

import (
	"sort"
	"sync"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
)

// Command is one pending operation. Seq is assigned at enqueue time and
// preserves insertion order among commands targeting the same tick.
type Command struct {
	Seq        uint64
	TargetTick uint64
	Name       string
	Payload    map[string]any
	Player     ids.PlayerId // originating player, if any (used for ownership checks)
}

// Queue is a per-match ordered buffer of pending commands.
type Queue struct {
	mu sync.Mutex

	matchID ids.MatchId
	limit   int // max commands buffered per target tick
	nextSeq uint64

	// byTick holds pending commands grouped by target tick. Within a tick,
	// slices are append-ordered so Seq order and slice order agree.
	byTick map[uint64][]Command
}

// DefaultPerTickLimit bounds the commands buffered for a single target tick
// when no explicit limit is configured (spec §4.2: "on the order of 10⁴").
const DefaultPerTickLimit = 10000

// New creates an empty queue for matchID. limit <= 0 selects
// DefaultPerTickLimit.
func New(matchID ids.MatchId, limit int) *Queue {
	if limit <= 0 {
		limit = DefaultPerTickLimit
	}
	return &Queue{
		matchID: matchID,
		limit:   limit,
		byTick:  make(map[uint64][]Command),
	}
}

// Enqueue appends a command for targetTick. currentTick is the match's tick
// counter at admission time; commands aimed at the past are rejected.
func (q *Queue) Enqueue(name string, payload map[string]any, player ids.PlayerId, targetTick, currentTick uint64) error {
	if targetTick < currentTick {
		return apierr.InvalidState("target tick is in the past")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.byTick[targetTick]) >= q.limit {
		return apierr.ResourceExhausted("command queue full for tick")
	}

	q.nextSeq++
	q.byTick[targetTick] = append(q.byTick[targetTick], Command{
		Seq:        q.nextSeq,
		TargetTick: targetTick,
		Name:       name,
		Payload:    payload,
		Player:     player,
	})
	return nil
}

// Drain atomically removes and returns every command with TargetTick <= tick,
// in insertion order (Seq ascending). Drain itself applies no cap: each
// target tick holds at most the per-tick limit, so a drain that covers
// several ticks' backlog (a match resumed from Paused drains everything
// queued while frozen) can return up to the limit once per covered tick.
func (q *Queue) Drain(tick uint64) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Command
	for t, cmds := range q.byTick {
		if t <= tick {
			out = append(out, cmds...)
			delete(q.byTick, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Pending returns the number of commands currently buffered across all ticks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, cmds := range q.byTick {
		n += len(cmds)
	}
	return n
}
