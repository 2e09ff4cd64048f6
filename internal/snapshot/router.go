package snapshot

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/metrics"
)

// Message is the single frame type the router streams. Exactly one of
// Snapshot, Delta, or Error is set. A Snapshot frame resets the
// subscriber's world; a Delta frame advances it; an Error frame surfaces a
// per-match error event (spec §7: in-tick errors are never silently
// dropped).
type Message struct {
	Type     string         `json:"type"` // "snapshot", "delta", "error"
	Snapshot *WorldSnapshot `json:"snapshot,omitempty"`
	Delta    *WorldDelta    `json:"delta,omitempty"`
	Error    *ErrorEvent    `json:"error,omitempty"`
}

// ErrorEvent is one per-match error surfaced on the stream.
type ErrorEvent struct {
	MatchID ids.MatchId  `json:"match_id"`
	Tick    uint64       `json:"tick"`
	Module  ids.ModuleId `json:"module,omitempty"`
	Kind    apierr.Kind  `json:"kind"`
	Message string       `json:"message"`
}

// Source is the read-only view of a match the router pulls from. The router
// holds sources weakly: Unregister severs the reference and the router
// never extends a match's lifetime.
type Source interface {
	CurrentTick() uint64
	FullSnapshot() *WorldSnapshot
	DeltaSince(fromTick uint64) (*WorldDelta, bool)
}

// Subscriber is one consumer of a match's stream. Receive frames from C;
// the router closes C when the subscriber is dropped.
type Subscriber struct {
	ID ids.SubscriberId
	C  <-chan Message

	matchID ids.MatchId
	filter  *PlayerFilter
	cursor  uint64
	primed  bool // full snapshot delivered at least once

	ch        chan Message
	coalesced *WorldDelta // pending merged delta while the channel is full
	dropped   bool
}

// SubscriberOption configures a subscription.
type SubscriberOption func(*Subscriber)

// WithPlayerFilter restricts the subscriber's view to one player's entities.
func WithPlayerFilter(f PlayerFilter) SubscriberOption {
	return func(s *Subscriber) { s.filter = &f }
}

// WithCursor resumes from a previous connection's last delivered tick. If
// the cursor has fallen out of the retention window the router resets the
// subscriber with a fresh full snapshot instead of deltas.
func WithCursor(tick uint64) SubscriberOption {
	return func(s *Subscriber) {
		s.cursor = tick
		s.primed = true
	}
}

// WithBufferSize overrides the outbound channel depth.
func WithBufferSize(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.ch = make(chan Message, n)
		}
	}
}

const defaultSubscriberBuffer = 32

// Router fans out per-tick snapshots, deltas, and error events to
// subscribers (spec §4.6). It runs off the tick path: matches publish a
// (match, tick) pair and the router pulls what each subscriber needs.
type Router struct {
	mu sync.Mutex

	log      *logrus.Entry
	rec      *metrics.Recorder
	sources  map[ids.MatchId]Source
	subs     map[ids.MatchId]map[ids.SubscriberId]*Subscriber
}

// NewRouter creates an empty router.
func NewRouter(log *logrus.Entry, rec *metrics.Recorder) *Router {
	return &Router{
		log:     log,
		rec:     rec,
		sources: make(map[ids.MatchId]Source),
		subs:    make(map[ids.MatchId]map[ids.SubscriberId]*Subscriber),
	}
}

// Register attaches a match source to the router.
func (r *Router) Register(matchID ids.MatchId, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[matchID] = src
}

// Unregister severs a match from the router and drops its subscribers.
func (r *Router) Unregister(matchID ids.MatchId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sources, matchID)
	for _, sub := range r.subs[matchID] {
		r.dropLocked(sub, "match removed")
	}
	delete(r.subs, matchID)
}

// Subscribe binds a new subscriber to a match. The initial frame is a full
// snapshot at the current tick unless a still-retained cursor resumes the
// stream with deltas (spec §4.6 subscriber contract).
func (r *Router) Subscribe(matchID ids.MatchId, opts ...SubscriberOption) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sources[matchID]
	if !ok {
		return nil, apierr.NotFound("match " + matchID.String() + " not registered")
	}

	sub := &Subscriber{
		ID:      ids.SubscriberId(uuid.NewString()),
		matchID: matchID,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.ch == nil {
		sub.ch = make(chan Message, defaultSubscriberBuffer)
	}
	sub.C = sub.ch

	if sub.primed {
		// Resumption: deltas from the cursor if retained, reset otherwise.
		if delta, ok := src.DeltaSince(sub.cursor); ok {
			if !delta.Empty() || delta.ToTick != sub.cursor {
				sub.ch <- Message{Type: "delta", Delta: FilterDelta(delta, sub.filter)}
			}
			sub.cursor = src.CurrentTick()
		} else {
			r.resetLocked(sub, src)
		}
	} else {
		r.resetLocked(sub, src)
	}

	if r.subs[matchID] == nil {
		r.subs[matchID] = make(map[ids.SubscriberId]*Subscriber)
	}
	r.subs[matchID][sub.ID] = sub
	r.rec.SubscribersActive.WithLabelValues(string(matchID)).Inc()
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *Router) Unsubscribe(sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.subs[sub.matchID]; ok {
		if _, present := subs[sub.ID]; present {
			delete(subs, sub.ID)
			r.dropLocked(sub, "unsubscribed")
		}
	}
}

// Publish is called by a match after each tick. For every subscriber the
// router pulls the delta from the subscriber's cursor (or a full reset if
// the cursor fell out of retention) and delivers it without blocking:
// subscribers whose channel is full get their deltas coalesced, and a
// subscriber whose coalesced span grows past four times its buffer depth
// (in ticks) is dropped as overloaded: its channel is closed.
func (r *Router) Publish(matchID ids.MatchId, tick uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sources[matchID]
	if !ok {
		return
	}
	for id, sub := range r.subs[matchID] {
		if sub.dropped {
			delete(r.subs[matchID], id)
			continue
		}
		r.deliverLocked(sub, src, tick)
	}
}

// PublishError surfaces a per-match error event to every subscriber of the
// match. Error frames bypass coalescing: they are small and must not be
// folded away.
func (r *Router) PublishError(ev ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs[ev.MatchID] {
		if sub.dropped {
			continue
		}
		select {
		case sub.ch <- Message{Type: "error", Error: &ev}:
		default:
			// A saturated subscriber loses the error frame but keeps its
			// state stream intact. Module faults are also in the engine log;
			// command resolution and validation errors are not logged.
		}
	}
}

func (r *Router) deliverLocked(sub *Subscriber, src Source, tick uint64) {
	delta, retained := src.DeltaSince(sub.cursor)
	if !retained {
		r.resetLocked(sub, src)
		return
	}
	if delta.Empty() && sub.coalesced == nil {
		sub.cursor = tick
		return
	}

	if sub.coalesced != nil {
		delta = Merge(sub.coalesced, delta)
		sub.coalesced = nil
	}

	select {
	case sub.ch <- Message{Type: "delta", Delta: FilterDelta(delta, sub.filter)}:
		sub.cursor = tick
	default:
		// Slow subscriber: hold the merged delta and retry next tick. If the
		// accumulated span exceeds four times the buffer depth in ticks the
		// subscriber is dropped.
		sub.coalesced = delta
		sub.cursor = tick
		if span := tick - delta.FromTick; span > uint64(cap(sub.ch))*4 {
			r.dropLocked(sub, "overloaded")
			delete(r.subs[sub.matchID], sub.ID)
		}
	}
}

func (r *Router) resetLocked(sub *Subscriber, src Source) {
	full := FilterSnapshot(src.FullSnapshot(), sub.filter)
	sub.coalesced = nil
	select {
	case sub.ch <- Message{Type: "snapshot", Snapshot: full}:
		sub.cursor = full.Tick
		sub.primed = true
	default:
		// No room even for the reset frame: the subscriber is beyond help.
		r.dropLocked(sub, "overloaded")
		delete(r.subs[sub.matchID], sub.ID)
	}
}

func (r *Router) dropLocked(sub *Subscriber, reason string) {
	if sub.dropped {
		return
	}
	sub.dropped = true
	close(sub.ch)
	r.rec.SubscribersActive.WithLabelValues(string(sub.matchID)).Dec()
	if reason == "overloaded" {
		r.rec.SubscribersDropped.WithLabelValues(string(sub.matchID)).Inc()
	}
	r.log.WithFields(logrus.Fields{
		"subscriber": sub.ID,
		"match":      sub.matchID,
		"reason":     reason,
	}).Debug("subscriber dropped")
}
