package store

import "github.com/stormstack/engine/internal/ids"

// ChangeKind distinguishes the three event shapes a tick can produce.
type ChangeKind uint8

const (
	ChangeSpawn ChangeKind = iota
	ChangeDespawn
	ChangeWrite
)

// ChangeRecord is one entry in the store's change log (spec §3, §4.1
// delta_since). Records are appended in the order operations were applied
// within a tick, and replaying them in order against a snapshot at
// Version-1 must reproduce the state at Version exactly (the round-trip
// law, spec §8).
type ChangeRecord struct {
	Version   uint64
	Kind      ChangeKind
	Entity    ids.EntityId
	Component ids.ComponentTypeId // zero value for spawn/despawn records
	Value     Value
	Tombstone bool // true for ChangeWrite records produced by Detach
}

// changeLog accumulates per-version batches of change records, indexed by
// the version they belong to, so delta_since(v) never has to re-diff store
// state — it just concatenates the batches after v.
type changeLog struct {
	batches map[uint64][]ChangeRecord
	order   []uint64 // ascending version keys currently retained
}

func newChangeLog() *changeLog {
	return &changeLog{batches: make(map[uint64][]ChangeRecord)}
}

func (c *changeLog) append(version uint64, records []ChangeRecord) {
	if len(records) == 0 {
		// Still record an empty batch so "delta across zero ticks is empty"
		// (spec §8) and retention bookkeeping stay simple: a tick with no
		// writes still closes a version.
		records = []ChangeRecord{}
	}
	if _, exists := c.batches[version]; !exists {
		c.order = append(c.order, version)
	}
	c.batches[version] = records
}

// since returns every record with Version > fromVersion, oldest first.
// ok is false if fromVersion predates the oldest retained batch (the caller
// must fall back to a full snapshot reset, per the subscriber contract in
// spec §4.6).
func (c *changeLog) since(fromVersion, currentVersion uint64) (records []ChangeRecord, ok bool) {
	if fromVersion == currentVersion {
		return nil, true
	}
	if len(c.order) > 0 && fromVersion < c.order[0]-1 {
		return nil, false
	}
	for _, v := range c.order {
		if v <= fromVersion {
			continue
		}
		if v > currentVersion {
			break
		}
		records = append(records, c.batches[v]...)
	}
	return records, true
}

// compact drops batches at or below keepAfter, bounding memory to the
// configured retention window (spec §4.6: "Retention window is finite and
// configurable").
func (c *changeLog) compact(keepAfter uint64) {
	if len(c.order) == 0 {
		return
	}
	cut := 0
	for cut < len(c.order) && c.order[cut] <= keepAfter {
		delete(c.batches, c.order[cut])
		cut++
	}
	if cut > 0 {
		c.order = append([]uint64{}, c.order[cut:]...)
	}
}

// oldestRetained returns the oldest version still retained, or 0 if the log
// holds no batches.
func (c *changeLog) oldestRetained() uint64 {
	if len(c.order) == 0 {
		return 0
	}
	return c.order[0]
}
