package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/snapshot"
)

func snapAt(tick uint64) *snapshot.WorldSnapshot {
	return &snapshot.WorldSnapshot{MatchID: "m1", Tick: tick, Entities: []snapshot.EntityState{}}
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory(10)
	require.NoError(t, m.Put("m1", 1, snapAt(1)))

	got, err := m.Get("m1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Tick)

	_, err = m.Get("m1", 2)
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
	_, err = m.Get("m2", 1)
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestMemoryEvictsOldest(t *testing.T) {
	m := NewMemory(3)
	for tick := uint64(1); tick <= 5; tick++ {
		require.NoError(t, m.Put("m1", tick, snapAt(tick)))
	}

	_, err := m.Get("m1", 1)
	assert.True(t, apierr.Is(err, apierr.KindNotFound), "oldest snapshots evicted")
	got, err := m.Get("m1", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Tick)
}

func TestMemoryPrune(t *testing.T) {
	m := NewMemory(10)
	for tick := uint64(1); tick <= 5; tick++ {
		require.NoError(t, m.Put("m1", tick, snapAt(tick)))
	}
	require.NoError(t, m.Prune("m1", 3))

	_, err := m.Get("m1", 3)
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
	_, err = m.Get("m1", 4)
	assert.NoError(t, err)

	// Pruning an unknown match is a no-op.
	assert.NoError(t, m.Prune("ghost", 100))
}
