package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pool = []string{"agent-a", "agent-b", "agent-c", "agent-d", "agent-e", "agent-f", "agent-g"}

func TestSelectPanelDeterministic(t *testing.T) {
	r1, err := SelectPanel("OC-1", 3, 2, "beacon-xyz", pool)
	require.NoError(t, err)
	r2, err := SelectPanel("OC-1", 3, 2, "beacon-xyz", pool)
	require.NoError(t, err)
	assert.Equal(t, r1.Panel, r2.Panel)
	assert.Equal(t, r1.Reserves, r2.Reserves)

	h1, err := r1.Proof.Hash()
	require.NoError(t, err)
	h2, err := r2.Proof.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestSelectPanelIndependentOfPoolOrder(t *testing.T) {
	shuffled := []string{"agent-d", "agent-a", "agent-g", "agent-b", "agent-f", "agent-c", "agent-e"}
	r1, err := SelectPanel("OC-1", 3, 2, "beacon-xyz", pool)
	require.NoError(t, err)
	r2, err := SelectPanel("OC-1", 3, 2, "beacon-xyz", shuffled)
	require.NoError(t, err)
	assert.Equal(t, r1.Panel, r2.Panel)
	assert.Equal(t, r1.Proof.PoolHash, r2.Proof.PoolHash)
}

func TestSelectPanelBeaconChangesOrdering(t *testing.T) {
	r1, err := SelectPanel("OC-1", 3, 2, "beacon-one", pool)
	require.NoError(t, err)
	r2, err := SelectPanel("OC-1", 3, 2, "beacon-two", pool)
	require.NoError(t, err)
	h1, _ := r1.Proof.Hash()
	h2, _ := r2.Proof.Hash()
	assert.NotEqual(t, h1, h2)
}

func TestSelectPanelSizes(t *testing.T) {
	r, err := SelectPanel("OC-2", 3, 2, "b", pool)
	require.NoError(t, err)
	assert.Len(t, r.Panel, 3)
	assert.Len(t, r.Reserves, 2)
	assert.Len(t, r.Proof.Ordering, len(pool))
	for i, c := range r.Proof.Ordering {
		assert.Equal(t, i, c.Rank)
	}
}

func TestSelectPanelPoolTooSmall(t *testing.T) {
	_, err := SelectPanel("OC-3", 10, 0, "b", pool)
	require.Error(t, err)
}

func TestSelectPanelRequiresBeacon(t *testing.T) {
	_, err := SelectPanel("OC-4", 3, 0, "", pool)
	require.Error(t, err)
}
