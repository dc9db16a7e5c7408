package mutation

import (
	"testing"

	"github.com/giantswarm/nucleus/internal/configstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBatch(t *testing.T, store *configstore.Store, ops []configstore.Update) {
	t.Helper()
	require.NoError(t, store.Batch(ops))
}

func TestMergeRecursesIntoExistingContainer(t *testing.T) {
	store := configstore.New()
	mustBatch(t, store, []configstore.Update{
		{Path: configstore.ParsePath("/app/nested"), Op: configstore.OpSetLeaf, Value: "old", Timestamp: 1},
		{Path: configstore.ParsePath("/app/untouched"), Op: configstore.OpSetLeaf, Value: "keep-me", Timestamp: 1},
	})

	update := Update{Merge: map[string]any{
		"nested": "new",
	}}
	batch, err := Apply(store, configstore.ParsePath("/app"), nil, update, 2)
	require.NoError(t, err)
	require.NoError(t, store.Batch(batch.Forward))

	v, ok := store.Lookup(configstore.ParsePath("/app/nested"))
	require.True(t, ok)
	assert.Equal(t, "new", v.Value)

	v, ok = store.Lookup(configstore.ParsePath("/app/untouched"))
	require.True(t, ok)
	assert.Equal(t, "keep-me", v.Value, "merge must not disturb sibling keys")
}

func TestMergeRecursesThroughNestedContainers(t *testing.T) {
	store := configstore.New()
	mustBatch(t, store, []configstore.Update{
		{Path: configstore.ParsePath("/app/db/host"), Op: configstore.OpSetLeaf, Value: "localhost", Timestamp: 1},
		{Path: configstore.ParsePath("/app/db/port"), Op: configstore.OpSetLeaf, Value: float64(5432), Timestamp: 1},
	})

	update := Update{Merge: map[string]any{
		"db": map[string]any{"port": float64(5433)},
	}}
	batch, err := Apply(store, configstore.ParsePath("/app"), nil, update, 2)
	require.NoError(t, err)
	require.NoError(t, store.Batch(batch.Forward))

	v, _ := store.Lookup(configstore.ParsePath("/app/db/host"))
	assert.Equal(t, "localhost", v.Value, "untouched nested sibling survives")
	v, _ = store.Lookup(configstore.ParsePath("/app/db/port"))
	assert.Equal(t, float64(5433), v.Value)
}

func TestMergeLeafToContainerTypeChangeReplacesWholesale(t *testing.T) {
	store := configstore.New()
	mustBatch(t, store, []configstore.Update{
		{Path: configstore.ParsePath("/app/x"), Op: configstore.OpSetLeaf, Value: "leaf", Timestamp: 1},
	})

	update := Update{Merge: map[string]any{
		"x": map[string]any{"y": "z"},
	}}
	batch, err := Apply(store, configstore.ParsePath("/app"), nil, update, 2)
	require.NoError(t, err)
	require.NoError(t, store.Batch(batch.Forward))

	v, ok := store.Lookup(configstore.ParsePath("/app/x"))
	require.True(t, ok)
	assert.True(t, v.Container)
	child, _ := store.Lookup(configstore.ParsePath("/app/x/y"))
	assert.Equal(t, "z", child.Value)
}

func TestMergeNullIsAnExplicitLeaf(t *testing.T) {
	store := configstore.New()
	update := Update{Merge: map[string]any{"x": nil}}
	batch, err := Apply(store, configstore.ParsePath("/app"), nil, update, 1)
	require.NoError(t, err)
	require.NoError(t, store.Batch(batch.Forward))

	v, ok := store.Lookup(configstore.ParsePath("/app/x"))
	require.True(t, ok)
	assert.False(t, v.Container)
	assert.Nil(t, v.Value)
}

func TestResetNonEmptyPointerRestoresDefaultSubtree(t *testing.T) {
	store := configstore.New()
	mustBatch(t, store, []configstore.Update{
		{Path: configstore.ParsePath("/app/x"), Op: configstore.OpSetLeaf, Value: "overridden", Timestamp: 1},
	})

	defaults := map[string]any{"x": "default-value"}
	update := Update{Reset: []string{"/x"}}
	batch, err := Apply(store, configstore.ParsePath("/app"), defaults, update, 2)
	require.NoError(t, err)
	require.NoError(t, store.Batch(batch.Forward))

	v, ok := store.Lookup(configstore.ParsePath("/app/x"))
	require.True(t, ok)
	assert.Equal(t, "default-value", v.Value)
}

func TestResetPointerWithNoDefaultRemovesNode(t *testing.T) {
	store := configstore.New()
	mustBatch(t, store, []configstore.Update{
		{Path: configstore.ParsePath("/app/x"), Op: configstore.OpSetLeaf, Value: "custom", Timestamp: 1},
	})

	update := Update{Reset: []string{"/x"}}
	batch, err := Apply(store, configstore.ParsePath("/app"), map[string]any{}, update, 2)
	require.NoError(t, err)
	require.NoError(t, store.Batch(batch.Forward))

	_, ok := store.Lookup(configstore.ParsePath("/app/x"))
	assert.False(t, ok)
}

func TestResetEmptyPointerShortCircuitsRemainingResetEntries(t *testing.T) {
	store := configstore.New()
	mustBatch(t, store, []configstore.Update{
		{Path: configstore.ParsePath("/app/x"), Op: configstore.OpSetLeaf, Value: "custom-x", Timestamp: 1},
		{Path: configstore.ParsePath("/app/y"), Op: configstore.OpSetLeaf, Value: "custom-y", Timestamp: 1},
	})

	defaults := map[string]any{"x": "default-x"}
	update := Update{Reset: []string{"", "/y"}}
	batch, err := Apply(store, configstore.ParsePath("/app"), defaults, update, 2)
	require.NoError(t, err)
	require.NoError(t, store.Batch(batch.Forward))

	v, ok := store.Lookup(configstore.ParsePath("/app/x"))
	require.True(t, ok)
	assert.Equal(t, "default-x", v.Value)
	_, ok = store.Lookup(configstore.ParsePath("/app/y"))
	assert.False(t, ok, "y was never in defaults, so a full reset removes it")
}

func TestInverseBatchUndoesForward(t *testing.T) {
	store := configstore.New()
	mustBatch(t, store, []configstore.Update{
		{Path: configstore.ParsePath("/app/x"), Op: configstore.OpSetLeaf, Value: "original", Timestamp: 1},
	})

	update := Update{Merge: map[string]any{"x": "changed"}}
	batch, err := Apply(store, configstore.ParsePath("/app"), nil, update, 2)
	require.NoError(t, err)
	require.NoError(t, store.Batch(batch.Forward))

	v, _ := store.Lookup(configstore.ParsePath("/app/x"))
	require.Equal(t, "changed", v.Value)

	require.NoError(t, store.Batch(batch.Inverse))
	v, _ = store.Lookup(configstore.ParsePath("/app/x"))
	assert.Equal(t, "original", v.Value)
}
