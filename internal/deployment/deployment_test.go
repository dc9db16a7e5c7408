package deployment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/nucleus/internal/configstore"
	"github.com/giantswarm/nucleus/internal/fsm"
	"github.com/giantswarm/nucleus/internal/mutation"
	"github.com/giantswarm/nucleus/internal/recipe"
	"github.com/giantswarm/nucleus/internal/supervisor"
)

func writeRecipe(t *testing.T, dir, name, version, body string) {
	t.Helper()
	full := fmt.Sprintf("RecipeFormatVersion: \"2020-01-25\"\nComponentName: %s\nComponentVersion: %s\n%s", name, version, body)
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%s-%s.yaml", name, version)), []byte(full), 0o644))
}

func newTestEngine(t *testing.T, recipeDir string, extra ...Option) *Engine {
	t.Helper()
	cache, loadErrs := recipe.Load(recipeDir)
	require.Empty(t, loadErrs)

	store := configstore.New()
	t.Cleanup(func() { _ = store.Close() })
	super := supervisor.New()
	runner := NewRecipeRunner()

	opts := append([]Option{WithSettleWindow(150 * time.Millisecond)}, extra...)
	e := New(store, cache, super, runner, t.TempDir(), t.TempDir(), opts...)
	return e
}

func waitForStatus(t *testing.T, e *Engine, id string, want Status) *Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := e.GetStatus(id); ok && rec.Status == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := e.GetStatus(id)
	t.Fatalf("deployment %s did not reach status %s in time (last: %+v)", id, want, rec)
	return nil
}

type rejectingAnnouncer struct{ reason string }

func (r rejectingAnnouncer) Announce(_ context.Context, affected []string, _ map[string]any, _ time.Duration) (map[string]Verdict, error) {
	out := make(map[string]Verdict, len(affected))
	for _, name := range affected {
		out[name] = Verdict{OK: false, Reason: r.reason}
	}
	return out, nil
}

func TestSubmitRejectsInvalidVersion(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	_, err := e.Submit(Document{Components: map[string]ComponentUpdate{
		"app": {Version: "not-a-version"},
	}})
	require.Error(t, err)
}

func TestSubmitRejectsOverlappingResetAndMerge(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	_, err := e.Submit(Document{Components: map[string]ComponentUpdate{
		"app": {Version: "1.0.0", ConfigurationUpdate: mutation.Update{
			Reset: []string{"/greeting"},
			Merge: map[string]any{"greeting": "hi"},
		}},
	}})
	require.Error(t, err)
}

func TestDeploymentActivatesServiceAndCommitsConfig(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "app", "1.0.0", "Manifests:\n  - Lifecycle:\n      run: \"true\"\n")
	e := newTestEngine(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	id, err := e.Submit(Document{Components: map[string]ComponentUpdate{
		"app": {Version: "1.0.0", ConfigurationUpdate: mutation.Update{
			Merge: map[string]any{"greeting": "hi"},
		}},
	}})
	require.NoError(t, err)

	rec := waitForStatus(t, e, id, StatusSucceeded)
	assert.Equal(t, PhasePersist, rec.Phase)

	m := e.super.Machine("app")
	require.NotNil(t, m)
	assert.Equal(t, fsm.StateRunning, m.State())

	view, ok := e.store.Lookup(componentConfigPath("app").Child("greeting"))
	require.True(t, ok)
	assert.Equal(t, "hi", view.Value)
}

func TestDeploymentRollsBackOnValidatorRejection(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "app", "1.0.0", "Manifests:\n  - Lifecycle:\n      run: \"true\"\n")
	e := newTestEngine(t, dir)
	e.announcer = rejectingAnnouncer{reason: "not ready"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	id, err := e.Submit(Document{Components: map[string]ComponentUpdate{
		"app": {Version: "1.0.0", ConfigurationUpdate: mutation.Update{
			Merge: map[string]any{"greeting": "hi"},
		}},
	}})
	require.NoError(t, err)

	rec := waitForStatus(t, e, id, StatusRolledBack)
	assert.Contains(t, rec.FailureReason, "not ready")

	_, ok := e.store.Lookup(componentConfigPath("app").Child("greeting"))
	assert.False(t, ok, "rollback must undo the staged config commit")
}

func TestRollbackRevertsConfigCommittedAfterActivation(t *testing.T) {
	// Reproduces a rollback triggered after the forward batch has already
	// been committed (e.g. a service reaching BROKEN during the settle
	// window), where forward and inverse share the staging-time
	// timestamp. Exercises e.rollback directly rather than forcing a
	// service into BROKEN through the full settle window.
	dir := t.TempDir()
	writeRecipe(t, dir, "app", "1.0.0", "Manifests:\n  - Lifecycle:\n      run: \"true\"\n")
	e := newTestEngine(t, dir)

	closure, err := e.resolveClosure(Document{Components: map[string]ComponentUpdate{"app": {Version: "1.0.0"}}})
	require.NoError(t, err)

	path := componentConfigPath("app").Child("greeting")
	ts := e.now()
	forward := []configstore.Update{{Path: path, Op: configstore.OpSetLeaf, Value: "hi", Timestamp: ts}}
	inverse := []configstore.Update{{Path: path, Op: configstore.OpRemove, Timestamp: ts}}

	require.NoError(t, e.store.Batch(forward))
	view, ok := e.store.Lookup(path)
	require.True(t, ok)
	assert.Equal(t, "hi", view.Value)

	rec := &Record{ID: "dep-1", ForwardBatch: forward, InverseBatch: inverse}
	e.rollback(context.Background(), rec, closure, "reached BROKEN during settle window")

	_, ok = e.store.Lookup(path)
	assert.False(t, ok, "rollback must revert a config commit even when forward and inverse share a timestamp")
	assert.Equal(t, StatusRolledBack, rec.Status)
}

func TestRestampedBumpsPastExistingTimestamps(t *testing.T) {
	path := componentConfigPath("app").Child("greeting")
	batch := []configstore.Update{{Path: path, Op: configstore.OpSetLeaf, Value: "hi", Timestamp: 100}}

	out := restamped(batch, 100)
	require.Len(t, out, 1)
	assert.Greater(t, out[0].Timestamp, int64(100))

	out = restamped(batch, 50)
	assert.Greater(t, out[0].Timestamp, int64(100))
}

func TestUnsatisfiableRequirementFailsWithoutConfigChange(t *testing.T) {
	e := newTestEngine(t, t.TempDir()) // empty recipe cache
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	id, err := e.Submit(Document{Components: map[string]ComponentUpdate{
		"app": {Version: "1.0.0"},
	}})
	require.NoError(t, err)

	rec := waitForStatus(t, e, id, StatusFailed)
	assert.Equal(t, PhaseClosure, rec.Phase)
}

func TestListDeploymentsOrdersMostRecentFirst(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "app", "1.0.0", "Manifests:\n  - Lifecycle:\n      run: \"true\"\n")
	tick := time.Unix(0, 0)
	e := newTestEngine(t, dir, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	id1, err := e.Submit(Document{Components: map[string]ComponentUpdate{"app": {Version: "1.0.0"}}})
	require.NoError(t, err)
	waitForStatus(t, e, id1, StatusSucceeded)

	id2, err := e.Submit(Document{Components: map[string]ComponentUpdate{"app": {Version: "1.0.0"}}})
	require.NoError(t, err)
	waitForStatus(t, e, id2, StatusSucceeded)

	list := e.ListDeployments()
	require.Len(t, list, 2)
	assert.Equal(t, id2, list[0].ID)
	assert.Equal(t, id1, list[1].ID)
}
