package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/nucleus/internal/configstore"
	"github.com/giantswarm/nucleus/internal/deployment"
	"github.com/giantswarm/nucleus/internal/recipe"
	"github.com/giantswarm/nucleus/internal/supervisor"
)

func writeRecipe(t *testing.T, dir, name, version, description string) {
	t.Helper()
	content := "RecipeFormatVersion: \"2020-01-25\"\n" +
		"ComponentName: " + name + "\n" +
		"ComponentVersion: \"" + version + "\"\n" +
		"ComponentDescription: \"" + description + "\"\n" +
		"ComponentPublisher: test\n"
	path := filepath.Join(dir, name+"-"+version+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestController(t *testing.T) (*cliController, *supervisor.Supervisor) {
	t.Helper()
	dir := t.TempDir()
	writeRecipe(t, dir, "demo", "1.0.0", "a short demo component")
	writeRecipe(t, dir, "demo", "1.1.0", "an even newer demo component")
	cache, loadErrs := recipe.Load(dir)
	require.Empty(t, loadErrs)

	super := supervisor.New()
	_, err := super.RegisterService("demo", []string{"dep.hard"}, []string{"dep.soft"})
	require.NoError(t, err)

	store := configstore.New()
	t.Cleanup(func() { store.Close() })
	engine := deployment.New(store, cache, super, deployment.NewRecipeRunner(), t.TempDir(), t.TempDir())

	return &cliController{super: super, engine: engine, recipes: cache}, super
}

func TestCLIHandlerGetComponentDescribesLatestRecipe(t *testing.T) {
	ctrl, _ := newTestController(t)

	resp, err := ctrl.getComponent("demo")
	require.NoError(t, err)
	require.NotNil(t, resp.Component)
	assert.Equal(t, "demo", resp.Component.Name)
	assert.Equal(t, "an even newer demo component", resp.Component.Description)
	assert.Equal(t, []string{"dep.hard"}, resp.Component.Hard)
	assert.Equal(t, []string{"dep.soft"}, resp.Component.Soft)
}

func TestCLIHandlerGetComponentNotFound(t *testing.T) {
	ctrl, _ := newTestController(t)

	_, err := ctrl.getComponent("missing")
	assert.Error(t, err)
}

func TestCLIHandlerListComponents(t *testing.T) {
	ctrl, _ := newTestController(t)

	resp, err := ctrl.listComponents()
	require.NoError(t, err)
	require.Len(t, resp.Components, 1)
	assert.Equal(t, "demo", resp.Components[0].Name)
}

func TestCLIHandlerUpdateRecipesAndArtifactsPicksUpNewFile(t *testing.T) {
	ctrl, _ := newTestController(t)

	writeRecipe(t, ctrl.recipes.Dir, "second", "1.0.0", "a second component")
	resp, err := ctrl.updateRecipesAndArtifacts()
	require.NoError(t, err)
	assert.Empty(t, resp.ReloadWarnings)
	assert.NotEmpty(t, ctrl.recipes.Versions("second"))
}

func TestCLIHandlerHandleDispatchesGetComponent(t *testing.T) {
	ctrl, _ := newTestController(t)

	req := cliRequest{Op: opGetComponent, Name: "demo"}
	payload, err := cbor.Marshal(req)
	require.NoError(t, err)

	out, err := ctrl.handle(context.Background(), "cli", payload)
	require.NoError(t, err)

	var resp cliResponse
	require.NoError(t, cbor.Unmarshal(out, &resp))
	require.NotNil(t, resp.Component)
	assert.Equal(t, "demo", resp.Component.Name)
}

func TestCLIHandlerHandleUnknownOp(t *testing.T) {
	ctrl, _ := newTestController(t)

	payload, err := cbor.Marshal(cliRequest{Op: "BOGUS"})
	require.NoError(t, err)

	_, err = ctrl.handle(context.Background(), "cli", payload)
	assert.Error(t, err)
}

func TestCLIHandlerCreateLocalDeploymentRejectsMalformedDocument(t *testing.T) {
	ctrl, _ := newTestController(t)

	_, err := ctrl.createLocalDeployment(json.RawMessage(`{not json`))
	assert.Error(t, err)
}
