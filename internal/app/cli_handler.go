package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/giantswarm/nucleus/internal/deployment"
	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/giantswarm/nucleus/internal/events"
	"github.com/giantswarm/nucleus/internal/recipe"
	"github.com/giantswarm/nucleus/internal/supervisor"
	pkgstrings "github.com/giantswarm/nucleus/pkg/strings"
)

// cliOp names one of §6's CLI surface operations. The actual CLI front-end
// binary that turns `nucleus-ctl get-component foo` into one of these
// requests, and its process exit codes, is the external collaborator the
// spec calls out as out of scope; this handler is the daemon-side half of
// that contract, reachable over DestCLI.
type cliOp string

const (
	opGetComponent           cliOp = "GET_COMPONENT"
	opListComponents         cliOp = "LIST_COMPONENTS"
	opRestartComponent       cliOp = "RESTART_COMPONENT"
	opStopComponent          cliOp = "STOP_COMPONENT"
	opCreateLocalDeployment  cliOp = "CREATE_LOCAL_DEPLOYMENT"
	opGetDeploymentStatus    cliOp = "GET_DEPLOYMENT_STATUS"
	opListLocalDeployments   cliOp = "LIST_LOCAL_DEPLOYMENTS"
	opUpdateRecipesArtifacts cliOp = "UPDATE_RECIPES_AND_ARTIFACTS"
)

type cliRequest struct {
	Op       cliOp           `cbor:"op"`
	Name     string          `cbor:"name,omitempty"`     // component or deployment id
	Document json.RawMessage `cbor:"document,omitempty"` // deployment document JSON
}

type componentInfo struct {
	Name        string   `cbor:"name"`
	State       string   `cbor:"state"`
	Description string   `cbor:"description,omitempty"`
	Hard        []string `cbor:"hard,omitempty"`
	Soft        []string `cbor:"soft,omitempty"`
}

type deploymentInfo struct {
	ID            string `cbor:"id"`
	Status        string `cbor:"status"`
	Phase         int    `cbor:"phase"`
	FailureReason string `cbor:"failureReason,omitempty"`
}

type cliResponse struct {
	Component   *componentInfo   `cbor:"component,omitempty"`
	Components  []componentInfo  `cbor:"components,omitempty"`
	Deployment  *deploymentInfo  `cbor:"deployment,omitempty"`
	Deployments []deploymentInfo `cbor:"deployments,omitempty"`
	ID          string           `cbor:"id,omitempty"`
	ReloadWarnings []string      `cbor:"reloadWarnings,omitempty"`
}

// cliController is the dependency surface the DestCLI handler drives; a
// thin indirection so tests can exercise it without a full Application.
type cliController struct {
	super   *supervisor.Supervisor
	engine  *deployment.Engine
	recipes *recipe.Cache
	events  *events.Generator
}

// restartTimeout bounds how long restart-component/stop-component wait for
// the Supervisor's Stop, and how long restart-component then waits for the
// Supervisor's dependency-closure future to resolve.
const restartTimeout = 30 * time.Second

func (c *cliController) handle(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	var req cliRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return nil, errs.Wrap(errs.MalformedConfig, "decoding CLI request", err)
	}

	var resp cliResponse
	var err error
	switch req.Op {
	case opGetComponent:
		resp, err = c.getComponent(req.Name)
	case opListComponents:
		resp, err = c.listComponents()
	case opRestartComponent:
		resp, err = c.restartComponent(ctx, req.Name)
	case opStopComponent:
		resp, err = c.stopComponent(ctx, req.Name)
	case opCreateLocalDeployment:
		resp, err = c.createLocalDeployment(req.Document)
	case opGetDeploymentStatus:
		resp, err = c.getDeploymentStatus(req.Name)
	case opListLocalDeployments:
		resp, err = c.listLocalDeployments()
	case opUpdateRecipesArtifacts:
		resp, err = c.updateRecipesAndArtifacts()
	default:
		return nil, errs.New(errs.MalformedConfig, "unknown CLI operation")
	}
	if err != nil {
		return nil, err
	}

	out, encErr := cbor.Marshal(resp)
	if encErr != nil {
		return nil, errs.Wrap(errs.IOError, "encoding CLI response", encErr)
	}
	return out, nil
}

func (c *cliController) describe(name string) (componentInfo, bool) {
	m := c.super.Machine(name)
	if m == nil {
		return componentInfo{}, false
	}
	hard, soft, _ := c.super.Dependencies(name)
	return componentInfo{
		Name:        name,
		State:       m.State().String(),
		Description: c.latestDescription(name),
		Hard:        hard,
		Soft:        soft,
	}, true
}

// latestDescription returns the highest-semver-version recipe's
// ComponentDescription for name, truncated to a single display line, or ""
// if no recipe is cached for it. Components can be registered ahead of
// their recipe being dropped in (or after it is pruned by a later
// update-recipes-and-artifacts reload), so a miss here is routine, not an
// error.
func (c *cliController) latestDescription(name string) string {
	versions := c.recipes.Versions(name)
	var latest *recipe.Recipe
	for _, rec := range versions {
		if latest == nil {
			latest = rec
			continue
		}
		v, err := rec.Version()
		if err != nil {
			continue
		}
		lv, err := latest.Version()
		if err != nil {
			latest = rec
			continue
		}
		if v.GreaterThan(lv) {
			latest = rec
		}
	}
	if latest == nil {
		return ""
	}
	return pkgstrings.TruncateDescription(latest.ComponentDescription, pkgstrings.DefaultDescriptionMaxLen)
}

func (c *cliController) getComponent(name string) (cliResponse, error) {
	info, ok := c.describe(name)
	if !ok {
		return cliResponse{}, errs.New(errs.NotFound, "component "+name+" not registered")
	}
	return cliResponse{Component: &info}, nil
}

func (c *cliController) listComponents() (cliResponse, error) {
	names := c.super.ServiceNames()
	out := make([]componentInfo, 0, len(names))
	for _, name := range names {
		if info, ok := c.describe(name); ok {
			out = append(out, info)
		}
	}
	return cliResponse{Components: out}, nil
}

func (c *cliController) restartComponent(ctx context.Context, name string) (cliResponse, error) {
	if c.super.Machine(name) == nil {
		return cliResponse{}, errs.New(errs.NotFound, "component "+name+" not registered")
	}
	stopCtx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()
	if err := c.super.Stop(stopCtx, name); err != nil {
		return cliResponse{}, err
	}
	future, err := c.super.Start(ctx, name)
	if err != nil {
		return cliResponse{}, err
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, restartTimeout)
	defer cancelWait()
	select {
	case <-future.Done():
		if future.Err() != nil {
			return cliResponse{}, future.Err()
		}
	case <-waitCtx.Done():
		return cliResponse{}, errs.Wrap(errs.Timeout, "restarting "+name, waitCtx.Err())
	}
	info, _ := c.describe(name)
	return cliResponse{Component: &info}, nil
}

func (c *cliController) stopComponent(ctx context.Context, name string) (cliResponse, error) {
	if c.super.Machine(name) == nil {
		return cliResponse{}, errs.New(errs.NotFound, "component "+name+" not registered")
	}
	stopCtx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()
	if err := c.super.Stop(stopCtx, name); err != nil {
		return cliResponse{}, err
	}
	info, _ := c.describe(name)
	return cliResponse{Component: &info}, nil
}

func (c *cliController) createLocalDeployment(raw json.RawMessage) (cliResponse, error) {
	var doc deployment.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cliResponse{}, errs.Wrap(errs.MalformedConfig, "parsing deployment document", err)
	}
	id, err := c.engine.Submit(doc)
	if err != nil {
		return cliResponse{}, err
	}
	if c.events != nil {
		c.events.Emit(events.ReasonDeploymentQueued, events.EventData{DeploymentID: id})
	}
	return cliResponse{ID: id}, nil
}

func (c *cliController) getDeploymentStatus(id string) (cliResponse, error) {
	rec, ok := c.engine.GetStatus(id)
	if !ok {
		return cliResponse{}, errs.New(errs.NotFound, "deployment "+id+" not found")
	}
	return cliResponse{Deployment: &deploymentInfo{
		ID:            rec.ID,
		Status:        string(rec.Status),
		Phase:         int(rec.Phase),
		FailureReason: rec.FailureReason,
	}}, nil
}

func (c *cliController) listLocalDeployments() (cliResponse, error) {
	recs := c.engine.ListDeployments()
	out := make([]deploymentInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, deploymentInfo{
			ID:            rec.ID,
			Status:        string(rec.Status),
			Phase:         int(rec.Phase),
			FailureReason: rec.FailureReason,
		})
	}
	return cliResponse{Deployments: out}, nil
}

func (c *cliController) updateRecipesAndArtifacts() (cliResponse, error) {
	loadErrs := c.recipes.Reload()
	warnings := make([]string, 0, len(loadErrs))
	for _, e := range loadErrs {
		warnings = append(warnings, e.Error())
	}
	return cliResponse{ReloadWarnings: warnings}, nil
}
