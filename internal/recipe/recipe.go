// Package recipe implements the Recipe & Graph Resolver (C5): it parses the
// on-disk recipe schema, resolves a set of top-level version constraints
// against the local recipe cache, and computes a dependency closure with a
// deterministic topological start order.
//
// Grounded on internal/config/loader.go's os.ReadFile + yaml.Unmarshal
// pattern for recipe parsing and internal/dependency/graph.go's
// Node/DependsOn model for the closure/cycle-detection shape, generalized
// to versioned dependency edges resolved via Masterminds/semver/v3.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/nucleus/internal/errs"
)

// DependencyType distinguishes HARD dependencies (must be RUNNING/FINISHED
// before the dependent can start) from SOFT ones (notification only).
type DependencyType string

const (
	Hard DependencyType = "HARD"
	Soft DependencyType = "SOFT"
)

// Dependency is one entry of a recipe's ComponentDependencies map.
type Dependency struct {
	VersionRequirement string         `yaml:"VersionRequirement"`
	DependencyType     DependencyType `yaml:"DependencyType"`
}

// LifecycleStep mirrors the recipe schema's long-form step: a command
// string, or Script/Timeout/Setenv/Skipif.
type LifecycleStep struct {
	Script  string            `yaml:"Script"`
	Timeout int               `yaml:"Timeout"` // seconds, 0 = use the runner's default
	Setenv  map[string]string `yaml:"Setenv"`
	Skipif  string            `yaml:"Skipif"`
}

// UnmarshalYAML accepts either a bare command string or the long form.
func (s *LifecycleStep) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s.Script = value.Value
		return nil
	}
	type plain LifecycleStep
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = LifecycleStep(p)
	return nil
}

// Lifecycle holds a component's lifecycle scripts. Startup and Run are
// mutually exclusive per the recipe schema.
type Lifecycle struct {
	Install  *LifecycleStep `yaml:"install"`
	Startup  *LifecycleStep `yaml:"startup"`
	Run      *LifecycleStep `yaml:"run"`
	Shutdown *LifecycleStep `yaml:"shutdown"`
	Recover  *LifecycleStep `yaml:"recover"`
	Setenv   *LifecycleStep `yaml:"setenv"`
}

// Manifest is one platform-specific lifecycle/artifact bundle.
type Manifest struct {
	Platform  map[string]string      `yaml:"Platform"`
	Lifecycle Lifecycle              `yaml:"Lifecycle"`
	Artifacts []map[string]string    `yaml:"Artifacts"`
}

// Recipe is the parsed form of a component's recipe file.
type Recipe struct {
	RecipeFormatVersion  string                `yaml:"RecipeFormatVersion"`
	ComponentName        string                `yaml:"ComponentName"`
	ComponentVersion     string                `yaml:"ComponentVersion"`
	ComponentDescription string                `yaml:"ComponentDescription"`
	ComponentPublisher   string                `yaml:"ComponentPublisher"`
	ComponentConfiguration struct {
		DefaultConfiguration map[string]interface{} `yaml:"DefaultConfiguration"`
	} `yaml:"ComponentConfiguration"`
	ComponentDependencies map[string]Dependency `yaml:"ComponentDependencies"`
	Manifests             []Manifest            `yaml:"Manifests"`

	version *semver.Version // parsed ComponentVersion, cached by Load
}

// Version returns the parsed semantic version of this recipe.
func (r *Recipe) Version() (*semver.Version, error) {
	if r.version != nil {
		return r.version, nil
	}
	v, err := semver.NewVersion(r.ComponentVersion)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedConfig, fmt.Sprintf("recipe %s: invalid ComponentVersion %q", r.ComponentName, r.ComponentVersion), err)
	}
	r.version = v
	return v, nil
}

// recipeFileName is the on-disk naming convention: <componentName>-<version>.yaml.
func recipeFileName(name, version string) string {
	return fmt.Sprintf("%s-%s.yaml", name, version)
}

// Cache is the local recipe directory (/packages/recipes). It indexes
// every <name>-<version>.yaml file found under Dir by component name.
type Cache struct {
	Dir string

	mu     sync.RWMutex
	byName map[string][]*Recipe // all known versions of a component, unsorted
}

// Load scans Dir for recipe files and parses each one. Malformed recipe
// files are skipped with their error recorded in the returned slice rather
// than aborting the whole scan, since one bad file should not blind the
// resolver to every other component.
func Load(dir string) (*Cache, []error) {
	c := &Cache{Dir: dir, byName: make(map[string][]*Recipe)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return c, []error{errs.Wrap(errs.IOError, fmt.Sprintf("reading recipe cache %s", dir), err)}
	}

	var loadErrs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			loadErrs = append(loadErrs, errs.Wrap(errs.IOError, fmt.Sprintf("reading %s", path), err))
			continue
		}
		var rec Recipe
		if err := yaml.Unmarshal(data, &rec); err != nil {
			loadErrs = append(loadErrs, errs.Wrap(errs.MalformedConfig, fmt.Sprintf("parsing %s", path), err))
			continue
		}
		if _, err := rec.Version(); err != nil {
			loadErrs = append(loadErrs, err)
			continue
		}
		c.byName[rec.ComponentName] = append(c.byName[rec.ComponentName], &rec)
	}
	return c, loadErrs
}

// Versions returns every known recipe for name.
func (c *Cache) Versions(name string) []*Recipe {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name]
}

// Reload rescans Dir, replacing the cache's contents in place so holders of
// this *Cache (the Deployment Engine) observe newly dropped-in recipe files
// without being reconstructed. Used by the "update-recipes-and-artifacts"
// operation.
func (c *Cache) Reload() []error {
	fresh, errs := Load(c.Dir)
	c.mu.Lock()
	c.byName = fresh.byName
	c.mu.Unlock()
	return errs
}

// Requirement is a top-level or transitive constraint on one component.
type Requirement struct {
	Name               string
	VersionConstraint  string
	DependencyType     DependencyType
	RequiredBy         string // component name, or "" for a top-level requirement
}

// Pick is one resolved (name, version) selection in the closure.
type Pick struct {
	Name    string
	Version string
	Recipe  *Recipe
}

// Closure is the Resolver's successful output: concrete picks plus a
// topological start order (dependencies before dependents).
type Closure struct {
	Picks      map[string]Pick
	StartOrder []string
}

// Resolve computes the dependency closure for top-level requirements
// against cache. Resolution is deterministic: for each name, the highest
// version satisfying every active constraint is picked; ties are broken
// lexicographically by version string. Missing recipes are reported, not
// downloaded.
func Resolve(cache *Cache, top []Requirement) (*Closure, error) {
	constraints := make(map[string][]Requirement) // name -> all constraints seen
	edges := make(map[string]map[string]DependencyType) // name -> dep name -> type
	var missing []string

	var visit func(req Requirement) error
	visit = func(req Requirement) error {
		constraints[req.Name] = append(constraints[req.Name], req)
		if edges[req.Name] == nil {
			edges[req.Name] = make(map[string]DependencyType)
		}

		versions := cache.Versions(req.Name)
		if len(versions) == 0 {
			missing = append(missing, req.Name)
			return nil
		}

		pick, err := pickHighestSatisfying(versions, constraints[req.Name])
		if err != nil {
			return err
		}
		if pick == nil {
			return nil // conflict detected later across the whole constraint set
		}

		for depName, dep := range pick.ComponentDependencies {
			if existing, ok := edges[req.Name][depName]; !ok || existing != Hard {
				if dep.DependencyType == Hard {
					edges[req.Name][depName] = Hard
				} else if !ok {
					edges[req.Name][depName] = dep.DependencyType
				}
			}
			if _, seen := constraints[depName]; seen {
				// already visited at least once; still fold in the new
				// constraint and re-resolve, but do not re-walk further
				// transitive edges to avoid infinite recursion on a cycle
				// (cycle detection happens on the completed edge set below).
				constraints[depName] = append(constraints[depName], Requirement{
					Name: depName, VersionConstraint: dep.VersionRequirement,
					DependencyType: dep.DependencyType, RequiredBy: req.Name,
				})
				continue
			}
			if err := visit(Requirement{
				Name: depName, VersionConstraint: dep.VersionRequirement,
				DependencyType: dep.DependencyType, RequiredBy: req.Name,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, req := range top {
		if err := visit(req); err != nil {
			return nil, err
		}
	}

	if len(missing) > 0 {
		return nil, errs.New(errs.Unsatisfiable, fmt.Sprintf("missing recipes for: %s", strings.Join(missing, ", ")))
	}

	picks := make(map[string]Pick, len(constraints))
	for name, reqs := range constraints {
		versions := cache.Versions(name)
		pick, err := pickHighestSatisfying(versions, reqs)
		if err != nil {
			return nil, err
		}
		if pick == nil {
			return nil, unsatisfiableError(name, reqs)
		}
		v, _ := pick.Version()
		picks[name] = Pick{Name: name, Version: v.String(), Recipe: pick}
	}

	order, cyclePath := topologicalOrder(edges)
	if cyclePath != nil {
		return nil, errs.New(errs.CircularDependency, fmt.Sprintf("dependency cycle: %s", strings.Join(cyclePath, " -> ")))
	}

	return &Closure{Picks: picks, StartOrder: order}, nil
}

func unsatisfiableError(name string, reqs []Requirement) error {
	var parts []string
	for _, r := range reqs {
		by := r.RequiredBy
		if by == "" {
			by = "<top-level>"
		}
		parts = append(parts, fmt.Sprintf("%s requires %s %s", by, name, r.VersionConstraint))
	}
	return errs.New(errs.Unsatisfiable, fmt.Sprintf("no version of %s satisfies all constraints: %s", name, strings.Join(parts, "; ")))
}

// pickHighestSatisfying returns the highest version of candidates
// satisfying every constraint in reqs, ties broken lexicographically by
// version string. Returns (nil, nil) if no candidate satisfies all
// constraints (a conflict, reported by the caller with full context).
func pickHighestSatisfying(candidates []*Recipe, reqs []Requirement) (*Recipe, error) {
	var parsed []*semver.Constraints
	for _, r := range reqs {
		c, err := semver.NewConstraint(r.VersionConstraint)
		if err != nil {
			return nil, errs.Wrap(errs.MalformedConfig, fmt.Sprintf("invalid version constraint %q for %s", r.VersionConstraint, r.Name), err)
		}
		parsed = append(parsed, c)
	}

	sorted := append([]*Recipe(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		vi, _ := sorted[i].Version()
		vj, _ := sorted[j].Version()
		cmp := vi.Compare(vj)
		if cmp != 0 {
			return cmp > 0 // descending: highest first
		}
		return sorted[i].ComponentVersion > sorted[j].ComponentVersion // lexicographic tiebreak
	})

	for _, rec := range sorted {
		v, err := rec.Version()
		if err != nil {
			continue
		}
		satisfiesAll := true
		for _, c := range parsed {
			if !c.Check(v) {
				satisfiesAll = false
				break
			}
		}
		if satisfiesAll {
			return rec, nil
		}
	}
	return nil, nil
}

// topologicalOrder returns a dependency-first ordering of edges' keys
// (Kahn's algorithm), or (nil, cyclePath) if edges contains a cycle.
// Deterministic: among nodes with no remaining incoming edges, the
// lexicographically smallest name is emitted first.
func topologicalOrder(edges map[string]map[string]DependencyType) ([]string, []string) {
	allNodes := make(map[string]bool)
	for n, deps := range edges {
		allNodes[n] = true
		for d := range deps {
			allNodes[d] = true
		}
	}
	// depCount[n] tracks how many of n's own dependencies have not yet
	// been emitted; n becomes ready (emittable) once this hits zero, which
	// guarantees every dependency precedes its dependents in the order.
	depCount := make(map[string]int)
	dependents := make(map[string][]string)
	for n := range allNodes {
		depCount[n] = len(edges[n])
		for d := range edges[n] {
			dependents[d] = append(dependents[d], n)
		}
	}

	var order []string
	remaining := len(allNodes)
	for remaining > 0 {
		var ready []string
		for n := range allNodes {
			if depCount[n] == 0 {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			return nil, detectCyclePath(edges)
		}
		sort.Strings(ready)
		n := ready[0]
		order = append(order, n)
		delete(allNodes, n)
		remaining--
		for _, dependent := range dependents[n] {
			depCount[dependent]--
		}
	}
	return order, nil
}

// detectCyclePath runs a DFS to report one concrete cycle for the error
// message when topologicalOrder finds the graph is not a DAG.
func detectCyclePath(edges map[string]map[string]DependencyType) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var path []string
	var found []string

	var visit func(n string) bool
	visit = func(n string) bool {
		if color[n] == black {
			return false
		}
		if color[n] == gray {
			start := 0
			for i, p := range path {
				if p == n {
					start = i
					break
				}
			}
			found = append(append([]string(nil), path[start:]...), n)
			return true
		}
		color[n] = gray
		path = append(path, n)
		names := make([]string, 0, len(edges[n]))
		for d := range edges[n] {
			names = append(names, d)
		}
		sort.Strings(names)
		for _, d := range names {
			if visit(d) {
				return true
			}
		}
		color[n] = black
		path = path[:len(path)-1]
		return false
	}

	names := make([]string, 0, len(edges))
	for n := range edges {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if color[n] == white {
			if visit(n) {
				return found
			}
		}
	}
	return nil
}
