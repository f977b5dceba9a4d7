package subaru

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DepEdge is a resolved dependency: a name bound to exactly one
// origin (a native repository or the source-ecosystem marker). The
// version operator and constraint are preserved for display and
// comparison but not enforced during resolution.
type DepEdge struct {
	Name       string
	Repository string
	Op         string
	Constraint string
}

// ResolutionPlan is an ordered sequence of dependency edges in safe
// build order: a dependency always precedes its dependents. Ties keep
// first-discovered order, so output is deterministic for a given
// input.
type ResolutionPlan struct {
	Edges      []DepEdge
	Unresolved []string
}

// Names returns the plan's edge names in order.
func (p *ResolutionPlan) Names() []string {
	names := make([]string, len(p.Edges))
	for i, e := range p.Edges {
		names[i] = e.Name
	}
	return names
}

// splitDepToken splits tokens like "pkg", "pkg>=1.2" into name,
// operator and version constraint.
func splitDepToken(token string) (string, string, string) {
	token = strings.TrimSpace(token)
	for _, op := range versionOperators {
		if idx := strings.Index(token, op); idx != -1 {
			return strings.TrimSpace(token[:idx]), op, strings.TrimSpace(token[idx+len(op):])
		}
	}
	return token, "", ""
}

// compareVersions compares two version strings split by dots and
// hyphens. Numeric segments compare numerically; non-numeric fall
// back to lexicographic. Returns -1 if a<b, 0 if equal, 1 if a>b.
func compareVersions(a, b string) int {
	split := func(s string) []string {
		return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '-' })
	}
	as := split(a)
	bs := split(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}

		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if ai < bi {
				return -1
			}
			if ai > bi {
				return 1
			}
			continue
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

func versionSatisfies(v, op, ref string) bool {
	cmp := compareVersions(v, ref)
	switch op {
	case "==", "=":
		return cmp == 0
	case "<=":
		return cmp <= 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case ">":
		return cmp > 0
	default:
		return true
	}
}

// Resolver computes full missing-dependency sets with correct
// topological build order, resolving provided-name aliasing and
// surfacing unresolved names.
type Resolver struct {
	backend Backend
	meta    MetadataSource
}

func NewResolver(backend Backend, meta MetadataSource) *Resolver {
	return &Resolver{backend: backend, meta: meta}
}

// Resolve walks the dependency graphs of the target packages and
// returns the missing dependencies in build order. The targets
// themselves never appear in the plan. `provided` is the native
// backend's provided-name alias table; `checked` carries names
// already examined in this resolution pass (guaranteeing termination
// on cyclic graphs) and may be nil.
//
// An unresolved name terminates resolution with an
// UnresolvedDepError naming it; the partial plan is still returned
// so the caller can report what had been found.
func (r *Resolver) Resolve(ctx context.Context, targets []DepEdge, provided map[string]string, checked map[string]bool) (*ResolutionPlan, error) {
	plan := &ResolutionPlan{}
	if checked == nil {
		checked = make(map[string]bool)
	}

	for _, target := range targets {
		var deps []string
		if target.Repository == AurBase {
			info, err := r.meta.Srcinfo(ctx, target.Name)
			if err != nil {
				return plan, fmt.Errorf("could not read manifest of %s: %w", target.Name, err)
			}
			deps = info.AllDepends()
		} else {
			var err error
			deps, err = r.backend.ListDepends(ctx, target.Name)
			if err != nil {
				return plan, err
			}
		}

		if err := r.resolveInto(ctx, plan, target.Name, deps, provided, checked); err != nil {
			return plan, err
		}
	}

	return plan, nil
}

// ResolveDeclared resolves an already-parsed dependency list of the
// named target, with the same semantics as Resolve. Used when the
// caller holds the authoritative manifest locally, such as a
// version-control checkout whose declarations may differ from the
// published head.
func (r *Resolver) ResolveDeclared(ctx context.Context, name string, deps []string, provided map[string]string, checked map[string]bool) (*ResolutionPlan, error) {
	plan := &ResolutionPlan{}
	if checked == nil {
		checked = make(map[string]bool)
	}
	if err := r.resolveInto(ctx, plan, name, deps, provided, checked); err != nil {
		return plan, err
	}
	return plan, nil
}

func (r *Resolver) resolveInto(ctx context.Context, plan *ResolutionPlan, target string, deps []string, provided map[string]string, checked map[string]bool) error {
	checked[target] = true

	var visit func(token string) error
	visit = func(token string) error {
		name, op, constraint := splitDepToken(token)
		if name == "" || checked[name] {
			return nil
		}
		checked[name] = true

		// Satisfied by an installed package or a provided alias?
		if _, ok := provided[name]; ok {
			return nil
		}
		if r.backend.CheckInstalled(ctx, name) {
			return nil
		}

		// Native repositories take priority over the source
		// ecosystem; their own transitive closure is handled by the
		// native package manager at install time.
		repos, err := r.backend.MapRepositories(ctx, []string{name})
		if err != nil {
			return fmt.Errorf("repository lookup for %s failed: %w", name, err)
		}
		if repo, ok := repos[name]; ok {
			plan.Edges = append(plan.Edges, DepEdge{Name: name, Repository: repo, Op: op, Constraint: constraint})
			return nil
		}

		if r.meta.InIndex(ctx, name) {
			info, err := r.meta.Srcinfo(ctx, name)
			if err != nil {
				return fmt.Errorf("could not read manifest of %s: %w", name, err)
			}
			// Post-order traversal: dependencies land in the plan
			// before the package that needs them.
			for _, dep := range info.AllDepends() {
				if err := visit(dep); err != nil {
					return err
				}
			}
			plan.Edges = append(plan.Edges, DepEdge{Name: name, Repository: AurBase, Op: op, Constraint: constraint})
			return nil
		}

		plan.Unresolved = append(plan.Unresolved, name)
		return &UnresolvedDepError{Name: name}
	}

	for _, dep := range deps {
		if err := visit(dep); err != nil {
			return err
		}
	}
	return nil
}

// MapMissing resolves a flat list of missing dependency names (as
// reported by the build tool's simple check) to origins, producing
// the same plan shape as the full walk so downstream code does not
// special-case the checking mode.
func (r *Resolver) MapMissing(ctx context.Context, missing []string, provided map[string]string) (*ResolutionPlan, error) {
	plan := &ResolutionPlan{}
	seen := make(map[string]bool)

	for _, token := range missing {
		name, op, constraint := splitDepToken(token)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		if _, ok := provided[name]; ok {
			continue
		}
		if r.backend.CheckInstalled(ctx, name) {
			continue
		}

		repos, err := r.backend.MapRepositories(ctx, []string{name})
		if err != nil {
			return plan, fmt.Errorf("repository lookup for %s failed: %w", name, err)
		}
		if repo, ok := repos[name]; ok {
			plan.Edges = append(plan.Edges, DepEdge{Name: name, Repository: repo, Op: op, Constraint: constraint})
			continue
		}
		if r.meta.InIndex(ctx, name) {
			plan.Edges = append(plan.Edges, DepEdge{Name: name, Repository: AurBase, Op: op, Constraint: constraint})
			continue
		}

		plan.Unresolved = append(plan.Unresolved, name)
		return plan, &UnresolvedDepError{Name: name}
	}

	return plan, nil
}
