package resolver

import "sort"

// RootPinID is the synthetic root candidate's identity: the root's
// contributions are never removed and it is never unpinned.
const RootPinID = 0

// contribution is one (parent pin identity, requirement) pair narrowing a
// package's allowed version set.
type contribution struct {
	parentPinID int
	requirement Requirement
}

// PackageState is the per-package resolution state: the committed version
// (if any) and everything that narrows its allowed set. forbidden maps a
// version to the decision-stack depth it was forbidden at, so a forbid can
// be withdrawn when backtracking unwinds past the ancestors that caused it.
type PackageState struct {
	Name          string
	Pinned        *CandidateVersion
	PinID         int
	contributions []contribution
	forbidden     map[string]int
}

// Forbidden reports whether raw (a candidate's Raw version string) is
// currently marked as causing failure downstream for this package.
func (ps *PackageState) Forbidden(raw string) bool {
	_, ok := ps.forbidden[raw]

	return ok
}

// Extras returns the sorted, deduplicated set of extras demanded across all
// current contributions to this package.
func (ps *PackageState) Extras() []string {
	set := make(map[string]bool)

	for _, c := range ps.contributions {
		for _, e := range c.requirement.Extras {
			set[e] = true
		}
	}

	extras := make([]string, 0, len(set))
	for e := range set {
		extras = append(extras, e)
	}

	sort.Strings(extras)

	return extras
}

// ConstraintStore accumulates, per package, the requirements contributed by
// committed candidates (or the synthetic root) and computes the currently
// allowed version set.
type ConstraintStore struct {
	env       MarkerEnv
	packages  map[string]*PackageState
	nextPinID int
}

// NewConstraintStore creates an empty store that evaluates markers against env.
func NewConstraintStore(env MarkerEnv) *ConstraintStore {
	return &ConstraintStore{
		env:       env,
		packages:  make(map[string]*PackageState),
		nextPinID: RootPinID + 1,
	}
}

func (cs *ConstraintStore) state(name string) *PackageState {
	name = NormalizeName(name)

	ps, ok := cs.packages[name]
	if !ok {
		ps = &PackageState{Name: name, forbidden: make(map[string]int)}
		cs.packages[name] = ps
	}

	return ps
}

// State returns the current PackageState for name, creating it if absent.
// The returned value must be treated as read-only by callers.
func (cs *ConstraintStore) State(name string) *PackageState {
	return cs.state(name)
}

// Add records that the candidate pinned under parentPinID contributes req.
// If activeExtra is non-empty, req's marker is evaluated as if that extra
// were the one being resolved (used when propagating a demanded extra's own
// requirement group). A false marker makes this call a no-op and reports
// added=false.
func (cs *ConstraintStore) Add(parentPinID int, req Requirement, activeExtra string) (added bool) {
	env := cs.env
	env.Extra = activeExtra

	if !EvalMarker(req.Marker, env) {
		return false
	}

	ps := cs.state(req.Name)
	ps.contributions = append(ps.contributions, contribution{parentPinID: parentPinID, requirement: req})

	return true
}

// Remove withdraws every contribution made by parentPinID, across every
// package. Used on backtrack; the root's contributions (RootPinID) must
// never be passed here.
func (cs *ConstraintStore) Remove(parentPinID int) {
	for _, ps := range cs.packages {
		if len(ps.contributions) == 0 {
			continue
		}

		kept := ps.contributions[:0]

		for _, c := range ps.contributions {
			if c.parentPinID != parentPinID {
				kept = append(kept, c)
			}
		}

		ps.contributions = kept
	}
}

// Allowed intersects every current contributor's specifier for name and
// filters candidates to those satisfying it and not forbidden.
func (cs *ConstraintStore) Allowed(name string, candidates []CandidateVersion) ([]CandidateVersion, error) {
	ps := cs.state(name)

	specs := make([]string, 0, len(ps.contributions))
	for _, c := range ps.contributions {
		specs = append(specs, c.requirement.Specifier)
	}

	vs, err := NewVersionSet(specs)
	if err != nil {
		return nil, err
	}

	var out []CandidateVersion

	for _, cand := range candidates {
		if _, ok := ps.forbidden[cand.Raw]; ok {
			continue
		}

		if !vs.Allows(cand.Version) {
			continue
		}

		out = append(out, cand)
	}

	return out, nil
}

// Pin commits name to cand, assigning it a fresh, monotonically increasing
// pin identity, and returns that identity.
func (cs *ConstraintStore) Pin(name string, cand CandidateVersion) int {
	ps := cs.state(name)
	id := cs.nextPinID
	cs.nextPinID++
	ps.Pinned = &cand
	ps.PinID = id

	return id
}

// Unpin clears name's committed version.
func (cs *ConstraintStore) Unpin(name string) {
	ps := cs.state(name)
	ps.Pinned = nil
	ps.PinID = 0
}

// Forbid marks raw as a version of name known to cause failure downstream
// under the current partial state. depth is the decision-stack depth the
// failure was observed at: PruneForbidden withdraws the mark once
// backtracking unwinds above it. Failures that do not depend on the
// partial state (build failures, interpreter incompatibility) use
// PermanentForbidDepth and are never withdrawn.
func (cs *ConstraintStore) Forbid(name, raw string, depth int) {
	ps := cs.state(name)
	ps.forbidden[raw] = depth
}

// PermanentForbidDepth marks a forbidden version that no amount of
// backtracking can redeem.
const PermanentForbidDepth = 0

// PruneForbidden withdraws every forbidden mark recorded deeper than
// maxDepth, restoring those versions as candidates now that the decisions
// that doomed them have been unwound.
func (cs *ConstraintStore) PruneForbidden(maxDepth int) {
	for _, ps := range cs.packages {
		for raw, depth := range ps.forbidden {
			if depth > maxDepth {
				delete(ps.forbidden, raw)
			}
		}
	}
}

// Conflict reports whether name's allowed set (against candidates) is empty,
// or excludes its currently pinned version.
func (cs *ConstraintStore) Conflict(name string, candidates []CandidateVersion) (bool, error) {
	allowed, err := cs.Allowed(name, candidates)
	if err != nil {
		return false, err
	}

	if len(allowed) == 0 {
		return true, nil
	}

	ps := cs.state(name)
	if ps.Pinned == nil {
		return false, nil
	}

	for _, a := range allowed {
		if a.Raw == ps.Pinned.Raw {
			return false, nil
		}
	}

	return true, nil
}

// AdmitsPreReleases reports whether any current contributor's specifier for
// name explicitly mentions a pre-release version, the only way a
// pre-release candidate becomes eligible without the global allow flag.
func (cs *ConstraintStore) AdmitsPreReleases(name string) bool {
	for _, c := range cs.state(name).contributions {
		if SpecifierAdmitsPreRelease(c.requirement.Specifier) {
			return true
		}
	}

	return false
}

// HasContributors reports whether name currently has at least one contributor.
func (cs *ConstraintStore) HasContributors(name string) bool {
	return len(cs.state(name).contributions) > 0
}

// UnpinnedWithContributors returns, sorted by canonical name, every package
// name that has at least one contributor but no pinned version.
func (cs *ConstraintStore) UnpinnedWithContributors() []string {
	var names []string

	for name, ps := range cs.packages {
		if ps.Pinned == nil && len(ps.contributions) > 0 {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}

// ContributorStrings returns the canonical string form of every current
// contributor to name, for use in diagnostics.
func (cs *ConstraintStore) ContributorStrings(name string) []string {
	ps := cs.state(name)

	out := make([]string, 0, len(ps.contributions))
	for _, c := range ps.contributions {
		out = append(out, c.requirement.CanonicalString())
	}

	return out
}
